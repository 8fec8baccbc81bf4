// Package parser turns validated upload content into models.ParsedData.
//
// Dispatch is by detected type only; a parser never looks at the client's
// file extension. Structural problems are reported as *ParseError and are
// terminal for the experiment.
package parser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lab-analyzer/backend/internal/models"
)

// Parser decodes content of a single detected type.
type Parser interface {
	// Name returns the unique name of the parser.
	Name() string
	// Format returns the detected type this parser handles.
	Format() string
	// Parse decodes content into the normalized record.
	Parse(content []byte, filename string) (*models.ParsedData, error)
}

// ParseError is a structural failure in an honest but malformed file.
type ParseError struct {
	Format string
	Line   int // 1-based, 0 when not line oriented
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s parse error at line %d: %s", e.Format, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s parse error: %s", e.Format, e.Reason)
}

func newParseError(format string, line int, reason string, args ...any) *ParseError {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &ParseError{Format: format, Line: line, Reason: reason}
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// CoerceCell converts a raw cell to float64 when it is lexically a decimal
// number, to nil when it is blank, and leaves it as a trimmed string otherwise.
func CoerceCell(raw string) any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if f, ok := parseNumber(s); ok {
		return f
	}
	return s
}

// parseNumber parses plain decimal notation only. strconv alone would also
// accept "NaN", "Inf" and hex floats, which are never numbers in lab data.
func parseNumber(s string) (float64, bool) {
	if !isDecimalFast(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// isDecimalFast checks [+-]digits[.digits][(e|E)[+-]digits] without regex.
func isDecimalFast(s string) bool {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		exp := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			exp++
		}
		if exp == 0 {
			return false
		}
	}
	return i == len(s)
}

// seriesRows mirrors a series as [x, y] rows so every format shares the
// row/column shape.
func seriesRows(x, y []float64) [][]any {
	rows := make([][]any, len(y))
	for i := range y {
		rows[i] = []any{x[i], y[i]}
	}
	return rows
}
