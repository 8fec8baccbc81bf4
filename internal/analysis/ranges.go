package analysis

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lab-analyzer/backend/internal/models"
)

//go:embed default_ranges.yaml
var defaultRangesYAML []byte

// LoadRanges parses a YAML range file from disk.
func LoadRanges(filePath string) (*models.RangeRules, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ParseRanges(file)
}

// ParseRanges parses range rules from an io.Reader.
func ParseRanges(r io.Reader) (*models.RangeRules, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var rules models.RangeRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing range rules: %w", err)
	}
	for i, p := range rules.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("range rule %d has no name", i+1)
		}
		for _, b := range []*models.Bounds{p.Warning, p.Critical} {
			if b != nil && b.Min != nil && b.Max != nil && *b.Min > *b.Max {
				return nil, fmt.Errorf("range rule %q has min greater than max", p.Name)
			}
		}
	}
	return &rules, nil
}

// DefaultRanges returns the built-in range rules.
func DefaultRanges() *models.RangeRules {
	rules, err := ParseRanges(bytes.NewReader(defaultRangesYAML))
	if err != nil {
		panic(fmt.Sprintf("embedded range rules: %v", err))
	}
	return rules
}

// RangeAnalyzer is the offline analyzer: it checks tabular values against
// expected ranges and summarizes instrument series by their peaks.
type RangeAnalyzer struct {
	params map[string]models.ParameterRange
}

// NewRangeAnalyzer indexes rules by normalized name and alias.
func NewRangeAnalyzer(rules *models.RangeRules) *RangeAnalyzer {
	a := &RangeAnalyzer{params: make(map[string]models.ParameterRange)}
	if rules == nil {
		return a
	}
	for _, p := range rules.Parameters {
		a.params[normalizeHeader(p.Name)] = p
		for _, alias := range p.Aliases {
			a.params[normalizeHeader(alias)] = p
		}
	}
	return a
}

func (a *RangeAnalyzer) Name() string {
	return "rules"
}

func (a *RangeAnalyzer) Analyze(ctx context.Context, req Request) (*Verdict, error) {
	if req.Data == nil {
		return nil, errors.New("no parsed data to analyze")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Data.Series.Len() > 0 {
		return a.analyzeSeries(req), nil
	}
	return a.analyzeTable(req), nil
}

func (a *RangeAnalyzer) analyzeTable(req Request) *Verdict {
	data := req.Data
	type column struct {
		index int
		rule  models.ParameterRange
	}
	var cols []column
	for i, h := range data.Headers {
		if rule, ok := a.params[normalizeHeader(h)]; ok {
			cols = append(cols, column{i, rule})
		}
	}

	v := &Verdict{Flags: []models.Flag{}, Recommendations: []string{}}
	if len(cols) == 0 {
		v.Summary = fmt.Sprintf("%d rows analyzed; no recognised parameters in columns %s.",
			len(data.Rows), strings.Join(data.Headers, ", "))
		v.Flags = append(v.Flags, models.Flag{
			Level:     models.FlagInfo,
			Parameter: "columns",
			Message:   "No column matched a parameter with an expected range.",
		})
		v.Recommendations = append(v.Recommendations, "Add expected ranges for these parameters to enable automatic checks.")
		v.Confidence = 40
		return v
	}

	critical, warning := 0, 0
	for r, row := range data.Rows {
		label := rowLabel(row, r, cols[0].index)
		for _, c := range cols {
			if c.index >= len(row) {
				continue
			}
			val, ok := row[c.index].(float64)
			if !ok {
				continue
			}
			level, ok := classify(c.rule, val)
			if !ok {
				continue
			}
			if level == models.FlagCritical {
				critical++
			} else {
				warning++
			}
			expected := c.rule.Warning.String()
			if expected == "" {
				expected = c.rule.Critical.String()
			}
			v.Flags = append(v.Flags, models.Flag{
				Level:         level,
				Parameter:     c.rule.Name,
				Message:       fmt.Sprintf("%s=%g for %s is outside the %s range", data.Headers[c.index], val, label, level),
				Value:         val,
				ExpectedRange: expected,
			})
		}
	}

	sort.SliceStable(v.Flags, func(i, j int) bool {
		return severity(v.Flags[i].Level) > severity(v.Flags[j].Level)
	})
	if len(v.Flags) > maxFlags {
		v.Flags = v.Flags[:maxFlags]
	}

	v.Summary = fmt.Sprintf("%d rows analyzed; %d critical and %d warning findings across %d recognised parameters.",
		len(data.Rows), critical, warning, len(cols))
	switch {
	case critical > 0:
		v.Recommendations = append(v.Recommendations,
			"Re-test samples with critical values and verify instrument calibration.")
	case warning > 0:
		v.Recommendations = append(v.Recommendations, "Review samples outside the expected range.")
	default:
		v.Recommendations = append(v.Recommendations, "No action required; all values are within expected ranges.")
	}
	v.Confidence = 80
	return v
}

func (a *RangeAnalyzer) analyzeSeries(req Request) *Verdict {
	s := req.Data.Series
	peaks := req.Data.Peaks
	v := &Verdict{Flags: []models.Flag{}, Recommendations: []string{}, Confidence: 60}

	v.Summary = fmt.Sprintf("%s series with %d points and %d detected peaks.", req.Category, s.Len(), len(peaks))
	if len(peaks) == 0 {
		v.Flags = append(v.Flags, models.Flag{
			Level:     models.FlagWarning,
			Parameter: "peaks",
			Message:   "No peaks above the detection threshold.",
		})
		v.Recommendations = append(v.Recommendations, "Check sample preparation and detector sensitivity.")
		return v
	}

	top := peaks[0]
	v.Flags = append(v.Flags, models.Flag{
		Level:     models.FlagInfo,
		Parameter: "peaks",
		Message:   fmt.Sprintf("Largest peak at %g %s with height %g.", top.Position, s.XUnits, top.Height),
		Value:     top.Position,
	})
	ymin, ymax := bounds(s.Y)
	if ymin < 0 {
		v.Flags = append(v.Flags, models.Flag{
			Level:     models.FlagWarning,
			Parameter: s.YLabel,
			Message:   "Negative intensities present; the baseline may need correction.",
			Value:     ymin,
		})
	}
	if ymax > 0 && top.Height < ymax {
		v.Flags = append(v.Flags, models.Flag{
			Level:     models.FlagInfo,
			Parameter: s.YLabel,
			Message:   "Signal maximum lies at a series edge rather than a peak apex.",
			Value:     ymax,
		})
	}
	v.Recommendations = append(v.Recommendations,
		"Peak areas are approximate; confirm quantitation with instrument software.")
	return v
}

// classify returns the level for val, or false when it is in range.
func classify(rule models.ParameterRange, val float64) (models.FlagLevel, bool) {
	if !rule.Critical.Contains(val) {
		return models.FlagCritical, true
	}
	if !rule.Warning.Contains(val) {
		return models.FlagWarning, true
	}
	return "", false
}

func severity(l models.FlagLevel) int {
	switch l {
	case models.FlagCritical:
		return 2
	case models.FlagWarning:
		return 1
	}
	return 0
}

// rowLabel names a row by its first text cell, falling back to its number.
func rowLabel(row []any, index, skip int) string {
	for i, cell := range row {
		if i == skip {
			continue
		}
		if s, ok := cell.(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("row %d", index+1)
}

// normalizeHeader lower-cases h, drops a trailing unit in () or [] and
// joins words with underscores.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.IndexAny(h, "(["); i > 0 {
		h = strings.TrimSpace(h[:i])
	}
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '.'
	}), "_")
}
