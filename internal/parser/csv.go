package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lab-analyzer/backend/internal/models"
)

// DelimitedParser handles comma, semicolon and tab separated tables.
// The first record is the header; every following record must have the
// same number of fields.
type DelimitedParser struct{}

func NewDelimitedParser() *DelimitedParser {
	return &DelimitedParser{}
}

func (p *DelimitedParser) Name() string {
	return "delimited_table"
}

func (p *DelimitedParser) Format() string {
	return "csv"
}

func (p *DelimitedParser) Parse(content []byte, filename string) (*models.ParsedData, error) {
	content = bytes.TrimPrefix(content, []byte{0xef, 0xbb, 0xbf})

	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = detectDelimiter(content)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 0

	header, err := r.Read()
	if err == io.EOF {
		return nil, newParseError(p.Format(), 0, "empty data: file has no header row")
	}
	if err != nil {
		return nil, csvError(p.Format(), err)
	}
	headers := normalizeHeaders(header)

	rows := make([][]any, 0, 64)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, csvError(p.Format(), err)
		}
		if isBlankRecord(record) {
			continue
		}
		row := make([]any, len(record))
		for i, cell := range record {
			row[i] = CoerceCell(cell)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, newParseError(p.Format(), 0, "empty data: header present but no data rows")
	}

	return &models.ParsedData{
		Headers: headers,
		Rows:    rows,
		Metadata: models.ParseMetadata{
			ColumnCount: len(headers),
		},
	}, nil
}

func csvError(format string, err error) error {
	var ce *csv.ParseError
	if errors.As(err, &ce) {
		reason := ce.Err.Error()
		if errors.Is(ce.Err, csv.ErrFieldCount) {
			reason = "row has a different number of columns than the header"
		}
		return newParseError(format, ce.Line, "%s", reason)
	}
	return fmt.Errorf("reading %s: %w", format, err)
}

// normalizeHeaders trims names and fills blanks as column_N.
func normalizeHeaders(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = h
	}
	return out
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// detectDelimiter picks ',', ';' or tab by frequency on the header line.
func detectDelimiter(content []byte) rune {
	line := content
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte(","))
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
