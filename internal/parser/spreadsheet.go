package parser

import (
	"bytes"

	"github.com/xuri/excelize/v2"

	"github.com/lab-analyzer/backend/internal/models"
)

// Decompression limits for workbooks. A few kilobytes of zip can expand to
// gigabytes of XML.
const (
	unzipSizeLimit    = 256 << 20
	unzipXMLSizeLimit = 64 << 20
)

// SpreadsheetParser decodes the first worksheet of an xlsx workbook.
type SpreadsheetParser struct{}

func NewSpreadsheetParser() *SpreadsheetParser {
	return &SpreadsheetParser{}
}

func (p *SpreadsheetParser) Name() string {
	return "spreadsheet"
}

func (p *SpreadsheetParser) Format() string {
	return "xlsx"
}

func (p *SpreadsheetParser) Parse(content []byte, filename string) (*models.ParsedData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content), excelize.Options{
		UnzipSizeLimit:    unzipSizeLimit,
		UnzipXMLSizeLimit: unzipXMLSizeLimit,
	})
	if err != nil {
		return nil, newParseError(p.Format(), 0, "unreadable workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, newParseError(p.Format(), 0, "empty data: workbook has no sheets")
	}
	sheet := sheets[0]

	raw, err := f.GetRows(sheet)
	if err != nil {
		return nil, newParseError(p.Format(), 0, "reading sheet %q: %v", sheet, err)
	}

	headerAt := -1
	for i, r := range raw {
		if !isBlankRecord(r) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, newParseError(p.Format(), 0, "empty data: sheet %q is empty", sheet)
	}
	headers := normalizeHeaders(raw[headerAt])

	rows := make([][]any, 0, len(raw)-headerAt)
	for i := headerAt + 1; i < len(raw); i++ {
		record := raw[i]
		if isBlankRecord(record) {
			continue
		}
		if len(record) > len(headers) {
			return nil, newParseError(p.Format(), i+1,
				"row has %d cells but header has %d", len(record), len(headers))
		}
		// GetRows drops trailing empty cells, so pad back to the header width.
		row := make([]any, len(headers))
		for j, cell := range record {
			row[j] = CoerceCell(cell)
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, newParseError(p.Format(), 0, "empty data: sheet %q has no data rows", sheet)
	}

	return &models.ParsedData{
		Headers: headers,
		Rows:    rows,
		Metadata: models.ParseMetadata{
			ColumnCount: len(headers),
			Sheet:       sheet,
		},
	}, nil
}
