package models

// ParsedData is the normalized record produced by the format parsers.
// Tabular formats fill Headers and Rows; instrument formats also fill
// Series and Peaks, with Rows mirroring the series as [x, y] pairs.
type ParsedData struct {
	Headers    []string          `json:"headers,omitempty" msgpack:"headers,omitempty"`
	Rows       [][]any           `json:"rows" msgpack:"rows"`
	Metadata   ParseMetadata     `json:"metadata" msgpack:"metadata"`
	Series     *Series           `json:"series,omitempty" msgpack:"series,omitempty"`
	Peaks      []Peak            `json:"peaks,omitempty" msgpack:"peaks,omitempty"`
	Instrument map[string]string `json:"instrument,omitempty" msgpack:"instrument,omitempty"`
}

// ParseMetadata describes the shape of a parse result.
type ParseMetadata struct {
	RowCount    int    `json:"rowCount" msgpack:"rowCount"`
	ColumnCount int    `json:"columnCount" msgpack:"columnCount"`
	Format      string `json:"format" msgpack:"format"`
	ParseTimeMs int64  `json:"parseTimeMs" msgpack:"parseTimeMs"`
	Sheet       string `json:"sheet,omitempty" msgpack:"sheet,omitempty"`
}

// Series is an ordered (x, y) signal such as a chromatogram or spectrum.
type Series struct {
	XLabel string    `json:"xLabel" msgpack:"xLabel"`
	YLabel string    `json:"yLabel" msgpack:"yLabel"`
	XUnits string    `json:"xUnits,omitempty" msgpack:"xUnits,omitempty"`
	YUnits string    `json:"yUnits,omitempty" msgpack:"yUnits,omitempty"`
	X      []float64 `json:"x" msgpack:"x"`
	Y      []float64 `json:"y" msgpack:"y"`
}

// Len returns the number of points in the series.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Y)
}

// Peak is a detected local maximum in a Series.
type Peak struct {
	Index    int     `json:"index" msgpack:"index"`
	Position float64 `json:"position" msgpack:"position"` // retention time or x value
	Height   float64 `json:"height" msgpack:"height"`
	Area     float64 `json:"area" msgpack:"area"`
}
