package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/lab-analyzer/backend/internal/models"
)

// Options tune the instrument parsers.
type Options struct {
	PeakThreshold float64
	MaxPeaks      int
}

// DefaultOptions returns the default peak detection settings.
func DefaultOptions() Options {
	return Options{PeakThreshold: PeakThreshold, MaxPeaks: MaxPeaks}
}

// Registry maps detected types to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry with the four built-in lab formats.
func NewRegistry(opts Options) *Registry {
	if opts.MaxPeaks <= 0 {
		opts.MaxPeaks = MaxPeaks
	}
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(NewDelimitedParser())
	r.Register(NewSpreadsheetParser())
	r.Register(NewChromatographyParser(opts))
	r.Register(NewSpectroscopyParser(opts))
	return r
}

// Register adds or replaces the parser for p.Format().
func (r *Registry) Register(p Parser) {
	r.parsers[strings.ToLower(p.Format())] = p
}

// ParserFor returns the parser for a detected type.
func (r *Registry) ParserFor(detectedType string) (Parser, error) {
	p, ok := r.parsers[strings.ToLower(detectedType)]
	if !ok {
		return nil, fmt.Errorf("no parser registered for type %q", detectedType)
	}
	return p, nil
}

// Parse dispatches content to the parser for detectedType and fills in the
// common metadata. size is the byte count recorded at staging time; a
// different length means the staged content was truncated or replaced.
func (r *Registry) Parse(detectedType string, content []byte, filename string, size int64) (*models.ParsedData, error) {
	p, err := r.ParserFor(detectedType)
	if err != nil {
		return nil, err
	}
	if size >= 0 && int64(len(content)) != size {
		return nil, newParseError(p.Format(), 0, "content length %d does not match recorded size %d", len(content), size)
	}

	start := time.Now()
	data, err := p.Parse(content, filename)
	if err != nil {
		return nil, err
	}
	data.Metadata.Format = p.Format()
	data.Metadata.RowCount = len(data.Rows)
	if data.Metadata.ColumnCount == 0 {
		data.Metadata.ColumnCount = len(data.Headers)
	}
	data.Metadata.ParseTimeMs = time.Since(start).Milliseconds()
	return data, nil
}
