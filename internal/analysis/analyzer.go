// Package analysis adapts external scientific-analysis capabilities to a
// single Analyzer interface and normalizes whatever they return into a
// Verdict the pipeline can store.
package analysis

import (
	"context"
	"errors"

	"github.com/lab-analyzer/backend/internal/models"
)

// ErrMalformedResponse means the capability answered with something that
// cannot be read as a verdict at all.
var ErrMalformedResponse = errors.New("malformed analysis response")

// Request is the input to an analysis.
type Request struct {
	ExperimentID string
	Category     models.Category
	FileName     string
	Data         *models.ParsedData
}

// Verdict is the normalized result of an analysis.
type Verdict struct {
	Summary         string        `json:"summary"`
	Flags           []models.Flag `json:"flags"`
	Recommendations []string      `json:"recommendations"`
	Confidence      float64       `json:"confidence"`
}

// Analyzer produces a verdict for parsed lab data.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Verdict, error)
}
