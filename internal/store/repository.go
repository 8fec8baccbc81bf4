// Package store persists experiments and their reports.
//
// Every implementation enforces the lifecycle rules itself: an experiment is
// created in processing, moves exactly once to completed or failed, and a
// report is written in the same step that completes its experiment.
package store

import (
	"context"
	"errors"

	"github.com/lab-analyzer/backend/internal/models"
)

var (
	// ErrNotFound is returned when no experiment or report has the given id.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a status change would break
	// pending -> processing -> completed|failed, including a second
	// terminal transition on the same experiment.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrDuplicate is returned when an experiment id already exists.
	ErrDuplicate = errors.New("experiment already exists")
)

// DefaultListLimit and MaxListLimit bound List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Repository is the persistence boundary of the ingestion pipeline.
type Repository interface {
	// Create persists a new experiment, which must be in processing.
	Create(ctx context.Context, exp *models.Experiment) error

	// Get returns the experiment including its processed data.
	Get(ctx context.Context, id string) (*models.Experiment, error)

	// List returns experiments newest first without processed data.
	// An empty ownerID lists every owner.
	List(ctx context.Context, ownerID string, limit int) ([]*models.Experiment, error)

	// Complete stores data and report and moves the experiment to completed
	// atomically.
	Complete(ctx context.Context, id string, data *models.ParsedData, report *models.Report) error

	// Fail moves the experiment to failed with the given detail.
	Fail(ctx context.Context, id string, failure models.FailureInfo) error

	// GetReport returns the report of a completed experiment.
	GetReport(ctx context.Context, id string) (*models.Report, error)

	// RecoverInterrupted fails every experiment still in processing and
	// returns them. Used at start-up, when no pipeline can be running yet.
	RecoverInterrupted(ctx context.Context, failure models.FailureInfo) ([]*models.Experiment, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}
