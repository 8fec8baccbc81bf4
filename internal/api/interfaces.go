// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/lab-analyzer/backend/internal/ingest"
	"github.com/lab-analyzer/backend/internal/models"
)

// ExperimentHandler handles experiment upload and retrieval
type ExperimentHandler interface {
	HandleUpload(c echo.Context) error
	HandleList(c echo.Context) error
	HandleGet(c echo.Context) error
	HandleDownloadReport(c echo.Context) error
}

// StatusStreamHandler streams experiment status changes
type StatusStreamHandler interface {
	HandleStatusStream(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// ExperimentService is the ingestion surface the handlers drive.
// *ingest.Manager implements it; tests may substitute their own.
type ExperimentService interface {
	AcceptUpload(ctx context.Context, principal models.Principal, r io.Reader, filename string, size int64, projectID string) (*models.Experiment, error)
	Experiment(ctx context.Context, principal models.Principal, id string) (*models.Experiment, *models.Report, error)
	Experiments(ctx context.Context, principal models.Principal, limit int) ([]*models.Experiment, error)
	Events() *ingest.Broadcaster
	QueueDepth() int
	MaxUploadSize() int64
}

var _ ExperimentService = (*ingest.Manager)(nil)
