// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version    string
	queueDepth func() int
}

// NewHealthHandler creates a new health handler. queueDepth may be nil.
func NewHealthHandler(version string, queueDepth func() int) HealthHandler {
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	return &HealthHandlerImpl{
		version:    version,
		queueDepth: queueDepth,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    h.version,
		"queueDepth": h.queueDepth(),
	})
}
