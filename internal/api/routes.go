// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// bodyOverhead leaves room for multipart headers around the file part.
const bodyOverhead = 1 << 20

// Dependencies holds all handler dependencies
type Dependencies struct {
	Experiments ExperimentService
	Auth        Authenticator
	Gatherer    prometheus.Gatherer // nil disables /metrics
	Version     string
	Logger      *slog.Logger

	ExposeErrorDetails   bool
	EnableRequestLogging bool
	EnableCORS           bool
	AllowOrigins         []string
}

// Handlers holds all handler instances
type Handlers struct {
	Health      HealthHandler
	Experiments ExperimentHandler
	Status      StatusStreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:      NewHealthHandler(deps.Version, deps.Experiments.QueueDepth),
		Experiments: NewExperimentHandler(deps.Experiments),
		Status:      NewStatusStreamHandler(deps.Experiments, deps.AllowOrigins, 0, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers, deps *Dependencies) {
	// Health check
	e.GET("/api/health", handlers.Health.HandleHealth)

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := deps.Auth
	if auth == nil {
		auth = HeaderAuthenticator{}
	}

	// Experiment routes
	expGroup := e.Group("/api/experiments", RequirePrincipal(auth))
	expGroup.POST("", handlers.Experiments.HandleUpload)
	expGroup.GET("", handlers.Experiments.HandleList)
	expGroup.GET("/:id", handlers.Experiments.HandleGet)
	expGroup.GET("/:id/report/download", handlers.Experiments.HandleDownloadReport)
	expGroup.GET("/:id/ws", handlers.Status.HandleStatusStream)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, deps *Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Use custom error handler
	e.HTTPErrorHandler = NewErrorHandler(deps.ExposeErrorDetails, logger)

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("handler panicked", "path", c.Path(), "error", err, "stack", string(stack))
			return err
		},
	}))

	if deps.EnableRequestLogging {
		httpLogger := logger.With("component", "http")
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return path == "/api/health" ||
					path == "/metrics" ||
					strings.HasSuffix(path, "/ws")
			},
			LogMethod:   true,
			LogURIPath:  true,
			LogStatus:   true,
			LogLatency:  true,
			LogRemoteIP: true,
			LogError:    true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status,
					"latency", v.Latency, "remote_ip", v.RemoteIP}
				if v.Error != nil {
					httpLogger.Warn("request", append(attrs, "error", v.Error)...)
					return nil
				}
				httpLogger.Info("request", attrs...)
				return nil
			},
		}))
	}

	// Body limit middleware
	if deps.Experiments != nil {
		limit := deps.Experiments.MaxUploadSize() + bodyOverhead
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", (limit+1023)/1024)))
	}

	// CORS configuration
	if deps.EnableCORS {
		origins := deps.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, HeaderPrincipalID, HeaderPrincipalRole},
		}))
	}
}

// NewServer builds an echo instance with middleware and routes registered.
func NewServer(deps *Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	SetupMiddleware(e, deps)
	RegisterRoutes(e, NewHandlers(deps), deps)
	return e
}
