package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/lab-analyzer/backend/internal/analysis"
	"github.com/lab-analyzer/backend/internal/api"
	"github.com/lab-analyzer/backend/internal/config"
	"github.com/lab-analyzer/backend/internal/ingest"
	"github.com/lab-analyzer/backend/internal/observability"
	"github.com/lab-analyzer/backend/internal/parser"
	"github.com/lab-analyzer/backend/internal/storage"
	"github.com/lab-analyzer/backend/internal/store"
	"github.com/lab-analyzer/backend/internal/validation"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	files, err := storage.NewLocalStore(cfg.GetUploadDir(), cfg.Storage.SecureDeletePasses)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	contentValidator, err := validation.New(cfg.Security.AllowedFileTypes)
	if err != nil {
		return fmt.Errorf("invalid allowed file types: %w", err)
	}
	analyzer, err := buildAnalyzer(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	mgr, err := ingest.NewManager(ingest.Deps{
		Validator: contentValidator,
		Parser: parser.NewRegistry(parser.Options{
			PeakThreshold: cfg.Processing.PeakThreshold,
			MaxPeaks:      cfg.Processing.MaxPeaks,
		}),
		Analyzer: analyzer,
		Files:    files,
		Repo:     repo,
		Metrics:  metrics,
		Logger:   logger,
	}, ingest.Options{
		MaxUploadSize:    maxUpload,
		Workers:          cfg.Processing.Workers,
		QueueSize:        cfg.Processing.QueueSize,
		SweepInterval:    cfg.SweepInterval(),
		StagedFileMaxAge: cfg.StagedFileMaxAge(),
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	e := api.NewServer(&api.Dependencies{
		Experiments:          mgr,
		Auth:                 api.HeaderAuthenticator{Token: authToken(cfg)},
		Gatherer:             reg,
		Version:              Version,
		Logger:               logger,
		ExposeErrorDetails:   cfg.Security.ExposeErrorDetails,
		EnableRequestLogging: cfg.Advanced.EnableRequestLogging,
		EnableCORS:           cfg.Server.EnableCORS,
		AllowOrigins:         splitOrigins(cfg.Server.AllowOrigins),
	})

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      e,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, path, analyzer.Name())

	serveErr := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			mgr.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	grace := time.Duration(cfg.Processing.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown incomplete", "error", err)
	}
	return nil
}

// openRepository opens DuckDB at Storage.DatabasePath, or keeps experiments
// in memory when the path is empty.
func openRepository(cfg *config.AppConfig, logger *slog.Logger) (store.Repository, error) {
	if cfg.Storage.DatabasePath == "" {
		logger.Warn("no database path configured, experiments are kept in memory")
		return store.NewMemoryStore(), nil
	}
	repo, err := store.NewDuckStore(cfg.Storage.DatabasePath, store.DuckOptions{
		Threads:     cfg.Advanced.DuckDBThreads,
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return repo, nil
}

// buildAnalyzer returns the configured provider wrapped with the call
// timeout and rate limit.
func buildAnalyzer(cfg *config.AppConfig, logger *slog.Logger) (analysis.Analyzer, error) {
	var inner analysis.Analyzer
	switch cfg.Analysis.Provider {
	case "openai":
		clientCfg := openai.DefaultConfig(cfg.Analysis.APIKey)
		if cfg.Analysis.BaseURL != "" {
			clientCfg.BaseURL = cfg.Analysis.BaseURL
		}
		inner = analysis.NewOpenAIAnalyzer(openai.NewClientWithConfig(clientCfg), cfg.Analysis.Model, logger)
	default:
		rules := analysis.DefaultRanges()
		if cfg.Analysis.RangesFile != "" {
			loaded, err := analysis.LoadRanges(cfg.Analysis.RangesFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load expected ranges: %w", err)
			}
			rules = loaded
		}
		inner = analysis.NewRangeAnalyzer(rules)
	}
	return analysis.NewGuarded(inner, cfg.AnalysisTimeout(), cfg.Analysis.RequestsPerMin), nil
}

func authToken(cfg *config.AppConfig) string {
	if !cfg.Security.RequireAuth {
		return ""
	}
	return cfg.Security.AuthToken
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func printBanner(cfg *config.AppConfig, path, analyzer string) {
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(os.Stderr, "║           Lab Data Ingestion Service                      ║\n")
	fmt.Fprintf(os.Stderr, "╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(os.Stderr, "║  Version:    %-45s║\n", Version)
	fmt.Fprintf(os.Stderr, "║  Build Time: %-45s║\n", BuildTime)
	fmt.Fprintf(os.Stderr, "║  Analyzer:   %-45s║\n", analyzer)
	fmt.Fprintf(os.Stderr, "╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Fprintf(os.Stderr, "║  Config:    %-46s║\n", path)
	fmt.Fprintf(os.Stderr, "║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Fprintf(os.Stderr, "║  Data Dir:  %-46s║\n", cfg.GetDataDir())
	fmt.Fprintf(os.Stderr, "╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Fprintf(os.Stderr, "\n")
}
