// Package ingest runs the ingestion state machine: it accepts uploads
// synchronously and drives each accepted experiment through parsing and
// analysis on a bounded worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lab-analyzer/backend/internal/analysis"
	"github.com/lab-analyzer/backend/internal/models"
	"github.com/lab-analyzer/backend/internal/observability"
	"github.com/lab-analyzer/backend/internal/parser"
	"github.com/lab-analyzer/backend/internal/storage"
	"github.com/lab-analyzer/backend/internal/store"
	"github.com/lab-analyzer/backend/internal/validation"
)

// DefaultMaxUploadSize caps an upload when no limit is configured.
const DefaultMaxUploadSize int64 = 50 << 20

const maxFailureMessage = 500

// ContentValidator decides whether uploaded bytes may enter the pipeline.
type ContentValidator interface {
	Validate(content []byte, filename string) (*validation.Result, error)
}

// DataParser turns validated bytes into the normalized record.
type DataParser interface {
	Parse(detectedType string, content []byte, filename string, size int64) (*models.ParsedData, error)
}

// ProjectAccess decides whether a principal may file an experiment under
// a project. Projects themselves are managed elsewhere.
type ProjectAccess interface {
	CanUse(ctx context.Context, principal models.Principal, projectID string) (bool, error)
}

// AllowAllProjects is the ProjectAccess used when no project service is wired.
type AllowAllProjects struct{}

func (AllowAllProjects) CanUse(context.Context, models.Principal, string) (bool, error) {
	return true, nil
}

// Deps are the collaborators of the Manager.
type Deps struct {
	Validator ContentValidator
	Parser    DataParser
	Analyzer  analysis.Analyzer
	Files     storage.Store
	Repo      store.Repository
	Projects  ProjectAccess
	Events    *Broadcaster
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Options tune the Manager.
type Options struct {
	MaxUploadSize    int64
	Workers          int
	QueueSize        int
	SweepInterval    time.Duration
	StagedFileMaxAge time.Duration
}

// Manager owns the experiment lifecycle.
type Manager struct {
	validator ContentValidator
	parser    DataParser
	analyzer  analysis.Analyzer
	files     storage.Store
	repo      store.Repository
	projects  ProjectAccess
	events    *Broadcaster
	metrics   *observability.Metrics
	logger    *slog.Logger

	opts Options
	pool *Pool

	stopSweep context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewManager wires the Manager and starts its worker pool.
func NewManager(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.New("ingest: validator is required")
	case deps.Parser == nil:
		return nil, errors.New("ingest: parser is required")
	case deps.Analyzer == nil:
		return nil, errors.New("ingest: analyzer is required")
	case deps.Files == nil:
		return nil, errors.New("ingest: file store is required")
	case deps.Repo == nil:
		return nil, errors.New("ingest: repository is required")
	}
	if deps.Projects == nil {
		deps.Projects = AllowAllProjects{}
	}
	if deps.Events == nil {
		deps.Events = NewBroadcaster()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.StagedFileMaxAge <= 0 {
		opts.StagedFileMaxAge = time.Hour
	}

	logger := deps.Logger.With("component", "ingest")
	m := &Manager{
		validator: deps.Validator,
		parser:    deps.Parser,
		analyzer:  deps.Analyzer,
		files:     deps.Files,
		repo:      deps.Repo,
		projects:  deps.Projects,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
	}
	m.pool = NewPool(opts.Workers, opts.QueueSize, deps.Metrics.QueueDepth, deps.Logger)
	return m, nil
}

// Events returns the status broadcaster.
func (m *Manager) Events() *Broadcaster {
	return m.events
}

// QueueDepth returns the number of runs waiting for a worker.
func (m *Manager) QueueDepth() int {
	return m.pool.Depth()
}

// MaxUploadSize returns the configured upload cap in bytes.
func (m *Manager) MaxUploadSize() int64 {
	return m.opts.MaxUploadSize
}

// Start fails experiments left in processing by a previous process,
// removes their staged files, and starts the periodic orphan sweep.
func (m *Manager) Start(ctx context.Context) error {
	recovered, err := m.repo.RecoverInterrupted(ctx, models.FailureInfo{
		Version: models.FailureInfoVersion,
		Kind:    string(KindUnavailable),
		Stage:   "recovery",
		Message: "processing was interrupted by a service restart; please upload the file again",
		At:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recovering interrupted experiments: %w", err)
	}
	for _, exp := range recovered {
		m.logger.Warn("experiment interrupted by restart", "experiment_id", exp.ID)
		m.metrics.RunFinished(string(models.StatusFailed), string(KindUnavailable))
		m.publish(exp.ID, models.StatusFailed)
		if exp.StagedName != "" {
			m.secureDelete(m.logger.With("experiment_id", exp.ID), exp.StagedName)
		}
	}

	m.sweep()

	sweepCtx, cancel := context.WithCancel(context.Background())
	m.stopSweep = cancel
	m.sweepDone = make(chan struct{})
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
	return nil
}

func (m *Manager) sweep() {
	n, err := m.files.Sweep(m.opts.StagedFileMaxAge)
	if err != nil {
		m.metrics.SecureDeleteFailed()
		m.logger.Error("orphan sweep incomplete", "error", err)
	}
	if n > 0 {
		m.logger.Info("swept orphaned staged files", "count", n)
	}
}

// Shutdown stops the sweep, refuses new runs and waits for queued and
// running pipelines until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		if m.stopSweep != nil {
			m.stopSweep()
			<-m.sweepDone
		}
		err = m.pool.Shutdown(ctx)
	})
	return err
}

// AcceptUpload stages and validates an upload and, when it is accepted,
// records an experiment in processing and queues its pipeline run. It
// returns as soon as the run is queued.
//
// size is the length announced by the client, or -1 when unknown.
func (m *Manager) AcceptUpload(ctx context.Context, principal models.Principal, r io.Reader, filename string, size int64, projectID string) (*models.Experiment, error) {
	const op = "accept upload"

	// before any disk write
	if rej := validation.CheckFilename(filename); rej != nil {
		return nil, m.rejected(op, rej)
	}
	if projectID != "" {
		ok, err := m.projects.CanUse(ctx, principal, projectID)
		if err != nil {
			return nil, newError(KindUnavailable, op, "project service unavailable", err)
		}
		if !ok {
			return nil, newError(KindForbidden, op, "no access to project", nil)
		}
	}

	ext := validation.DeclaredExtension(filename)
	if !storage.ValidExtension(ext) {
		ext = ""
	}
	staged, err := m.files.Stage(ext, r, m.opts.MaxUploadSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			m.metrics.Upload("too_large")
			return nil, newError(KindValidation, op,
				fmt.Sprintf("file exceeds the maximum upload size of %s", humanize.Bytes(uint64(m.opts.MaxUploadSize))), err)
		}
		m.metrics.Upload("storage")
		return nil, newError(KindStorage, op, "could not store upload", err)
	}
	logger := m.logger.With("staged", staged.Name)

	// from here on every exit without a queued run deletes the staged file
	queued := false
	defer func() {
		if !queued {
			m.secureDelete(logger, staged.Name)
		}
	}()

	if size >= 0 && size != staged.Size {
		m.metrics.Upload("validation")
		return nil, newError(KindValidation, op, "received size does not match the declared size", nil)
	}

	content, err := m.files.ReadAll(staged.Name)
	if err != nil {
		m.metrics.Upload("storage")
		return nil, newError(KindStorage, op, "could not read staged upload", err)
	}

	res, err := m.validator.Validate(content, filename)
	if err != nil {
		m.metrics.Upload("internal")
		return nil, newError(KindInternal, op, "validation unavailable", err)
	}
	if !res.Accepted {
		return nil, m.rejected(op, res.Rejection)
	}

	exp := models.NewExperiment(uuid.NewString(), principal.ID, filename)
	if !exp.Status.CanTransition(models.StatusProcessing) {
		return nil, newError(KindTransition, op, "internal error", fmt.Errorf("new experiment in %s", exp.Status))
	}
	exp.Status = models.StatusProcessing
	exp.ProjectID = projectID
	exp.DeclaredFileType = res.Declared
	exp.DetectedFileType = res.Type.Name
	exp.Category = res.Type.Category
	exp.StagedName = staged.Name
	exp.Upload = models.UploadInfo{
		Version:    models.UploadInfoVersion,
		UploadedAt: exp.CreatedAt,
		MIMEType:   res.Detected.MIME,
		Size:       staged.Size,
		SHA256:     res.SHA256,
		Scan:       res.Scan,
	}

	if err := m.repo.Create(ctx, exp); err != nil {
		m.metrics.Upload("storage")
		return nil, newError(KindStorage, op, "could not record experiment", err)
	}
	m.publish(exp.ID, models.StatusProcessing)

	id, name := exp.ID, staged.Name
	if err := m.pool.TrySubmit(func(ctx context.Context) { m.runPipeline(ctx, id, name) }); err != nil {
		m.metrics.Upload("unavailable")
		m.fail(context.WithoutCancel(ctx), logger.With("experiment_id", id), id,
			newError(KindUnavailable, "queue", "the service is busy; please upload the file again later", err))
		exp.Status = models.StatusFailed
		return exp, newError(KindUnavailable, op, "the service is busy; please retry later", err)
	}
	queued = true

	m.metrics.Upload("accepted")
	logger.Info("upload accepted", "experiment_id", id, "type", exp.DetectedFileType,
		"size", humanize.Bytes(uint64(staged.Size)))
	return exp, nil
}

func (m *Manager) rejected(op string, rej *validation.Rejection) error {
	kind := KindValidation
	if rej.Kind == validation.RejectSecurity {
		kind = KindSecurity
		m.logger.Warn("upload rejected", "kind", rej.Kind, "threat", rej.Threat)
	} else {
		m.logger.Info("upload rejected", "kind", rej.Kind)
	}
	m.metrics.Upload(string(kind))
	return newError(kind, op, rej.Reason, rej)
}

// runPipeline parses, analyzes and persists one experiment. Every exit
// path ends in exactly one terminal transition followed by the secure
// deletion of the staged file.
func (m *Manager) runPipeline(ctx context.Context, id, stagedName string) {
	m.metrics.RunStarted()
	defer m.metrics.RunDone()

	logger := m.logger.With("experiment_id", id)
	start := time.Now()
	// terminal writes must land even when the run is cancelled
	persistCtx := context.WithoutCancel(ctx)

	defer m.secureDelete(logger, stagedName)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
			m.fail(persistCtx, logger, id, newError(KindInternal, "pipeline", "internal error while processing the file", fmt.Errorf("panic: %v", r)))
		}
	}()

	exp, err := m.repo.Get(ctx, id)
	if err != nil {
		m.fail(persistCtx, logger, id, newError(KindStorage, "load", "internal storage error", err))
		return
	}
	if exp.DetectedFileType == "" {
		m.fail(persistCtx, logger, id, newError(KindInternal, "load", "file type was not determined", nil))
		return
	}

	content, err := m.files.ReadAll(stagedName)
	if err != nil {
		m.fail(persistCtx, logger, id, newError(KindStorage, "read", "internal storage error", err))
		return
	}

	_, end := m.metrics.StartStage(ctx, "parse", id)
	data, err := m.parser.Parse(exp.DetectedFileType, content, exp.FileName, exp.Upload.Size)
	end(err)
	if err != nil {
		var pe *parser.ParseError
		if errors.As(err, &pe) {
			m.fail(persistCtx, logger, id, newError(KindParse, "parse", pe.Error(), err))
		} else {
			m.fail(persistCtx, logger, id, newError(KindParse, "parse", fmt.Sprintf("%s parse error", exp.DetectedFileType), err))
		}
		return
	}
	logger.Debug("parsed", "rows", data.Metadata.RowCount, "format", data.Metadata.Format)

	analyzeCtx, end := m.metrics.StartStage(ctx, "analyze", id)
	verdict, err := m.analyzer.Analyze(analyzeCtx, analysis.Request{
		ExperimentID: id,
		Category:     exp.Category,
		FileName:     exp.FileName,
		Data:         data,
	})
	end(err)
	if err != nil {
		m.fail(persistCtx, logger, id, newError(KindAnalysis, "analyze", analysisMessage(err), err))
		return
	}

	report := &models.Report{
		ExperimentID:     id,
		Summary:          verdict.Summary,
		Flags:            verdict.Flags,
		Recommendations:  verdict.Recommendations,
		Confidence:       analysis.ClampConfidence(verdict.Confidence),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Analyzer:         m.analyzer.Name(),
		CreatedAt:        time.Now().UTC(),
	}

	_, end = m.metrics.StartStage(persistCtx, "persist", id)
	err = m.repo.Complete(persistCtx, id, data, report)
	end(err)
	if err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// another writer finished this experiment; nothing to undo
			logger.Error("concurrent terminal transition", "error", err)
			return
		}
		m.fail(persistCtx, logger, id, newError(KindStorage, "persist", "internal storage error", err))
		return
	}

	m.metrics.RunFinished(string(models.StatusCompleted), "")
	m.publish(id, models.StatusCompleted)
	logger.Info("experiment completed", "flags", len(report.Flags),
		"confidence", report.Confidence, "duration_ms", report.ProcessingTimeMs)
}

// fail records the terminal failure of id. The message stored is the
// client-safe one; the cause only goes to the log.
func (m *Manager) fail(ctx context.Context, logger *slog.Logger, id string, ie *Error) {
	logger.Warn("experiment failed", "kind", ie.Kind, "op", ie.Op, "error", ie.Err)

	err := m.repo.Fail(ctx, id, models.FailureInfo{
		Version: models.FailureInfoVersion,
		Kind:    string(ie.Kind),
		Stage:   ie.Op,
		Message: sanitizeMessage(ie.Message),
		At:      time.Now().UTC(),
	})
	if err != nil {
		logger.Error("recording failure", "error", err)
		return
	}
	m.metrics.RunFinished(string(models.StatusFailed), string(ie.Kind))
	m.publish(id, models.StatusFailed)
}

func (m *Manager) secureDelete(logger *slog.Logger, name string) {
	if err := m.files.SecureDelete(name); err != nil {
		m.metrics.SecureDeleteFailed()
		logger.Error("secure delete failed", "staged", name, "error", err)
	}
}

func (m *Manager) publish(id string, status models.ExperimentStatus) {
	m.events.Publish(StatusEvent{ExperimentID: id, Status: status, At: time.Now().UTC()})
}

// Experiment returns an experiment readable by principal and, when it is
// completed, its report.
func (m *Manager) Experiment(ctx context.Context, principal models.Principal, id string) (*models.Experiment, *models.Report, error) {
	const op = "get experiment"

	exp, err := m.repo.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, newError(KindNotFound, op, "experiment not found", err)
	}
	if err != nil {
		return nil, nil, newError(KindStorage, op, "internal storage error", err)
	}
	if !principal.CanRead(exp.OwnerID) {
		return nil, nil, newError(KindForbidden, op, "not allowed to read this experiment", nil)
	}
	if exp.Status != models.StatusCompleted {
		return exp, nil, nil
	}

	report, err := m.repo.GetReport(ctx, id)
	if err != nil {
		return nil, nil, newError(KindStorage, op, "internal storage error", err)
	}
	return exp, report, nil
}

// Experiments lists the principal's own experiments, newest first.
func (m *Manager) Experiments(ctx context.Context, principal models.Principal, limit int) ([]*models.Experiment, error) {
	list, err := m.repo.List(ctx, principal.ID, limit)
	if err != nil {
		return nil, newError(KindStorage, "list experiments", "internal storage error", err)
	}
	return list, nil
}

func analysisMessage(err error) string {
	switch {
	case errors.Is(err, analysis.ErrTimeout):
		return "analysis timed out"
	case errors.Is(err, analysis.ErrMalformedResponse):
		return "analysis failed: the analysis service returned an unusable response"
	case errors.Is(err, context.Canceled):
		return "analysis was cancelled by a service shutdown"
	}
	return "analysis failed: the analysis service could not be reached"
}

// sanitizeMessage strips control characters and bounds the length of a
// message shown to clients.
func sanitizeMessage(msg string) string {
	msg = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, msg)
	if len(msg) > maxFailureMessage {
		msg = strings.ToValidUTF8(msg[:maxFailureMessage], "")
	}
	if strings.TrimSpace(msg) == "" {
		return "processing failed"
	}
	return msg
}
