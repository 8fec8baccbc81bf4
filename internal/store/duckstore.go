package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lab-analyzer/backend/internal/models"
)

var memoryLimitPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?\s*[KMGT]?i?B$`)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	id             VARCHAR PRIMARY KEY,
	owner_id       VARCHAR NOT NULL,
	project_id     VARCHAR NOT NULL,
	file_name      VARCHAR NOT NULL,
	declared_type  VARCHAR NOT NULL,
	detected_type  VARCHAR NOT NULL,
	category       VARCHAR NOT NULL,
	status         VARCHAR NOT NULL,
	staged_name    VARCHAR NOT NULL,
	processed_data BLOB,
	upload_info    VARCHAR NOT NULL,
	failure_info   VARCHAR,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP
);
CREATE TABLE IF NOT EXISTS reports (
	experiment_id      VARCHAR PRIMARY KEY,
	summary            VARCHAR NOT NULL,
	flags              BLOB NOT NULL,
	recommendations    BLOB NOT NULL,
	confidence         DOUBLE NOT NULL,
	processing_time_ms BIGINT NOT NULL,
	analyzer           VARCHAR NOT NULL,
	created_at         TIMESTAMP NOT NULL
);
`

// summaryColumns excludes processed_data, which can be large.
const summaryColumns = `id, owner_id, project_id, file_name, declared_type, detected_type,
	category, status, staged_name, upload_info, failure_info, created_at, updated_at, completed_at`

// DuckOptions tunes the DuckDB connection.
type DuckOptions struct {
	Threads     int
	MemoryLimit string
}

// DuckStore is the DuckDB-backed Repository. Processed data and report flags
// are stored as msgpack BLOBs; the versioned upload and failure sub-records
// as JSON text so they stay readable from the DuckDB shell.
type DuckStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckStore opens (or creates) the database at dbPath. An empty path
// opens an in-memory database.
func NewDuckStore(dbPath string, opts DuckOptions, logger *slog.Logger) (*DuckStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "duckstore")

	pragmas := []string{"PRAGMA enable_progress_bar=false"}
	if opts.Threads > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
	}
	if opts.MemoryLimit != "" {
		if !memoryLimitPattern.MatchString(opts.MemoryLimit) {
			return nil, fmt.Errorf("invalid DuckDB memory limit %q", opts.MemoryLimit)
		}
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit))
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("database ready", "path", dbPath)
	return &DuckStore{db: db, dbPath: dbPath, logger: logger}, nil
}

func (s *DuckStore) Create(ctx context.Context, exp *models.Experiment) error {
	if exp.Status != models.StatusProcessing {
		return fmt.Errorf("%w: create in %s", ErrIllegalTransition, exp.Status)
	}
	upload, err := json.Marshal(exp.Upload)
	if err != nil {
		return fmt.Errorf("encoding upload info: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM experiments WHERE id = ?", exp.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking experiment %s: %w", exp.ID, err)
	}
	if exists {
		return ErrDuplicate
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, owner_id, project_id, file_name, declared_type, detected_type,
			category, status, staged_name, upload_info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.OwnerID, exp.ProjectID, exp.FileName, exp.DeclaredFileType, exp.DetectedFileType,
		string(exp.Category), string(exp.Status), exp.StagedName, string(upload),
		exp.CreatedAt.UTC(), exp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting experiment %s: %w", exp.ID, err)
	}
	return nil
}

func (s *DuckStore) Get(ctx context.Context, id string) (*models.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+summaryColumns+", processed_data FROM experiments WHERE id = ?", id)

	var blob []byte
	exp, err := scanExperiment(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading experiment %s: %w", id, err)
	}
	if len(blob) > 0 {
		var data models.ParsedData
		if err := msgpack.Unmarshal(blob, &data); err != nil {
			return nil, fmt.Errorf("decoding processed data for %s: %w", id, err)
		}
		exp.ProcessedData = &data
	}
	return exp, nil
}

func (s *DuckStore) List(ctx context.Context, ownerID string, limit int) ([]*models.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+summaryColumns+` FROM experiments
		WHERE (? = '' OR owner_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ownerID, ownerID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Experiment, 0)
	for rows.Next() {
		exp, err := scanExperiment(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scanning experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (s *DuckStore) Complete(ctx context.Context, id string, data *models.ParsedData, report *models.Report) error {
	if report == nil {
		return fmt.Errorf("complete %s: nil report", id)
	}
	var blob []byte
	if data != nil {
		var err error
		if blob, err = msgpack.Marshal(data); err != nil {
			return fmt.Errorf("encoding processed data: %w", err)
		}
	}
	flags, err := msgpack.Marshal(report.Flags)
	if err != nil {
		return fmt.Errorf("encoding flags: %w", err)
	}
	recs, err := msgpack.Marshal(report.Recommendations)
	if err != nil {
		return fmt.Errorf("encoding recommendations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE experiments
		SET status = ?, processed_data = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusCompleted), blob, now, now, id, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("completing experiment %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		if err != nil {
			return fmt.Errorf("completing experiment %s: %w", id, err)
		}
		return s.transitionError(ctx, id, models.StatusCompleted)
	}

	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reports (experiment_id, summary, flags, recommendations, confidence,
			processing_time_ms, analyzer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, report.Summary, flags, recs, report.Confidence,
		report.ProcessingTimeMs, report.Analyzer, createdAt.UTC()); err != nil {
		return fmt.Errorf("inserting report for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *DuckStore) Fail(ctx context.Context, id string, failure models.FailureInfo) error {
	info, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("encoding failure info: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE experiments
		SET status = ?, failure_info = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusFailed), string(info), time.Now().UTC(), id, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failing experiment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failing experiment %s: %w", id, err)
	}
	if n != 1 {
		return s.transitionError(ctx, id, models.StatusFailed)
	}
	return nil
}

// transitionError explains why a guarded UPDATE touched no row.
func (s *DuckStore) transitionError(ctx context.Context, id string, next models.ExperimentStatus) error {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM experiments WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking experiment %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, status, next)
}

func (s *DuckStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var (
		r     models.Report
		flags []byte
		recs  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT experiment_id, summary, flags, recommendations, confidence,
			processing_time_ms, analyzer, created_at
		FROM reports WHERE experiment_id = ?`, id).
		Scan(&r.ExperimentID, &r.Summary, &flags, &recs, &r.Confidence,
			&r.ProcessingTimeMs, &r.Analyzer, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading report %s: %w", id, err)
	}
	if err := msgpack.Unmarshal(flags, &r.Flags); err != nil {
		return nil, fmt.Errorf("decoding flags for %s: %w", id, err)
	}
	if err := msgpack.Unmarshal(recs, &r.Recommendations); err != nil {
		return nil, fmt.Errorf("decoding recommendations for %s: %w", id, err)
	}
	if r.Flags == nil {
		r.Flags = []models.Flag{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	return &r, nil
}

func (s *DuckStore) RecoverInterrupted(ctx context.Context, failure models.FailureInfo) ([]*models.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+summaryColumns+" FROM experiments WHERE status = ?", string(models.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("finding interrupted experiments: %w", err)
	}
	var stuck []*models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows, nil)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning experiment: %w", err)
		}
		stuck = append(stuck, exp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recovered := make([]*models.Experiment, 0, len(stuck))
	for _, exp := range stuck {
		if err := s.Fail(ctx, exp.ID, failure); err != nil {
			return recovered, err
		}
		f := failure
		exp.Status = models.StatusFailed
		exp.Failure = &f
		recovered = append(recovered, exp)
	}
	if len(recovered) > 0 {
		s.logger.Warn("failed experiments interrupted by shutdown", "count", len(recovered))
	}
	return recovered, nil
}

// Close closes the database.
func (s *DuckStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanExperiment reads summaryColumns, plus processed_data into blob when
// blob is non-nil.
func scanExperiment(row rowScanner, blob *[]byte) (*models.Experiment, error) {
	var (
		exp       models.Experiment
		category  string
		status    string
		upload    string
		failure   sql.NullString
		completed sql.NullTime
	)
	dest := []any{
		&exp.ID, &exp.OwnerID, &exp.ProjectID, &exp.FileName, &exp.DeclaredFileType, &exp.DetectedFileType,
		&category, &status, &exp.StagedName, &upload, &failure, &exp.CreatedAt, &exp.UpdatedAt, &completed,
	}
	if blob != nil {
		dest = append(dest, blob)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	exp.Category = models.Category(category)
	exp.Status = models.ExperimentStatus(status)
	if err := json.Unmarshal([]byte(upload), &exp.Upload); err != nil {
		return nil, fmt.Errorf("decoding upload info: %w", err)
	}
	if failure.Valid {
		var f models.FailureInfo
		if err := json.Unmarshal([]byte(failure.String), &f); err != nil {
			return nil, fmt.Errorf("decoding failure info: %w", err)
		}
		exp.Failure = &f
	}
	if completed.Valid {
		t := completed.Time.UTC()
		exp.CompletedAt = &t
	}
	exp.CreatedAt = exp.CreatedAt.UTC()
	exp.UpdatedAt = exp.UpdatedAt.UTC()
	return &exp, nil
}
