// store_test.go - Lifecycle tests run against every Repository implementation
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-analyzer/backend/internal/models"
)

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	duck, err := NewDuckStore(filepath.Join(t.TempDir(), "test.duckdb"), DuckOptions{Threads: 1, MemoryLimit: "256MB"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { duck.Close() })

	return map[string]Repository{
		"memory": NewMemoryStore(),
		"duckdb": duck,
	}
}

func newProcessing(id, owner string, created time.Time) *models.Experiment {
	exp := models.NewExperiment(id, owner, "sample.csv")
	exp.Status = models.StatusProcessing
	exp.DeclaredFileType = "csv"
	exp.DetectedFileType = "csv"
	exp.Category = models.CategoryTabularCSV
	exp.StagedName = "1700000000-0123456789abcdef.csv"
	exp.CreatedAt = created.UTC().Truncate(time.Microsecond)
	exp.UpdatedAt = exp.CreatedAt
	exp.Upload = models.UploadInfo{
		Version:    models.UploadInfoVersion,
		UploadedAt: exp.CreatedAt,
		MIMEType:   "text/csv",
		Size:       26,
		SHA256:     "abc123",
		Scan:       models.ScanResult{Passed: true, Checked: []string{"script", "executable"}},
	}
	return exp
}

func sampleData() *models.ParsedData {
	return &models.ParsedData{
		Headers:  []string{"id", "ph"},
		Rows:     [][]any{{"S1", 7.0}, {"S2", 13.5}},
		Metadata: models.ParseMetadata{RowCount: 2, ColumnCount: 2, Format: "csv", ParseTimeMs: 1},
	}
}

func sampleReport() *models.Report {
	return &models.Report{
		Summary: "one critical value",
		Flags: []models.Flag{
			{Level: models.FlagCritical, Parameter: "ph", Message: "ph=13.5", Value: 13.5, ExpectedRange: "6.5-8.5"},
		},
		Recommendations:  []string{"re-test S2"},
		Confidence:       80,
		ProcessingTimeMs: 12,
		Analyzer:         "rules",
	}
}

func failure(msg string) models.FailureInfo {
	return models.FailureInfo{
		Version: models.FailureInfoVersion,
		Kind:    "parse",
		Stage:   "parse",
		Message: msg,
		At:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exp := newProcessing("exp-1", "alice", time.Now())
			require.NoError(t, repo.Create(ctx, exp))

			got, err := repo.Get(ctx, "exp-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, got.Status)
			assert.Equal(t, "alice", got.OwnerID)
			assert.Equal(t, models.CategoryTabularCSV, got.Category)
			assert.Equal(t, exp.StagedName, got.StagedName)
			assert.Equal(t, exp.Upload.SHA256, got.Upload.SHA256)
			assert.True(t, got.Upload.Scan.Passed)
			assert.Nil(t, got.ProcessedData)
			assert.Nil(t, got.Failure)

			assert.ErrorIs(t, repo.Create(ctx, exp), ErrDuplicate)

			_, err = repo.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepository_CreateRequiresProcessing(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			exp := models.NewExperiment("exp-pending", "alice", "a.csv")
			assert.ErrorIs(t, repo.Create(context.Background(), exp), ErrIllegalTransition)
		})
	}
}

func TestRepository_CompleteStoresReport(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newProcessing("exp-1", "alice", time.Now())))

			_, err := repo.GetReport(ctx, "exp-1")
			assert.ErrorIs(t, err, ErrNotFound, "no report before completion")

			require.NoError(t, repo.Complete(ctx, "exp-1", sampleData(), sampleReport()))

			got, err := repo.Get(ctx, "exp-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, got.Status)
			require.NotNil(t, got.CompletedAt)
			require.NotNil(t, got.ProcessedData)
			assert.Equal(t, []string{"id", "ph"}, got.ProcessedData.Headers)
			assert.Equal(t, 13.5, got.ProcessedData.Rows[1][1])
			assert.Equal(t, "S2", got.ProcessedData.Rows[1][0])

			report, err := repo.GetReport(ctx, "exp-1")
			require.NoError(t, err)
			assert.Equal(t, "exp-1", report.ExperimentID)
			assert.Equal(t, 80.0, report.Confidence)
			require.Len(t, report.Flags, 1)
			assert.Equal(t, models.FlagCritical, report.Flags[0].Level)
			assert.Equal(t, 13.5, report.Flags[0].Value)
			assert.Equal(t, []string{"re-test S2"}, report.Recommendations)
		})
	}
}

func TestRepository_TerminalIsFinal(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newProcessing("done", "alice", time.Now())))
			require.NoError(t, repo.Create(ctx, newProcessing("broken", "alice", time.Now())))

			require.NoError(t, repo.Complete(ctx, "done", sampleData(), sampleReport()))
			require.NoError(t, repo.Fail(ctx, "broken", failure("empty data")))

			assert.ErrorIs(t, repo.Fail(ctx, "done", failure("late")), ErrIllegalTransition)
			assert.ErrorIs(t, repo.Complete(ctx, "done", sampleData(), sampleReport()), ErrIllegalTransition)
			assert.ErrorIs(t, repo.Complete(ctx, "broken", sampleData(), sampleReport()), ErrIllegalTransition)
			assert.ErrorIs(t, repo.Fail(ctx, "broken", failure("again")), ErrIllegalTransition)
			assert.ErrorIs(t, repo.Fail(ctx, "missing", failure("x")), ErrNotFound)
			assert.ErrorIs(t, repo.Complete(ctx, "missing", sampleData(), sampleReport()), ErrNotFound)

			done, err := repo.Get(ctx, "done")
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, done.Status)
			assert.Nil(t, done.Failure)

			broken, err := repo.Get(ctx, "broken")
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, broken.Status)
			require.NotNil(t, broken.Failure)
			assert.Equal(t, "empty data", broken.Failure.Message)

			// a failed experiment never has a report
			_, err = repo.GetReport(ctx, "broken")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepository_ConcurrentTerminalTransitions(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newProcessing("race", "alice", time.Now())))

			var wg sync.WaitGroup
			errs := make([]error, 8)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if i%2 == 0 {
						errs[i] = repo.Complete(ctx, "race", sampleData(), sampleReport())
					} else {
						errs[i] = repo.Fail(ctx, "race", failure("lost"))
					}
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
				}
			}
			assert.Equal(t, 1, succeeded)

			got, err := repo.Get(ctx, "race")
			require.NoError(t, err)
			_, reportErr := repo.GetReport(ctx, "race")
			if got.Status == models.StatusCompleted {
				assert.NoError(t, reportErr)
			} else {
				assert.Equal(t, models.StatusFailed, got.Status)
				assert.ErrorIs(t, reportErr, ErrNotFound)
			}
		})
	}
}

func TestRepository_List(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			for i := 0; i < 5; i++ {
				owner := "alice"
				if i%2 == 1 {
					owner = "bob"
				}
				exp := newProcessing(fmt.Sprintf("exp-%d", i), owner, base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, repo.Create(ctx, exp))
			}
			require.NoError(t, repo.Complete(ctx, "exp-4", sampleData(), sampleReport()))

			alice, err := repo.List(ctx, "alice", 0)
			require.NoError(t, err)
			require.Len(t, alice, 3)
			assert.Equal(t, "exp-4", alice[0].ID, "newest first")
			assert.Equal(t, "exp-0", alice[2].ID)
			assert.Nil(t, alice[0].ProcessedData, "list omits processed data")

			all, err := repo.List(ctx, "", 2)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			none, err := repo.List(ctx, "carol", 10)
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)
		})
	}
}

func TestRepository_RecoverInterrupted(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newProcessing("stuck", "alice", time.Now())))
			require.NoError(t, repo.Create(ctx, newProcessing("done", "alice", time.Now())))
			require.NoError(t, repo.Complete(ctx, "done", sampleData(), sampleReport()))

			f := failure("interrupted by shutdown")
			f.Kind = "unavailable"
			recovered, err := repo.RecoverInterrupted(ctx, f)
			require.NoError(t, err)
			require.Len(t, recovered, 1)
			assert.Equal(t, "stuck", recovered[0].ID)
			assert.Equal(t, "1700000000-0123456789abcdef.csv", recovered[0].StagedName)

			got, err := repo.Get(ctx, "stuck")
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Equal(t, "unavailable", got.Failure.Kind)

			again, err := repo.RecoverInterrupted(ctx, f)
			require.NoError(t, err)
			assert.Empty(t, again)
		})
	}
}

func TestNewDuckStore_RejectsBadMemoryLimit(t *testing.T) {
	_, err := NewDuckStore("", DuckOptions{MemoryLimit: "1GB'; DROP TABLE x; --"}, nil)
	assert.Error(t, err)
}

func TestDuckStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.duckdb")
	ctx := context.Background()

	s, err := NewDuckStore(path, DuckOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newProcessing("exp-1", "alice", time.Now())))
	require.NoError(t, s.Close())

	s, err = NewDuckStore(path, DuckOptions{}, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
}
