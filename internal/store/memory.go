package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lab-analyzer/backend/internal/models"
)

// MemoryStore is a Repository held in process memory. It is used by tests
// and by the check command, and when no database path is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]*models.Experiment
	reports     map[string]*models.Report
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experiments: make(map[string]*models.Experiment),
		reports:     make(map[string]*models.Report),
	}
}

func (s *MemoryStore) Create(_ context.Context, exp *models.Experiment) error {
	if exp.Status != models.StatusProcessing {
		return fmt.Errorf("%w: create in %s", ErrIllegalTransition, exp.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return ErrDuplicate
	}
	cp := *exp
	s.experiments[exp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exp
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string, limit int) ([]*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Experiment, 0)
	for _, exp := range s.experiments {
		if ownerID != "" && exp.OwnerID != ownerID {
			continue
		}
		cp := *exp
		cp.ProcessedData = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// transition applies mutate to a processing experiment under the write lock.
func (s *MemoryStore) transition(id string, next models.ExperimentStatus, mutate func(*models.Experiment)) error {
	exp, ok := s.experiments[id]
	if !ok {
		return ErrNotFound
	}
	if !exp.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, exp.Status, next)
	}
	cp := *exp
	cp.Status = next
	cp.UpdatedAt = time.Now().UTC()
	mutate(&cp)
	s.experiments[id] = &cp
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, data *models.ParsedData, report *models.Report) error {
	if report == nil {
		return fmt.Errorf("complete %s: nil report", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transition(id, models.StatusCompleted, func(exp *models.Experiment) {
		now := exp.UpdatedAt
		exp.ProcessedData = data
		exp.CompletedAt = &now
		r := *report
		r.ExperimentID = id
		s.reports[id] = &r
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, failure models.FailureInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transition(id, models.StatusFailed, func(exp *models.Experiment) {
		f := failure
		exp.Failure = &f
		exp.ProcessedData = nil
	})
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) RecoverInterrupted(_ context.Context, failure models.FailureInfo) ([]*models.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []*models.Experiment
	for id, exp := range s.experiments {
		if exp.Status != models.StatusProcessing {
			continue
		}
		if err := s.transition(id, models.StatusFailed, func(e *models.Experiment) {
			f := failure
			e.Failure = &f
		}); err != nil {
			return recovered, err
		}
		cp := *s.experiments[id]
		recovered = append(recovered, &cp)
	}
	return recovered, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
