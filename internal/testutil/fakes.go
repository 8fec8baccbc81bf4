// fakes.go - Test doubles for the analysis capability and the file store
package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/lab-analyzer/backend/internal/analysis"
	"github.com/lab-analyzer/backend/internal/models"
	"github.com/lab-analyzer/backend/internal/storage"
)

// FakeAnalyzer returns a canned verdict or error.
type FakeAnalyzer struct {
	mu       sync.Mutex
	Verdict  *analysis.Verdict
	Err      error
	Panic    any
	Block    chan struct{} // when set, Analyze waits for it to close or ctx to end
	calls    int
	requests []analysis.Request
}

// NewFakeAnalyzer returns a FakeAnalyzer with a neutral verdict.
func NewFakeAnalyzer() *FakeAnalyzer {
	return &FakeAnalyzer{Verdict: &analysis.Verdict{
		Summary:         "fake analysis",
		Flags:           []models.Flag{},
		Recommendations: []string{},
		Confidence:      75,
	}}
}

func (f *FakeAnalyzer) Name() string {
	return "fake"
}

func (f *FakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (*analysis.Verdict, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	verdict, err, p, block := f.Verdict, f.Err, f.Panic, f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p != nil {
		panic(p)
	}
	if err != nil {
		return nil, err
	}
	cp := *verdict
	return &cp, nil
}

// Calls returns how many times Analyze ran.
func (f *FakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requests returns the requests Analyze received.
func (f *FakeAnalyzer) Requests() []analysis.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]analysis.Request(nil), f.requests...)
}

// CountingFileStore wraps a storage.Store and counts secure deletions.
type CountingFileStore struct {
	storage.Store

	mu        sync.Mutex
	deletes   map[string]int
	staged    []string
	deleteErr error // returned by SecureDelete after the real deletion
}

// NewCountingFileStore wraps inner.
func NewCountingFileStore(inner storage.Store) *CountingFileStore {
	return &CountingFileStore{Store: inner, deletes: make(map[string]int)}
}

func (c *CountingFileStore) Stage(ext string, r io.Reader, limit int64) (*storage.StagedFile, error) {
	f, err := c.Store.Stage(ext, r, limit)
	if err == nil {
		c.mu.Lock()
		c.staged = append(c.staged, f.Name)
		c.mu.Unlock()
	}
	return f, err
}

func (c *CountingFileStore) SecureDelete(name string) error {
	err := c.Store.SecureDelete(name)

	c.mu.Lock()
	c.deletes[name]++
	deleteErr := c.deleteErr
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return deleteErr
}

// Deletes returns how many times name was securely deleted.
func (c *CountingFileStore) Deletes(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes[name]
}

// Staged returns the names of every file staged so far.
func (c *CountingFileStore) Staged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.staged...)
}

// SetDeleteErr makes subsequent SecureDelete calls report err.
func (c *CountingFileStore) SetDeleteErr(err error) {
	c.mu.Lock()
	c.deleteErr = err
	c.mu.Unlock()
}
