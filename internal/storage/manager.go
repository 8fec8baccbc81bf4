// Package storage implements the staging area for uploaded files.
//
// Staged files live under a single confined directory and are named by the
// store, never by the client. Every staged file is eventually removed with
// SecureDelete, which overwrites the content before unlinking it.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrTooLarge is returned by Stage when the content exceeds the limit.
	ErrTooLarge = errors.New("file exceeds maximum upload size")
	// ErrInvalidName is returned for names the store did not generate.
	ErrInvalidName = errors.New("invalid staged file name")
)

const defaultPasses = 3

var (
	extPattern  = regexp.MustCompile(`^[a-z0-9]{1,8}$`)
	namePattern = regexp.MustCompile(`^[0-9]+-[0-9a-f]{16}(\.[a-z0-9]{1,8})?$`)
)

// ValidExtension reports whether ext may be used as a staged file extension.
func ValidExtension(ext string) bool {
	return extPattern.MatchString(ext)
}

// Store defines the staging operations used by the ingestion pipeline.
type Store interface {
	Stage(ext string, r io.Reader, limit int64) (*StagedFile, error)
	ReadAll(name string) ([]byte, error)
	Path(name string) (string, error)
	SecureDelete(name string) error
	Sweep(maxAge time.Duration) (int, error)
}

// StagedFile describes a file written by Stage.
type StagedFile struct {
	Name     string
	Size     int64
	StagedAt time.Time
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	mu        sync.Mutex
	uploadDir string
	passes    int
	staged    map[string]time.Time
}

// NewLocalStore creates a new LocalStore rooted at uploadDir. passes is the
// number of overwrite passes used by SecureDelete; values below 1 use the default.
func NewLocalStore(uploadDir string, passes int) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if passes < 1 {
		passes = defaultPasses
	}
	return &LocalStore{
		uploadDir: uploadDir,
		passes:    passes,
		staged:    make(map[string]time.Time),
	}, nil
}

// Dir returns the staging directory.
func (s *LocalStore) Dir() string {
	return s.uploadDir
}

// Stage writes r to a new file with a generated name. At most limit bytes
// are accepted; anything larger is removed and reported as ErrTooLarge.
func (s *LocalStore) Stage(ext string, r io.Reader, limit int64) (*StagedFile, error) {
	if ext != "" && !extPattern.MatchString(ext) {
		return nil, fmt.Errorf("%w: extension %q", ErrInvalidName, ext)
	}
	name, err := generateName(ext)
	if err != nil {
		return nil, err
	}
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating staged file: %w", err)
	}

	size, err := io.Copy(f, io.LimitReader(r, limit+1))
	closeErr := f.Close()
	if err == nil && size > limit {
		err = ErrTooLarge
	}
	if err == nil && closeErr != nil {
		err = fmt.Errorf("closing staged file: %w", closeErr)
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("writing staged file: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.staged[name] = now
	s.mu.Unlock()

	return &StagedFile{Name: name, Size: size, StagedAt: now}, nil
}

// ReadAll returns the content of a staged file.
func (s *LocalStore) ReadAll(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading staged file: %w", err)
	}
	return data, nil
}

// Path resolves a generated name to a path confined to the staging directory.
func (s *LocalStore) Path(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", ErrInvalidName
	}
	path, err := securejoin.SecureJoin(s.uploadDir, name)
	if err != nil {
		return "", fmt.Errorf("resolving staged path: %w", err)
	}
	return path, nil
}

// SecureDelete overwrites the file content and removes it. Deleting a file
// that no longer exists is not an error.
func (s *LocalStore) SecureDelete(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.staged, name)
	s.mu.Unlock()

	if err := overwrite(path, s.passes); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// still try to unlink so the content is not left reachable by name
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("secure delete: %w (remove: %v)", err, rmErr)
		}
		return fmt.Errorf("secure delete: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing staged file: %w", err)
	}
	return nil
}

// Sweep securely deletes staged files older than maxAge that are not held
// by this process, such as files left behind by a crash. It returns the
// number of files removed.
func (s *LocalStore) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		return 0, fmt.Errorf("listing staging directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !namePattern.MatchString(e.Name()) {
			continue
		}
		s.mu.Lock()
		_, held := s.staged[e.Name()]
		s.mu.Unlock()
		if held {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := s.SecureDelete(e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Held returns the number of staged files owned by this process.
func (s *LocalStore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

func generateName(ext string) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generating file name: %w", err)
	}
	name := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + hex.EncodeToString(suffix[:])
	if ext != "" {
		name += "." + ext
	}
	return name, nil
}

// overwrite fills the file with random data on every pass but the last,
// which writes zeros, syncing after each pass.
func overwrite(path string, passes int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	buf := make([]byte, 32*1024)
	for pass := 0; pass < passes; pass++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		last := pass == passes-1
		if last {
			clear(buf)
		}
		for remaining := size; remaining > 0; {
			chunk := buf
			if remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
			if !last {
				if _, err := rand.Read(chunk); err != nil {
					return err
				}
			}
			n, err := f.Write(chunk)
			if err != nil {
				return err
			}
			remaining -= int64(n)
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return f.Truncate(0)
}
