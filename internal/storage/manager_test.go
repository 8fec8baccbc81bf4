// manager_test.go - Tests for the staging store
package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestNewLocalStore(t *testing.T) {
	t.Run("creates upload directory with private mode", func(t *testing.T) {
		uploadDir := filepath.Join(t.TempDir(), "uploads")

		store, err := NewLocalStore(uploadDir, 1)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		info, err := os.Stat(uploadDir)
		if err != nil {
			t.Fatalf("Expected upload directory to be created: %v", err)
		}
		if info.Mode().Perm() != 0o700 {
			t.Errorf("Expected mode 0700, got %v", info.Mode().Perm())
		}
		if store.passes != 1 {
			t.Errorf("Expected 1 pass, got %d", store.passes)
		}
	})

	t.Run("defaults overwrite passes", func(t *testing.T) {
		store := createTestStore(t)
		if store.passes != defaultPasses {
			t.Errorf("Expected %d passes, got %d", defaultPasses, store.passes)
		}
	})
}

func TestLocalStore_Stage(t *testing.T) {
	t.Run("writes content under a generated name", func(t *testing.T) {
		store := createTestStore(t)

		staged, err := store.Stage("csv", strings.NewReader("id,ph\nS1,7.0\n"), 1024)
		if err != nil {
			t.Fatalf("Failed to stage file: %v", err)
		}
		if !namePattern.MatchString(staged.Name) {
			t.Errorf("Unexpected generated name %q", staged.Name)
		}
		if !strings.HasSuffix(staged.Name, ".csv") {
			t.Errorf("Expected .csv suffix, got %q", staged.Name)
		}
		if staged.Size != 13 {
			t.Errorf("Expected size 13, got %d", staged.Size)
		}

		info, err := os.Stat(filepath.Join(store.Dir(), staged.Name))
		if err != nil {
			t.Fatalf("Staged file missing: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
		}
		if store.Held() != 1 {
			t.Errorf("Expected 1 held file, got %d", store.Held())
		}
	})

	t.Run("names are unique", func(t *testing.T) {
		store := createTestStore(t)
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			staged, err := store.Stage("csv", strings.NewReader("a,b"), 16)
			if err != nil {
				t.Fatalf("Failed to stage file: %v", err)
			}
			if seen[staged.Name] {
				t.Fatalf("Duplicate name %q", staged.Name)
			}
			seen[staged.Name] = true
		}
	})

	t.Run("rejects oversized content and leaves nothing behind", func(t *testing.T) {
		store := createTestStore(t)

		_, err := store.Stage("csv", bytes.NewReader(make([]byte, 100)), 99)
		if !errors.Is(err, ErrTooLarge) {
			t.Fatalf("Expected ErrTooLarge, got %v", err)
		}
		entries, _ := os.ReadDir(store.Dir())
		if len(entries) != 0 {
			t.Errorf("Expected empty staging dir, found %d entries", len(entries))
		}
	})

	t.Run("accepts content exactly at the limit", func(t *testing.T) {
		store := createTestStore(t)
		if _, err := store.Stage("csv", bytes.NewReader(make([]byte, 100)), 100); err != nil {
			t.Fatalf("Expected success at limit, got %v", err)
		}
	})

	t.Run("rejects hostile extensions", func(t *testing.T) {
		store := createTestStore(t)
		for _, ext := range []string{"../csv", "c/v", "CSV", "toolongextension"} {
			if _, err := store.Stage(ext, strings.NewReader("x"), 10); !errors.Is(err, ErrInvalidName) {
				t.Errorf("Expected ErrInvalidName for %q, got %v", ext, err)
			}
		}
	})
}

func TestLocalStore_Path(t *testing.T) {
	store := createTestStore(t)

	for _, name := range []string{"../etc/passwd", "report.csv", "", "/abs/1-0123456789abcdef.csv"} {
		if _, err := store.Path(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Expected ErrInvalidName for %q, got %v", name, err)
		}
	}

	path, err := store.Path("1700000000-0123456789abcdef.csv")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if filepath.Dir(path) != filepath.Clean(store.Dir()) {
		t.Errorf("Path escaped staging dir: %s", path)
	}
}

func TestLocalStore_ReadAll(t *testing.T) {
	store := createTestStore(t)
	staged, err := store.Stage("jdx", strings.NewReader("##TITLE=x"), 64)
	if err != nil {
		t.Fatalf("Failed to stage file: %v", err)
	}

	data, err := store.ReadAll(staged.Name)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(data) != "##TITLE=x" {
		t.Errorf("Unexpected content %q", data)
	}
}

func TestLocalStore_SecureDelete(t *testing.T) {
	t.Run("removes the file", func(t *testing.T) {
		store := createTestStore(t)
		staged, err := store.Stage("csv", bytes.NewReader(bytes.Repeat([]byte("secret,"), 10000)), 1<<20)
		if err != nil {
			t.Fatalf("Failed to stage file: %v", err)
		}

		if err := store.SecureDelete(staged.Name); err != nil {
			t.Fatalf("SecureDelete failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(store.Dir(), staged.Name)); !os.IsNotExist(err) {
			t.Errorf("Expected file to be gone, stat err = %v", err)
		}
		if store.Held() != 0 {
			t.Errorf("Expected no held files, got %d", store.Held())
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		store := createTestStore(t)
		staged, err := store.Stage("csv", strings.NewReader("a,b"), 16)
		if err != nil {
			t.Fatalf("Failed to stage file: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := store.SecureDelete(staged.Name); err != nil {
				t.Fatalf("SecureDelete call %d failed: %v", i+1, err)
			}
		}
	})

	t.Run("overwrites content before unlinking", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "victim")
		if err := os.WriteFile(path, []byte("top secret payload"), 0o600); err != nil {
			t.Fatal(err)
		}
		// hold a second link so the overwritten inode stays observable
		keep := filepath.Join(dir, "keep")
		if err := os.Link(path, keep); err != nil {
			t.Skipf("hard links unsupported: %v", err)
		}

		if err := overwrite(path, 2); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		data, err := os.ReadFile(keep)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(data, []byte("secret")) {
			t.Error("Content survived overwrite")
		}
	})

	t.Run("rejects foreign names", func(t *testing.T) {
		store := createTestStore(t)
		if err := store.SecureDelete("../../important"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Expected ErrInvalidName, got %v", err)
		}
	})
}

func TestLocalStore_Sweep(t *testing.T) {
	store := createTestStore(t)

	held, err := store.Stage("csv", strings.NewReader("a,b"), 16)
	if err != nil {
		t.Fatal(err)
	}

	orphan := "1600000000000000000-00000000000000aa.csv"
	orphanPath := filepath.Join(store.Dir(), orphan)
	if err := os.WriteFile(orphanPath, []byte("left over"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphanPath, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(store.Dir(), held.Name), old, old); err != nil {
		t.Fatal(err)
	}

	unrelated := filepath.Join(store.Dir(), "README")
	if err := os.WriteFile(unrelated, []byte("keep me"), 0o600); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed file, got %d", removed)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("Expected orphan to be removed")
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), held.Name)); err != nil {
		t.Error("Held file must survive the sweep")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("Unrelated file must survive the sweep")
	}
}
