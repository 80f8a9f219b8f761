// manager_test.go - Tests for the staging store
package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func stageChunks(t *testing.T, store *LocalStore, jobID string, parts ...string) {
	t.Helper()
	if err := store.CreateStaging(jobID); err != nil {
		t.Fatalf("CreateStaging failed: %v", err)
	}
	for i, p := range parts {
		if _, err := store.SaveChunk(jobID, i, strings.NewReader(p)); err != nil {
			t.Fatalf("SaveChunk %d failed: %v", i, err)
		}
	}
}

func TestNewLocalStore(t *testing.T) {
	uploadDir := filepath.Join(t.TempDir(), "uploads")

	if _, err := NewLocalStore(uploadDir); err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := os.Stat(filepath.Join(uploadDir, "chunks")); err != nil {
		t.Errorf("Expected chunks directory to be created: %v", err)
	}
}

func TestLocalStore_SaveChunk(t *testing.T) {
	t.Run("writes part file", func(t *testing.T) {
		store := createTestStore(t)
		stageChunks(t, store, "job-1")

		n, err := store.SaveChunk("job-1", 3, strings.NewReader("hello"))
		if err != nil {
			t.Fatalf("SaveChunk failed: %v", err)
		}
		if n != 5 {
			t.Errorf("Expected 5 bytes, got %d", n)
		}

		data, err := os.ReadFile(filepath.Join(store.chunkDir("job-1"), "3.part"))
		if err != nil {
			t.Fatalf("Failed to read part: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("Expected 'hello', got %q", data)
		}
	})

	t.Run("resend replaces part", func(t *testing.T) {
		store := createTestStore(t)
		stageChunks(t, store, "job-1", "first")

		if _, err := store.SaveChunk("job-1", 0, strings.NewReader("second")); err != nil {
			t.Fatalf("SaveChunk failed: %v", err)
		}
		data, _ := os.ReadFile(filepath.Join(store.chunkDir("job-1"), "0.part"))
		if string(data) != "second" {
			t.Errorf("Expected replaced content, got %q", data)
		}

		indices, _ := store.ListChunks("job-1")
		if !reflect.DeepEqual(indices, []int{0}) {
			t.Errorf("Expected single part, got %v", indices)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		store := createTestStore(t)

		_, err := store.SaveChunk("missing", 0, strings.NewReader("x"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent writers", func(t *testing.T) {
		store := createTestStore(t)
		stageChunks(t, store, "job-1")

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := store.SaveChunk("job-1", i, strings.NewReader("x")); err != nil {
					t.Errorf("SaveChunk %d failed: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		indices, err := store.ListChunks("job-1")
		if err != nil {
			t.Fatalf("ListChunks failed: %v", err)
		}
		if len(indices) != 16 {
			t.Errorf("Expected 16 parts, got %d", len(indices))
		}
	})
}

func TestLocalStore_ListChunks(t *testing.T) {
	store := createTestStore(t)
	stageChunks(t, store, "job-1")
	for _, i := range []int{2, 0, 10} {
		store.SaveChunk("job-1", i, strings.NewReader("x"))
	}
	os.WriteFile(filepath.Join(store.chunkDir("job-1"), "notes.txt"), []byte("ignored"), 0644)

	indices, err := store.ListChunks("job-1")
	if err != nil {
		t.Fatalf("ListChunks failed: %v", err)
	}
	if !reflect.DeepEqual(indices, []int{0, 2, 10}) {
		t.Errorf("Expected [0 2 10], got %v", indices)
	}

	if _, err := store.ListChunks("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_MergeChunks(t *testing.T) {
	t.Run("merges in index order", func(t *testing.T) {
		store := createTestStore(t)
		if err := store.CreateStaging("job-1"); err != nil {
			t.Fatal(err)
		}
		// Arrival order differs from index order.
		store.SaveChunk("job-1", 2, strings.NewReader("c\n"))
		store.SaveChunk("job-1", 0, strings.NewReader("a\n"))
		store.SaveChunk("job-1", 1, strings.NewReader("b\n"))

		var progress []int64
		info, err := store.MergeChunks(context.Background(), "job-1", "data.csv", 3, func(written int64) {
			progress = append(progress, written)
		})
		if err != nil {
			t.Fatalf("MergeChunks failed: %v", err)
		}

		data, err := os.ReadFile(info.Path)
		if err != nil {
			t.Fatalf("Failed to read merged file: %v", err)
		}
		if string(data) != "a\nb\nc\n" {
			t.Errorf("Unexpected merged content %q", data)
		}
		if info.Size != 6 || info.Name != "data.csv" || info.ID != "job-1" {
			t.Errorf("Unexpected info %+v", info)
		}
		if !reflect.DeepEqual(progress, []int64{2, 4, 6}) {
			t.Errorf("Unexpected progress %v", progress)
		}
	})

	t.Run("missing part", func(t *testing.T) {
		store := createTestStore(t)
		stageChunks(t, store, "job-1", "a", "b")

		if _, err := store.MergeChunks(context.Background(), "job-1", "x", 3, nil); err == nil {
			t.Error("Expected error for missing chunk")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		store := createTestStore(t)
		stageChunks(t, store, "job-1", "a")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := store.MergeChunks(ctx, "job-1", "x", 1, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

func TestLocalStore_Save(t *testing.T) {
	store := createTestStore(t)

	info, err := store.Save("", "single.csv", strings.NewReader("time,v\n"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if info.ID == "" {
		t.Error("Expected generated ID")
	}
	if info.Size != 7 {
		t.Errorf("Expected size 7, got %d", info.Size)
	}

	got, err := store.Get(info.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Path != info.Path {
		t.Errorf("Expected path %s, got %s", info.Path, got.Path)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_Release(t *testing.T) {
	store := createTestStore(t)
	stageChunks(t, store, "job-1", "a", "b")
	info, err := store.MergeChunks(context.Background(), "job-1", "x", 2, nil)
	if err != nil {
		t.Fatalf("MergeChunks failed: %v", err)
	}

	if err := store.Release("job-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(store.chunkDir("job-1")); !os.IsNotExist(err) {
		t.Error("Expected staging directory to be removed")
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Error("Expected merged file to be removed")
	}
	if _, err := store.Get("job-1"); err == nil {
		t.Error("Expected released file to be forgotten")
	}

	// Releasing twice is fine.
	if err := store.Release("job-1"); err != nil {
		t.Errorf("Second release failed: %v", err)
	}
}

func TestLocalStore_Purge(t *testing.T) {
	store := createTestStore(t)
	stageChunks(t, store, "job-1", "a")
	stageChunks(t, store, "job-2", "b")
	if _, err := store.Save("job-3", "x", strings.NewReader("c")); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Purge()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 removed entries, got %d", removed)
	}
	if _, err := store.Get("job-3"); err == nil {
		t.Error("Expected purged file to be forgotten")
	}
}
