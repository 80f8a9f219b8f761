package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsviz/backend/internal/models"
)

// ErrNotFound is returned for jobs without a staged file or staging directory.
var ErrNotFound = errors.New("not found")

const partSuffix = ".part"

// Store defines the interface for job-scoped file staging.
type Store interface {
	CreateStaging(jobID string) error
	SaveChunk(jobID string, index int, r io.Reader) (int64, error)
	ListChunks(jobID string) ([]int, error)
	MergeChunks(ctx context.Context, jobID, name string, total int, onProgress func(written int64)) (*models.FileInfo, error)
	Save(jobID, name string, r io.Reader) (*models.FileInfo, error)
	Get(jobID string) (*models.FileInfo, error)
	Release(jobID string) error
}

// LocalStore implements Store using the local filesystem. Every job owns a
// staging directory for its parts and at most one data file (merged or
// single-shot); Release removes both.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*models.FileInfo
}

// NewLocalStore creates a new LocalStore.
func NewLocalStore(uploadDir string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(uploadDir, "chunks"), 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	return &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*models.FileInfo),
	}, nil
}

func (s *LocalStore) chunkDir(jobID string) string {
	return filepath.Join(s.uploadDir, "chunks", jobID)
}

func (s *LocalStore) dataPath(jobID string) string {
	return filepath.Join(s.uploadDir, jobID+".data")
}

// CreateStaging creates the job's staging directory.
func (s *LocalStore) CreateStaging(jobID string) error {
	if err := os.MkdirAll(s.chunkDir(jobID), 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}
	return nil
}

// SaveChunk writes one part file. A re-sent index atomically replaces the
// previous part, so concurrent writers never observe a torn file.
func (s *LocalStore) SaveChunk(jobID string, index int, r io.Reader) (int64, error) {
	dir := s.chunkDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("staging for %s: %w", jobID, ErrNotFound)
		}
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%d-*.tmp", index))
	if err != nil {
		return 0, fmt.Errorf("creating chunk file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("writing chunk %d: %w", index, err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, strconv.Itoa(index)+partSuffix)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("storing chunk %d: %w", index, err)
	}
	return n, nil
}

// ListChunks returns the indices of the part files present, ascending.
func (s *LocalStore) ListChunks(jobID string) ([]int, error) {
	entries, err := os.ReadDir(s.chunkDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("staging for %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}

	var indices []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partSuffix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(name, partSuffix))
		if err != nil || i < 0 {
			continue
		}
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices, nil
}

// MergeChunks concatenates parts 0..total-1 in index order into the job's data
// file, reporting cumulative bytes written. The parts are left in place until
// Release.
func (s *LocalStore) MergeChunks(ctx context.Context, jobID, name string, total int, onProgress func(written int64)) (*models.FileInfo, error) {
	finalPath := s.dataPath(jobID)
	out, err := os.Create(finalPath)
	if err != nil {
		return nil, fmt.Errorf("creating merged file: %w", err)
	}
	defer out.Close()

	var totalSize int64
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := os.Open(filepath.Join(s.chunkDir(jobID), strconv.Itoa(i)+partSuffix))
		if err != nil {
			return nil, fmt.Errorf("opening chunk %d: %w", i, err)
		}

		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			return nil, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		totalSize += n
		if onProgress != nil {
			onProgress(totalSize)
		}
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("flushing merged file: %w", err)
	}

	return s.register(jobID, name, finalPath, totalSize), nil
}

// Save streams a single-shot upload into the job's data file. An empty jobID
// gets a generated one.
func (s *LocalStore) Save(jobID, name string, r io.Reader) (*models.FileInfo, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	path := s.dataPath(jobID)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	return s.register(jobID, name, path, size), nil
}

func (s *LocalStore) register(jobID, name, path string, size int64) *models.FileInfo {
	info := &models.FileInfo{
		ID:         jobID,
		Name:       name,
		Path:       path,
		Size:       size,
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	s.files[jobID] = info
	s.mu.Unlock()

	cp := *info
	return &cp
}

// Get retrieves the staged data file of a job.
func (s *LocalStore) Get(jobID string) (*models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.files[jobID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", jobID, ErrNotFound)
	}
	cp := *info
	return &cp, nil
}

// Release deletes the staging directory and data file of a job. It is safe to
// call more than once.
func (s *LocalStore) Release(jobID string) error {
	s.mu.Lock()
	delete(s.files, jobID)
	s.mu.Unlock()

	var errs []error
	if err := os.RemoveAll(s.chunkDir(jobID)); err != nil {
		errs = append(errs, fmt.Errorf("removing chunks: %w", err))
	}
	if err := os.Remove(s.dataPath(jobID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("removing data file: %w", err))
	}
	return errors.Join(errs...)
}

// Purge removes every leftover staging artifact, e.g. from a previous run.
// It returns how many entries were removed.
func (s *LocalStore) Purge() (int, error) {
	removed := 0
	chunksRoot := filepath.Join(s.uploadDir, "chunks")
	entries, err := os.ReadDir(chunksRoot)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(chunksRoot, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}

	matches, err := filepath.Glob(filepath.Join(s.uploadDir, "*.data"))
	if err != nil {
		return removed, err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}

	s.mu.Lock()
	s.files = make(map[string]*models.FileInfo)
	s.mu.Unlock()
	return removed, nil
}
