package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/gommon/log"
	"github.com/tsviz/backend/internal/models"
	"github.com/tsviz/backend/internal/parser"
)

// DefaultChunkSize is used when a client does not declare one.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// DefaultMaxChunks bounds the chunk count a single upload may declare.
const DefaultMaxChunks = 100000

// Store defines the interface needed from the storage layer.
type Store interface {
	CreateStaging(jobID string) error
	SaveChunk(jobID string, index int, r io.Reader) (int64, error)
	ListChunks(jobID string) ([]int, error)
	MergeChunks(ctx context.Context, jobID, name string, total int, onProgress func(written int64)) (*models.FileInfo, error)
	Save(jobID, name string, r io.Reader) (*models.FileInfo, error)
	Release(jobID string) error
}

// Config tunes the manager. Zero values take the defaults.
type Config struct {
	DefaultChunkSize int64
	// StallTimeout fails a processing job when no progress is seen for this long.
	StallTimeout time.Duration
	// WatchdogInterval is how often the stall check runs.
	WatchdogInterval time.Duration
	// MaxChunks caps ceil(size/chunkSize) for one upload.
	MaxChunks int
}

func (c Config) withDefaults() Config {
	if c.DefaultChunkSize <= 0 {
		c.DefaultChunkSize = DefaultChunkSize
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 10 * time.Second
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	return c
}

// InitRequest declares a chunked upload.
type InitRequest struct {
	Name      string
	Size      int64
	ChunkSize int64
	// Encoding is "" or "gzip"; OriginalSize optionally declares the
	// decompressed size for verification.
	Encoding     string
	OriginalSize int64
}

// Manager drives uploads through uploading, merging and processing. Chunked
// and single-shot jobs share the processing phase.
type Manager struct {
	jobs     *JobStore
	store    Store
	analyzer parser.Analyzer
	cfg      Config
	logger   *log.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new upload manager.
func NewManager(jobs *JobStore, store Store, analyzer parser.Analyzer, cfg Config, logger *log.Logger) *Manager {
	if jobs == nil {
		jobs = NewJobStore()
	}
	if logger == nil {
		logger = log.New("upload")
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:     jobs,
		store:    store,
		analyzer: analyzer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// Jobs exposes the job store for read surfaces.
func (m *Manager) Jobs() *JobStore {
	return m.jobs
}

// Get returns a copy of the job.
func (m *Manager) Get(id string) (models.UploadJob, bool) {
	return m.jobs.Get(id)
}

// Init allocates a job and its staging directory.
func (m *Manager) Init(req InitRequest) (models.UploadJob, error) {
	if req.Size <= 0 {
		return models.UploadJob{}, fmt.Errorf("%w: size must be positive", ErrInvalidInput)
	}
	if req.Encoding != "" && req.Encoding != EncodingGzip {
		return models.UploadJob{}, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidInput, req.Encoding)
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.cfg.DefaultChunkSize
	}
	// Divide before rounding up so sizes near MaxInt64 cannot overflow.
	total := req.Size / chunkSize
	if req.Size%chunkSize != 0 {
		total++
	}
	if total > int64(m.cfg.MaxChunks) {
		return models.UploadJob{}, fmt.Errorf("%w: %d chunks of %s exceed the limit of %d",
			ErrInvalidInput, total, humanize.IBytes(uint64(chunkSize)), m.cfg.MaxChunks)
	}

	job := m.jobs.Create(models.UploadJob{
		Name:         req.Name,
		Size:         req.Size,
		ChunkSize:    chunkSize,
		TotalChunks:  int(total),
		Encoding:     req.Encoding,
		OriginalSize: req.OriginalSize,
		Status:       models.JobStatusUploading,
	})
	if err := m.store.CreateStaging(job.ID); err != nil {
		m.jobs.Delete(job.ID)
		return models.UploadJob{}, err
	}

	m.logger.Infof("[UploadJob %s] init %s: %s in %d chunks", shortID(job.ID), job.Name,
		humanize.Bytes(uint64(job.Size)), job.TotalChunks)
	return job, nil
}

// ReceiveChunk stores one chunk. Chunks may arrive in any order and
// concurrently; total, when non-zero, must match the job.
func (m *Manager) ReceiveChunk(id string, index, total int, r io.Reader) (models.UploadJob, error) {
	job, ok := m.jobs.Get(id)
	if !ok {
		return models.UploadJob{}, ErrJobNotFound
	}
	if err := checkReceivable(&job, index, total); err != nil {
		return job, err
	}

	n, err := m.store.SaveChunk(id, index, r)
	if err != nil {
		return job, fmt.Errorf("saving chunk %d: %w", index, err)
	}

	job, err = m.jobs.RecordPart(id, index, n, func(j *models.UploadJob) error {
		return checkReceivable(j, index, total)
	})
	if err != nil {
		return job, err
	}
	m.logger.Debugf("[UploadJob %s] chunk %d/%d (%s)", shortID(id), index+1, job.TotalChunks, humanize.Bytes(uint64(n)))
	return job, nil
}

func checkReceivable(job *models.UploadJob, index, total int) error {
	if job.Status != models.JobStatusUploading {
		return fmt.Errorf("%w: job is %s", ErrInvalidState, job.Status)
	}
	if total > 0 && total != job.TotalChunks {
		return fmt.Errorf("%w: total %d does not match %d", ErrInvalidChunk, total, job.TotalChunks)
	}
	if index < 0 || index >= job.TotalChunks {
		return fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidChunk, index, job.TotalChunks)
	}
	return nil
}

// Complete verifies that every chunk is present and starts merging and
// processing in the background. With chunks missing the job fails with a
// *MissingChunksError and its staging is released.
func (m *Manager) Complete(id string, total int) (models.UploadJob, error) {
	job, err := m.jobs.Update(id, func(j *models.UploadJob) error {
		if j.Status != models.JobStatusUploading {
			return fmt.Errorf("%w: job is %s", ErrInvalidState, j.Status)
		}
		if total > 0 && total != j.TotalChunks {
			return fmt.Errorf("%w: total %d does not match %d", ErrInvalidChunk, total, j.TotalChunks)
		}
		j.Status = models.JobStatusMerging
		j.Percent = max(j.Percent, 96)
		return nil
	})
	if err != nil {
		return job, err
	}

	present, err := m.store.ListChunks(id)
	if err != nil {
		m.fail(id, err)
		m.release(id)
		return job, err
	}
	if missing := missingIndices(present, job.TotalChunks); len(missing) > 0 {
		mErr := &MissingChunksError{Total: job.TotalChunks, Missing: missing}
		job = m.fail(id, mErr)
		m.release(id)
		return job, mErr
	}

	m.spawn(id, func(ctx context.Context) error {
		return m.mergeAndProcess(ctx, job)
	})
	return job, nil
}

// missingIndices lists the indices in [0,total) absent from present, in order.
func missingIndices(present []int, total int) []int {
	seen := make(map[int]struct{}, len(present))
	for _, i := range present {
		seen[i] = struct{}{}
	}
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func (m *Manager) mergeAndProcess(ctx context.Context, job models.UploadJob) error {
	id := job.ID
	compressed := job.Encoding == EncodingGzip
	mergeTop := 98
	if compressed {
		mergeTop = 97
	}

	expected := job.ReceivedBytes
	if expected <= 0 {
		expected = job.Size
	}
	info, err := m.store.MergeChunks(ctx, id, job.Name, job.TotalChunks, func(written int64) {
		m.advance(id, models.JobStatusMerging, bandPercent(96, mergeTop, written, expected))
	})
	if err != nil {
		return fmt.Errorf("merging chunks: %w", err)
	}
	m.logger.Infof("[UploadJob %s] merged %d chunks (%s)", shortID(id), job.TotalChunks, humanize.Bytes(uint64(info.Size)))

	if compressed {
		ok, size, err := decompressFile(ctx, info.Path, job.OriginalSize, func(n int64) {
			m.advance(id, models.JobStatusMerging, bandPercent(97, 98, n, info.Size))
		})
		if err != nil {
			return fmt.Errorf("decompressing: %w", err)
		}
		if ok {
			m.logger.Infof("[UploadJob %s] decompressed %s -> %s", shortID(id),
				humanize.Bytes(uint64(info.Size)), humanize.Bytes(uint64(size)))
			info.Size = size
		} else {
			m.logger.Warnf("[UploadJob %s] declared gzip but payload is not compressed, continuing as-is", shortID(id))
		}
	}

	if _, err := m.jobs.Update(id, func(j *models.UploadJob) error {
		if j.Status.Terminal() {
			return ErrInvalidState
		}
		j.Status = models.JobStatusProcessing
		j.Percent = max(j.Percent, 98)
		return nil
	}); err != nil {
		return err
	}
	return m.process(ctx, id, info, 98)
}

// ProcessSingle runs a single-shot upload synchronously and returns the final
// job. The returned error is the processing failure, if any.
func (m *Manager) ProcessSingle(ctx context.Context, name string, r io.Reader) (job models.UploadJob, err error) {
	job, info, err := m.receiveSingle(name, r)
	if err != nil {
		return job, err
	}
	defer m.release(job.ID)
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Errorf("[UploadJob %s] panic: %v", shortID(job.ID), rec)
			err = fmt.Errorf("panic: %v", rec)
			job = m.failCode(job.ID, CodeInternal, err)
		}
	}()

	if err := m.process(ctx, job.ID, info, 0); err != nil {
		return m.fail(job.ID, err), err
	}
	job, _ = m.jobs.Get(job.ID)
	return job, nil
}

// StartStream stores a single-shot upload and processes it in the background.
func (m *Manager) StartStream(name string, r io.Reader) (models.UploadJob, error) {
	job, info, err := m.receiveSingle(name, r)
	if err != nil {
		return job, err
	}
	m.spawn(job.ID, func(ctx context.Context) error {
		return m.process(ctx, job.ID, info, 0)
	})
	return job, nil
}

func (m *Manager) receiveSingle(name string, r io.Reader) (models.UploadJob, *models.FileInfo, error) {
	job := m.jobs.Create(models.UploadJob{
		Name:   name,
		Status: models.JobStatusProcessing,
	})
	info, err := m.store.Save(job.ID, name, r)
	if err != nil {
		m.fail(job.ID, err)
		m.release(job.ID)
		return job, nil, fmt.Errorf("storing upload: %w", err)
	}
	job, _ = m.jobs.Update(job.ID, func(j *models.UploadJob) error {
		j.Size = info.Size
		return nil
	})
	m.logger.Infof("[UploadJob %s] received %s (%s)", shortID(job.ID), name, humanize.Bytes(uint64(info.Size)))
	return job, info, nil
}

// process runs the analyzer under the stall watchdog and records the outcome.
// Processing percent runs from floor to 99; 100 is reserved for done.
func (m *Manager) process(ctx context.Context, id string, info *models.FileInfo, floor int) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var lastTick atomic.Int64
	lastTick.Store(time.Now().UnixNano())
	go m.watchdog(ctx, id, &lastTick, cancel)

	type outcome struct {
		result *models.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", errInternal, rec)}
			}
		}()
		lastPercent := -1
		result, err := m.analyzer.Analyze(ctx, info.Path, func(p parser.Progress) {
			lastTick.Store(time.Now().UnixNano())
			pct := min(99, bandPercent(floor, 100, p.BytesRead, info.Size))
			if pct != lastPercent {
				lastPercent = pct
				m.advance(id, models.JobStatusProcessing, pct)
			}
		})
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}

	if out.err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrStalled) {
			return fmt.Errorf("no progress for %s: %w", m.cfg.StallTimeout, ErrStalled)
		}
		return out.err
	}

	_, err := m.jobs.Update(id, func(j *models.UploadJob) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: job already %s", ErrInvalidState, j.Status)
		}
		j.Status = models.JobStatusDone
		j.Percent = 100
		j.Result = out.result
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Infof("[UploadJob %s] done: %d rows, %d points, series %v", shortID(id),
		out.result.Meta.Rows, len(out.result.Data), out.result.Columns.Series)
	return nil
}

// watchdog cancels ctx with ErrStalled once lastTick is older than the stall
// timeout. It exits when ctx is done.
func (m *Manager) watchdog(ctx context.Context, id string, lastTick *atomic.Int64, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastTick.Load()))
			if idle > m.cfg.StallTimeout {
				m.logger.Warnf("[UploadJob %s] no progress for %s, failing", shortID(id), idle.Round(time.Second))
				cancel(ErrStalled)
				return
			}
		}
	}
}

var errInternal = errors.New("internal error")

// spawn runs fn for a job in the background. Panics fail the job and the
// job's staging is always released.
func (m *Manager) spawn(id string, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(id)
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Errorf("[UploadJob %s] panic: %v", shortID(id), rec)
				m.failCode(id, CodeInternal, fmt.Errorf("panic: %v", rec))
			}
		}()

		if err := fn(m.base); err != nil {
			m.fail(id, err)
		}
	}()
}

// advance raises the percent of a job still in status.
func (m *Manager) advance(id string, status models.JobStatus, pct int) {
	m.jobs.Update(id, func(j *models.UploadJob) error {
		if j.Status != status {
			return ErrInvalidState
		}
		j.Percent = max(j.Percent, pct)
		return nil
	})
}

func (m *Manager) fail(id string, err error) models.UploadJob {
	code := Code(err)
	if errors.Is(err, errInternal) {
		code = CodeInternal
	}
	return m.failCode(id, code, err)
}

// failCode moves a job to failed unless it is already terminal.
func (m *Manager) failCode(id, code string, err error) models.UploadJob {
	job, uErr := m.jobs.Update(id, func(j *models.UploadJob) error {
		if j.Status.Terminal() {
			return ErrInvalidState
		}
		j.Status = models.JobStatusFailed
		j.Percent = 100
		j.Error = code
		j.Detail = err.Error()
		return nil
	})
	if uErr == nil {
		m.logger.Errorf("[UploadJob %s] failed (%s): %v", shortID(id), code, err)
	}
	return job
}

func (m *Manager) release(id string) {
	if err := m.store.Release(id); err != nil {
		m.logger.Warnf("[UploadJob %s] releasing staging: %v", shortID(id), err)
	}
}

// CleanupOldJobs removes terminal jobs completed before maxAge ago and uploads
// left idle for longer than maxAge. It returns how many jobs were removed.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	ids := m.jobs.evict(func(j *models.UploadJob) bool {
		if j.Status.Terminal() {
			return j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
		}
		return j.Status == models.JobStatusUploading && j.UpdatedAt.Before(cutoff)
	})
	for _, id := range ids {
		m.release(id)
	}
	if len(ids) > 0 {
		m.logger.Infof("[UploadManager] removed %d expired jobs", len(ids))
	}
	return len(ids)
}

// Wait blocks until every background job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels background jobs and waits for them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bandPercent maps done/total onto [lo, hi].
func bandPercent(lo, hi int, done, total int64) int {
	if total <= 0 {
		return lo
	}
	p := lo + int(done*int64(hi-lo)/total)
	return min(max(p, lo), hi)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
