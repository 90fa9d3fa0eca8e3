package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"trackvault/internal/assemble"
	"trackvault/internal/decrypt"
	"trackvault/internal/domain"
	"trackvault/internal/fetcher"
	"trackvault/internal/ledger"
	"trackvault/internal/metrics"
	"trackvault/internal/resolver"
	"trackvault/internal/service"
	"trackvault/internal/storage"
	"trackvault/internal/worker"
)

// Error categories attached to failed jobs, so callers can tell retry-worthy
// failures from permanent ones.
const (
	ErrCategoryTransient  = "transient"
	ErrCategoryPermanent  = "permanent"
	ErrCategoryStructural = "structural"
	ErrCategoryResource   = "resource"
)

// Manager orchestrates download jobs: it gates them through the dedup
// ledger, fans chunk work out to the shared pool, assembles and finalizes
// files, and commits completions back to the ledger.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Submit(ctx context.Context, item domain.Item, fileName string) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Reconcile(ctx context.Context) error
	Events() <-chan domain.JobEvent
}

type Config struct {
	DownloadRoot   string
	MaxActiveJobs  int
	ChunkWorkers   int
	FetchOptions   fetcher.Options
	ArchiveOptions storage.UploadOptions
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
}

type manager struct {
	cfg      Config
	resolver resolver.Resolver
	ledger   *ledger.Ledger
	jobs     service.JobService
	storage  storage.Service

	fetch  *fetcher.Client
	pool   *worker.Pool
	events chan domain.JobEvent

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*jobHandle
}

type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, res resolver.Resolver, led *ledger.Ledger, jobs service.JobService, store storage.Service) Manager {
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = 3
	}
	if cfg.ChunkWorkers <= 0 {
		cfg.ChunkWorkers = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:      cfg,
		resolver: res,
		ledger:   led,
		jobs:     jobs,
		storage:  store,
		fetch:    fetcher.NewClient(cfg.FetchOptions),
		events:   make(chan domain.JobEvent, 64),
		sem:      make(chan struct{}, cfg.MaxActiveJobs),
		active:   make(map[string]*jobHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if m.cfg.DownloadRoot == "" {
		return fmt.Errorf("download root is required")
	}
	m.pool = worker.NewPool(m.cfg.ChunkWorkers)
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cfg.Logger.Infof("download manager started, %d chunk workers, data dir: %s", m.cfg.ChunkWorkers, m.cfg.DownloadRoot)
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.pool != nil {
		m.pool.Stop()
	}
	close(m.events)
	m.cfg.Logger.Info("download manager stopped")
}

// Events returns the channel completion and failure notifications are
// posted on. Consumers that fall behind lose events rather than stalling
// the pipeline.
func (m *manager) Events() <-chan domain.JobEvent {
	return m.events
}

// Reconcile marks jobs left non-terminal by a previous process run as
// failed. Their partial files were never finalized and are unsafe to trust.
func (m *manager) Reconcile(ctx context.Context) error {
	stale, err := m.jobs.ListByStatuses(ctx, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return err
	}
	for i := range stale {
		if err := m.jobs.UpdateStatus(ctx, stale[i].ID, domain.JobStatusFailed, ErrCategoryResource, "interrupted by process restart", -1); err != nil {
			m.cfg.Logger.WithField("job_id", stale[i].ID).Warnf("reconcile stale job: %v", err)
		}
	}
	return nil
}

// Submit records a new job and schedules it. The destination is resolved
// under the configured download root.
func (m *manager) Submit(ctx context.Context, item domain.Item, fileName string) (*domain.Job, error) {
	if fileName == "" {
		fileName = item.ID
	}
	dest := filepath.Join(m.cfg.DownloadRoot, filepath.Base(fileName))

	job, err := m.jobs.CreateJob(ctx, item, dest)
	if err != nil {
		return nil, err
	}
	m.spawnJob(*job)
	return job, nil
}

func (m *manager) spawnJob(job domain.Job) {
	jobCtx, cancel := context.WithCancel(m.ctx)
	handle := &jobHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.registerJob(job.ID, handle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.unregisterJob(job.ID)
			close(handle.done)
		}()
		select {
		case <-m.ctx.Done():
			return
		case <-jobCtx.Done():
			return
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
			m.handleJob(jobCtx, &job)
		}
	}()
}

func (m *manager) registerJob(id string, handle *jobHandle) {
	m.mu.Lock()
	m.active[id] = handle
	m.mu.Unlock()
}

func (m *manager) unregisterJob(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Cancel requests a cooperative abort of a running job and waits for it to
// wind down. Cancelling an unknown or already-finished job is a no-op.
func (m *manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	handle, ok := m.active[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) handleJob(ctx context.Context, job *domain.Job) {
	logger := m.cfg.Logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"item_id": job.Item.ID,
	})

	// Dedup gate: a recorded item is skipped before any I/O happens.
	if m.ledger.ShouldSkip(job.Item.ID) {
		logger.Info("item already downloaded, skipping")
		m.setStatus(job.ID, domain.JobStatusSkipped, "", "", -1)
		m.countJob(domain.JobStatusSkipped)
		m.post(domain.JobEvent{Kind: domain.JobEventSkipped, JobID: job.ID, ItemID: job.Item.ID})
		return
	}

	manifest, err := m.resolver.Resolve(ctx, job.Item.ID)
	if err != nil {
		if ctx.Err() != nil {
			m.finishCancelled(job, logger)
			return
		}
		m.failJob(job, logger, ErrCategoryStructural, fmt.Errorf("resolve manifest: %w", err), -1)
		return
	}

	if err := m.jobs.UpdatePlan(context.WithoutCancel(ctx), job.ID, manifest.TotalSize, len(manifest.Chunks)); err != nil {
		logger.Warnf("update job plan: %v", err)
	}
	m.setStatus(job.ID, domain.JobStatusRunning, "", "", -1)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveJobs.Inc()
		defer m.cfg.Metrics.ActiveJobs.Dec()
	}
	m.post(domain.JobEvent{Kind: domain.JobEventStarted, JobID: job.ID, ItemID: job.Item.ID, TotalChunks: len(manifest.Chunks)})

	asm, err := assemble.Create(job.DestinationPath, manifest.TotalSize, len(manifest.Chunks))
	if err != nil {
		m.failJob(job, logger, ErrCategoryResource, err, -1)
		return
	}

	chunkErr, failedChunk := m.runChunks(ctx, job, manifest, asm, logger)

	switch {
	case ctx.Err() != nil:
		// Abort requested; in-flight attempts were allowed to finish but
		// their output is discarded with the partial file.
		if err := asm.Discard(); err != nil {
			logger.Warnf("discard partial file: %v", err)
		}
		m.finishCancelled(job, logger)
		return
	case chunkErr != nil:
		if err := asm.Discard(); err != nil {
			logger.Warnf("discard partial file: %v", err)
		}
		category := classify(chunkErr)
		m.failJob(job, logger, category, chunkErr, failedChunk)
		return
	}

	if !asm.IsComplete() {
		asm.Discard()
		m.failJob(job, logger, ErrCategoryStructural, fmt.Errorf("assembly incomplete: %d of %d chunks", asm.CompletedCount(), len(manifest.Chunks)), -1)
		return
	}
	if err := asm.Finalize(); err != nil {
		asm.Discard()
		m.failJob(job, logger, ErrCategoryResource, err, -1)
		return
	}

	// The file exists and is valid at this point. A ledger persist failure
	// must not fail the job; Record is idempotent and may be retried later.
	if err := m.ledger.Record(job.Item); err != nil {
		logger.Warnf("record completion in ledger: %v", err)
	}

	bg := context.WithoutCancel(ctx)
	if err := m.jobs.MarkCompleted(bg, job.ID); err != nil {
		logger.Errorf("mark job completed: %v", err)
	}
	m.countJob(domain.JobStatusCompleted)
	logger.Info("download completed")
	m.post(domain.JobEvent{
		Kind:            domain.JobEventCompleted,
		JobID:           job.ID,
		ItemID:          job.Item.ID,
		CompletedChunks: len(manifest.Chunks),
		TotalChunks:     len(manifest.Chunks),
	})

	m.archive(bg, job, logger)
}

// runChunks fans every chunk out to the shared pool and waits for all of
// them. The first fatal failure cancels the siblings cooperatively and is
// returned with its chunk index; completion order is irrelevant because the
// assembler writes by offset.
func (m *manager) runChunks(ctx context.Context, job *domain.Job, manifest *domain.Manifest, asm *assemble.Assembler, logger *logrus.Entry) (error, int) {
	chunkCtx, cancelChunks := context.WithCancel(ctx)
	defer cancelChunks()

	var (
		wg          sync.WaitGroup
		failOnce    sync.Once
		firstErr    error
		failedChunk = -1
		completed   atomic.Int64
	)

	fail := func(index int, err error) {
		failOnce.Do(func() {
			firstErr = err
			failedChunk = index
			cancelChunks()
		})
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ChunkFailures.Inc()
		}
	}

	for i := range manifest.Chunks {
		chunk := manifest.Chunks[i]

		wg.Add(1)
		err := m.pool.Submit(chunkCtx, func() {
			defer wg.Done()
			if chunkCtx.Err() != nil {
				return
			}
			if err := m.processChunk(chunkCtx, manifest, chunk, asm); err != nil {
				if chunkCtx.Err() == nil {
					logger.WithField("chunk", chunk.Index).Errorf("chunk failed: %v", err)
					fail(chunk.Index, err)
				}
				return
			}
			done := completed.Add(1)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.ChunksFetched.Inc()
				m.cfg.Metrics.BytesAssembled.Add(float64(chunk.Length))
			}
			if err := m.jobs.UpdateProgress(context.WithoutCancel(ctx), job.ID, int(done)); err != nil {
				logger.Warnf("update progress: %v", err)
			}
			m.post(domain.JobEvent{
				Kind:            domain.JobEventProgress,
				JobID:           job.ID,
				ItemID:          job.Item.ID,
				CompletedChunks: int(done),
				TotalChunks:     len(manifest.Chunks),
			})
		})
		if err != nil {
			// Submission stops once the job is aborted or failing; the
			// remaining chunks are never dispatched.
			wg.Done()
			if !errors.Is(err, context.Canceled) && !errors.Is(err, worker.ErrPoolClosed) {
				fail(chunk.Index, err)
			}
			break
		}
	}

	wg.Wait()
	return firstErr, failedChunk
}

func (m *manager) processChunk(ctx context.Context, manifest *domain.Manifest, chunk domain.ChunkDescriptor, asm *assemble.Assembler) error {
	data, err := m.fetch.Fetch(ctx, chunk.URL, chunk.Offset, chunk.Length)
	if err != nil {
		return fmt.Errorf("fetch chunk %d: %w", chunk.Index, err)
	}

	if manifest.Encrypted {
		data, err = decrypt.Chunk(data, manifest.Keys, chunk.Offset)
		if err != nil {
			return fmt.Errorf("decrypt chunk %d: %w", chunk.Index, err)
		}
	}

	if err := asm.WriteChunk(chunk.Index, chunk.Offset, data); err != nil {
		return err
	}
	return nil
}

func (m *manager) archive(ctx context.Context, job *domain.Job, logger *logrus.Entry) {
	if m.storage == nil || m.cfg.ArchiveOptions.Bucket == "" {
		return
	}

	opts := m.cfg.ArchiveOptions
	if opts.ProgressCallback == nil {
		opts.ProgressCallback = func(done, total int64) {
			logger.WithFields(logrus.Fields{
				"uploaded_bytes": done,
				"total_bytes":    total,
			}).Debug("archive upload progress")
		}
	}
	location, err := m.storage.UploadFile(ctx, job.DestinationPath, opts)
	if err != nil {
		logger.Warnf("archive completed file: %v", err)
		return
	}
	if err := m.jobs.SetArchiveLocation(ctx, job.ID, location); err != nil {
		logger.Warnf("record archive location: %v", err)
	}
	logger.Infof("archived to %s", location)
}

func (m *manager) finishCancelled(job *domain.Job, logger *logrus.Entry) {
	logger.Info("job cancelled")
	m.setStatus(job.ID, domain.JobStatusCancelled, "", "", -1)
	m.countJob(domain.JobStatusCancelled)
	m.post(domain.JobEvent{Kind: domain.JobEventCancelled, JobID: job.ID, ItemID: job.Item.ID})
}

func (m *manager) failJob(job *domain.Job, logger *logrus.Entry, category string, failErr error, failedChunk int) {
	logger.WithField("category", category).Error(failErr.Error())
	m.setStatus(job.ID, domain.JobStatusFailed, category, failErr.Error(), failedChunk)
	m.countJob(domain.JobStatusFailed)
	m.post(domain.JobEvent{Kind: domain.JobEventFailed, JobID: job.ID, ItemID: job.Item.ID, Err: failErr})
}

func (m *manager) setStatus(jobID string, status domain.JobStatus, category, message string, failedChunk int) {
	if err := m.jobs.UpdateStatus(context.Background(), jobID, status, category, message, failedChunk); err != nil {
		m.cfg.Logger.WithField("job_id", jobID).Errorf("persist job status: %v", err)
	}
}

func (m *manager) countJob(status domain.JobStatus) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	}
}

// post delivers an event without ever blocking pipeline goroutines.
func (m *manager) post(event domain.JobEvent) {
	select {
	case m.events <- event:
	default:
		m.cfg.Logger.WithField("job_id", event.JobID).Debug("event channel full, dropping event")
	}
}

// classify maps a chunk error onto the failure taxonomy.
func classify(err error) string {
	switch {
	case errors.Is(err, decrypt.ErrMalformedKey),
		errors.Is(err, decrypt.ErrMisalignedChunk),
		errors.Is(err, decrypt.ErrBadToken),
		errors.Is(err, assemble.ErrChunkOutOfBounds):
		return ErrCategoryStructural
	case errors.Is(err, fetcher.ErrNotFound),
		errors.Is(err, fetcher.ErrUnauthorized),
		errors.Is(err, fetcher.ErrForbidden):
		return ErrCategoryPermanent
	case errors.Is(err, fetcher.ErrServerError),
		errors.Is(err, fetcher.ErrRateLimited),
		errors.Is(err, fetcher.ErrShortRead):
		return ErrCategoryTransient
	}
	return ErrCategoryResource
}

var _ Manager = (*manager)(nil)
