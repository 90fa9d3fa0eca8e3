package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackvault/internal/domain"
	"trackvault/internal/fetcher"
	"trackvault/internal/ledger"
	"trackvault/internal/resolver"
	"trackvault/internal/service"
	"trackvault/internal/storage"
)

// memJobs is an in-memory JobService double recording every status change.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*domain.Job{}}
}

func (m *memJobs) CreateJob(_ context.Context, item domain.Item, dest string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := &domain.Job{
		ID:              fmt.Sprintf("job-%d", m.seq),
		Item:            item,
		Status:          domain.JobStatusPending,
		DestinationPath: dest,
		FailedChunk:     -1,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	m.jobs[job.ID] = job
	copied := *job
	return &copied, nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	copied := *job
	return &copied, nil
}

func (m *memJobs) ListJobs(_ context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out, nil
}

func (m *memJobs) ListByStatuses(_ context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		for _, status := range statuses {
			if job.Status == status {
				out = append(out, *job)
				break
			}
		}
	}
	return out, nil
}

func (m *memJobs) UpdateStatus(_ context.Context, id string, status domain.JobStatus, category, message string, failedChunk int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Status = status
	job.ErrorCategory = category
	job.ErrorMessage = message
	job.FailedChunk = failedChunk
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memJobs) UpdatePlan(_ context.Context, id string, totalSize int64, totalChunks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.TotalSize = totalSize
		job.TotalChunks = totalChunks
	}
	return nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, completed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && completed > job.CompletedChunks {
		job.CompletedChunks = completed
	}
	return nil
}

func (m *memJobs) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		now := time.Now()
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
	}
	return nil
}

func (m *memJobs) SetArchiveLocation(_ context.Context, id, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.ArchiveLocation = location
	}
	return nil
}

func (m *memJobs) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

var _ service.JobService = (*memJobs)(nil)

type stubResolver struct {
	manifest *domain.Manifest
	err      error
}

func (s *stubResolver) Resolve(context.Context, string) (*domain.Manifest, error) {
	if s.err != nil {
		return nil, s.err
	}
	copied := *s.manifest
	return &copied, nil
}

var _ resolver.Resolver = (*stubResolver)(nil)

// stubStorage records uploads and drives any progress callback it is given.
type stubStorage struct {
	mu              sync.Mutex
	uploads         []string
	progressReports int
}

func (s *stubStorage) UploadFile(_ context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, localPath)
	if opts.ProgressCallback != nil {
		opts.ProgressCallback(1, 2)
		opts.ProgressCallback(2, 2)
		s.progressReports += 2
	}
	return "s3://" + opts.Bucket + "/" + filepath.Base(localPath), nil
}

func (s *stubStorage) ListObjects(context.Context, string, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (s *stubStorage) DeleteObject(context.Context, string, string) error { return nil }

var _ storage.Service = (*stubStorage)(nil)

type testEnv struct {
	manager Manager
	jobs    *memJobs
	ledger  *ledger.Ledger
	root    string
}

func newTestEnv(t *testing.T, res resolver.Resolver) *testEnv {
	t.Helper()

	led, err := ledger.New(ledger.NewStore(afero.NewMemMapFs(), "history.json", nil), nil)
	require.NoError(t, err)

	jobs := newMemJobs()
	root := t.TempDir()

	mgr := NewManager(Config{
		DownloadRoot:  root,
		MaxActiveJobs: 2,
		ChunkWorkers:  4,
		FetchOptions: fetcher.Options{
			Timeout:         2 * time.Second,
			MaxRetries:      1,
			RetryBackoff:    time.Millisecond,
			RetryMaxBackoff: 5 * time.Millisecond,
		},
	}, res, led, jobs, nil)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Shutdown)

	return &testEnv{manager: mgr, jobs: jobs, ledger: led, root: root}
}

// waitEvent consumes events until one of the wanted kind for the job shows
// up. Progress events in between are expected and skipped.
func waitEvent(t *testing.T, events <-chan domain.JobEvent, jobID string, kind domain.JobEventKind) domain.JobEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed waiting for %s", kind)
			}
			if event.JobID == jobID && event.Kind == kind {
				return event
			}
			if event.JobID == jobID && event.Kind == domain.JobEventFailed && kind != domain.JobEventFailed {
				t.Fatalf("job failed waiting for %s: %v", kind, event.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func chunkServer(t *testing.T, payloads map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := payloads[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data)
	}))
}

func manifestFor(srvURL string, payloads map[string][]byte, paths []string) *domain.Manifest {
	manifest := &domain.Manifest{ItemID: "item-1"}
	var offset int64
	for i, path := range paths {
		length := int64(len(payloads[path]))
		manifest.Chunks = append(manifest.Chunks, domain.ChunkDescriptor{
			Index:  i,
			Offset: offset,
			Length: length,
			URL:    srvURL + path,
		})
		offset += length
	}
	manifest.TotalSize = offset
	return manifest
}

func TestJobCompletesAndRecordsLedger(t *testing.T) {
	payloads := map[string][]byte{
		"/c0": []byte("first-chunk-"),
		"/c1": []byte("second-chunk-"),
		"/c2": []byte("third-chunk"),
	}
	srv := chunkServer(t, payloads)
	defer srv.Close()

	manifest := manifestFor(srv.URL, payloads, []string{"/c0", "/c1", "/c2"})
	env := newTestEnv(t, &stubResolver{manifest: manifest})

	job, err := env.manager.Submit(context.Background(), domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}, "song.flac")
	require.NoError(t, err)

	event := waitEvent(t, env.manager.Events(), job.ID, domain.JobEventCompleted)
	assert.Equal(t, 3, event.CompletedChunks)

	data, err := os.ReadFile(filepath.Join(env.root, "song.flac"))
	require.NoError(t, err)
	assert.Equal(t, "first-chunk-second-chunk-third-chunk", string(data))

	assert.True(t, env.ledger.IsDownloaded("item-1"))

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestDedupHitSkipsWithoutFetching(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	manifest := &domain.Manifest{
		ItemID:    "item-1",
		TotalSize: 1,
		Chunks:    []domain.ChunkDescriptor{{Index: 0, Offset: 0, Length: 1, URL: srv.URL + "/c0"}},
	}
	env := newTestEnv(t, &stubResolver{manifest: manifest})
	require.NoError(t, env.ledger.Record(domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}))

	job, err := env.manager.Submit(context.Background(), domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}, "dup.flac")
	require.NoError(t, err)

	waitEvent(t, env.manager.Events(), job.ID, domain.JobEventSkipped)
	assert.Zero(t, fetches.Load())

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSkipped, stored.Status)

	_, err = os.Stat(filepath.Join(env.root, "dup.flac"))
	assert.True(t, os.IsNotExist(err))
}

func TestResolveFailureIsStructural(t *testing.T) {
	env := newTestEnv(t, &stubResolver{err: fmt.Errorf("manifest service returned 500")})

	job, err := env.manager.Submit(context.Background(), domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}, "never.flac")
	require.NoError(t, err)

	event := waitEvent(t, env.manager.Events(), job.ID, domain.JobEventFailed)
	assert.Error(t, event.Err)

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, ErrCategoryStructural, stored.ErrorCategory)

	_, err = os.Stat(filepath.Join(env.root, "never.flac"))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, env.ledger.IsDownloaded("item-1"))
}

func TestChunkFatalFailureRemovesPartialFile(t *testing.T) {
	payloads := map[string][]byte{
		"/c0": []byte("0123456789"),
		// /c1 intentionally absent: the fetch gets 404.
	}
	srv := chunkServer(t, payloads)
	defer srv.Close()

	manifest := &domain.Manifest{
		ItemID:    "item-1",
		TotalSize: 20,
		Chunks: []domain.ChunkDescriptor{
			{Index: 0, Offset: 0, Length: 10, URL: srv.URL + "/c0"},
			{Index: 1, Offset: 10, Length: 10, URL: srv.URL + "/c1"},
		},
	}
	env := newTestEnv(t, &stubResolver{manifest: manifest})

	job, err := env.manager.Submit(context.Background(), domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}, "partial.flac")
	require.NoError(t, err)

	waitEvent(t, env.manager.Events(), job.ID, domain.JobEventFailed)

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, ErrCategoryPermanent, stored.ErrorCategory)
	assert.Equal(t, 1, stored.FailedChunk)

	_, err = os.Stat(filepath.Join(env.root, "partial.flac"))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, env.ledger.IsDownloaded("item-1"))
}

func TestCancelAbortsAndDiscards(t *testing.T) {
	release := make(chan struct{})
	payload := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()
	defer close(release)

	manifest := &domain.Manifest{
		ItemID:    "item-1",
		TotalSize: 20,
		Chunks: []domain.ChunkDescriptor{
			{Index: 0, Offset: 0, Length: 10, URL: srv.URL + "/fast"},
			{Index: 1, Offset: 10, Length: 10, URL: srv.URL + "/slow"},
		},
	}
	env := newTestEnv(t, &stubResolver{manifest: manifest})

	job, err := env.manager.Submit(context.Background(), domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}, "cancel.flac")
	require.NoError(t, err)

	waitEvent(t, env.manager.Events(), job.ID, domain.JobEventStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.manager.Cancel(ctx, job.ID))

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, stored.Status)

	_, err = os.Stat(filepath.Join(env.root, "cancel.flac"))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, env.ledger.IsDownloaded("item-1"))
}

func TestCancelUnknownJobIsNoOp(t *testing.T) {
	env := newTestEnv(t, &stubResolver{err: fmt.Errorf("unused")})
	assert.NoError(t, env.manager.Cancel(context.Background(), "no-such-job"))
}

func TestReconcileMarksStaleJobsFailed(t *testing.T) {
	env := newTestEnv(t, &stubResolver{err: fmt.Errorf("unused")})

	// Simulate rows left behind by a crashed process.
	stale, err := env.jobs.CreateJob(context.Background(), domain.Item{ID: "item-9", SourceKind: domain.SourceKindManual}, "x")
	require.NoError(t, err)
	require.NoError(t, env.jobs.UpdateStatus(context.Background(), stale.ID, domain.JobStatusRunning, "", "", -1))

	require.NoError(t, env.manager.Reconcile(context.Background()))

	stored, err := env.jobs.GetJob(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, ErrCategoryResource, stored.ErrorCategory)
	assert.Contains(t, stored.ErrorMessage, "restart")
}

func TestCompletedJobIsArchivedWithProgress(t *testing.T) {
	payloads := map[string][]byte{"/c0": []byte("archived-bytes")}
	srv := chunkServer(t, payloads)
	defer srv.Close()

	manifest := manifestFor(srv.URL, payloads, []string{"/c0"})

	led, err := ledger.New(ledger.NewStore(afero.NewMemMapFs(), "history.json", nil), nil)
	require.NoError(t, err)
	jobs := newMemJobs()
	store := &stubStorage{}
	root := t.TempDir()

	mgr := NewManager(Config{
		DownloadRoot:  root,
		MaxActiveJobs: 1,
		ChunkWorkers:  2,
		FetchOptions: fetcher.Options{
			Timeout:      2 * time.Second,
			MaxRetries:   1,
			RetryBackoff: time.Millisecond,
		},
		ArchiveOptions: storage.UploadOptions{Bucket: "vault", KeyPrefix: "tracks"},
	}, &stubResolver{manifest: manifest}, led, jobs, store)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Shutdown)

	job, err := mgr.Submit(context.Background(), domain.Item{ID: "item-1", SourceKind: domain.SourceKindManual}, "keep.flac")
	require.NoError(t, err)
	waitEvent(t, mgr.Events(), job.ID, domain.JobEventCompleted)

	// The upload runs after the completion event is posted.
	require.Eventually(t, func() bool {
		stored, err := jobs.GetJob(context.Background(), job.ID)
		return err == nil && stored.ArchiveLocation != ""
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3://vault/keep.flac", stored.ArchiveLocation)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.uploads, 1)
	assert.Equal(t, filepath.Join(root, "keep.flac"), store.uploads[0])
	// The manager supplies a progress callback when none is configured.
	assert.Equal(t, 2, store.progressReports)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrCategoryPermanent, classify(fmt.Errorf("wrap: %w", fetcher.ErrNotFound)))
	assert.Equal(t, ErrCategoryTransient, classify(fmt.Errorf("wrap: %w", fetcher.ErrServerError)))
	assert.Equal(t, ErrCategoryResource, classify(fmt.Errorf("disk full")))
}
