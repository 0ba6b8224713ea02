package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/trendpipe/backend/internal/db"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
	"github.com/trendpipe/backend/internal/resilience"
	"github.com/trendpipe/backend/internal/storage"
)

type memDownloads struct {
	mu        sync.Mutex
	jobs      map[string]*models.DownloadJob
	failWrite error
	// countGate, when set, holds every CountActive caller until the group is done
	countGate *sync.WaitGroup
}

func newMemDownloads() *memDownloads {
	return &memDownloads{jobs: make(map[string]*models.DownloadJob)}
}

func (m *memDownloads) put(job *models.DownloadJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *memDownloads) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memDownloads) CountActive(ctx context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	n := m.activeLocked(ownerID)
	gate := m.countGate
	m.mu.Unlock()

	if gate != nil {
		gate.Done()
		gate.Wait()
	}
	return n, nil
}

func (m *memDownloads) activeLocked(ownerID string) int {
	n := 0
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && !j.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *memDownloads) FindByVideo(ctx context.Context, ownerID, p, externalVideoID string) (*models.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && j.Platform == p && j.ExternalVideoID == externalVideoID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memDownloads) Create(ctx context.Context, job *models.DownloadJob, replaces string, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxActive > 0 && m.activeLocked(job.OwnerID) >= maxActive {
		return db.ErrActiveLimit
	}
	if replaces != "" {
		delete(m.jobs, replaces)
	}
	for _, j := range m.jobs {
		if j.OwnerID == job.OwnerID && j.Platform == job.Platform && j.ExternalVideoID == job.ExternalVideoID {
			return db.ErrDuplicate
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memDownloads) Get(ctx context.Context, id string) (*models.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memDownloads) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.DownloadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DownloadJob
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDownloads) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memDownloads) Transition(ctx context.Context, id string, to models.DownloadStatus, from ...models.DownloadStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memDownloads) UpdateProgress(ctx context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	if j, ok := m.jobs[id]; ok && j.Status == models.DownloadDownloading {
		j.Progress = progress
	}
	return nil
}

func (m *memDownloads) Complete(ctx context.Context, id, storageKey string, size int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.DownloadDownloading {
		return false, nil
	}
	j.Status = models.DownloadCompleted
	j.StorageKey = storageKey
	j.SizeBytes = size
	j.Progress = 100
	return true, nil
}

func (m *memDownloads) Fail(ctx context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	j.Status = models.DownloadFailed
	j.Error = msg
	return nil
}

type memUploads struct {
	mu   sync.Mutex
	jobs map[string]*models.UploadJob
}

func newMemUploads() *memUploads {
	return &memUploads{jobs: make(map[string]*models.UploadJob)}
}

func (m *memUploads) put(job *models.UploadJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *memUploads) CountActive(ctx context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *memUploads) CountCreatedSince(ctx context.Context, ownerID, p string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.OwnerID == ownerID && j.Platform == p && j.Status != models.UploadCancelled && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memUploads) Create(ctx context.Context, job *models.UploadJob, replaces string, limits db.UploadLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if replaces != "" {
		if old, ok := m.jobs[replaces]; ok {
			delete(m.jobs, replaces)
			defer func() {
				if _, created := m.jobs[job.ID]; !created {
					m.jobs[replaces] = old
				}
			}()
		}
	}
	active, today := 0, 0
	for _, j := range m.jobs {
		if j.OwnerID != job.OwnerID {
			continue
		}
		if !j.Status.IsTerminal() {
			active++
		}
		if j.Platform == job.Platform && j.Status != models.UploadCancelled && !j.CreatedAt.Before(limits.DailySince) {
			today++
		}
	}
	if limits.MaxActive > 0 && active >= limits.MaxActive {
		return db.ErrActiveLimit
	}
	if limits.DailyCap > 0 && today >= limits.DailyCap {
		return db.ErrDailyLimit
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memUploads) Get(ctx context.Context, id string) (*models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memUploads) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.UploadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UploadJob
	for _, j := range m.jobs {
		if j.OwnerID == ownerID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memUploads) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memUploads) Transition(ctx context.Context, id string, to models.UploadStatus, from ...models.UploadStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memUploads) UpdateProgress(ctx context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Progress = progress
	}
	return nil
}

func (m *memUploads) Complete(ctx context.Context, id string, status models.UploadStatus, externalID, externalURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.UploadUploading {
		return false, nil
	}
	j.Status = status
	j.ExternalID = externalID
	j.ExternalURL = externalURL
	return true, nil
}

func (m *memUploads) Fail(ctx context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	j.Status = models.UploadFailed
	j.Error = msg
	return nil
}

type memVideos map[string]*models.SourceVideo

func (m memVideos) Get(ctx context.Context, id string) (*models.SourceVideo, error) {
	v, ok := m[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return v, nil
}

type memChannels map[string]*models.Channel

func (m memChannels) Get(ctx context.Context, id string) (*models.Channel, error) {
	c, ok := m[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   map[string]json.RawMessage
	removed    []string
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueued: make(map[string]json.RawMessage)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind queue.Kind, jobID string, payload any) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	q.enqueued[jobID] = raw
	return &queue.Job{ID: jobID, Kind: kind, Payload: raw, State: queue.StateQueued}, nil
}

func (q *fakeQueue) Remove(ctx context.Context, kind queue.Kind, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, jobID)
	_, ok := q.enqueued[jobID]
	delete(q.enqueued, jobID)
	return ok, nil
}

// job returns the queued job for a record's queue id
func (q *fakeQueue) job(t *testing.T, kind queue.Kind, jobID string) *queue.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	raw, ok := q.enqueued[jobID]
	if !ok {
		t.Fatalf("job %s was not enqueued", jobID)
	}
	return &queue.Job{ID: jobID, Kind: kind, Payload: raw}
}

type memObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

var _ storage.ObjectStore = (*memObjects)(nil)

func (s *memObjects) Upload(ctx context.Context, key string, r io.Reader, size int64, meta storage.Metadata) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memObjects) GetReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memObjects) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://storage.test/" + key + "?ttl=" + ttl.String(), nil
}

func (s *memObjects) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.objects, key)
	return nil
}

func (s *memObjects) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memObjects) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memObjects) Ping(ctx context.Context) error { return nil }

// fakeAdapter writes a sparse file of size bytes on Download
type fakeAdapter struct {
	p           platform.Platform
	size        int64
	downloadErr error
	uploadErr   error
	processing  bool
	canUpload   bool
	onDownload  func()
	lastToken   string
	uploaded    []byte
	uploadReq   platform.UploadRequest
	mu          sync.Mutex
}

func (a *fakeAdapter) Platform() platform.Platform { return a.p }

func (a *fakeAdapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{AuthenticatedDownload: true, Upload: a.canUpload}
}

func (a *fakeAdapter) FetchTrending(ctx context.Context, region string, opts platform.TrendingOptions) ([]platform.TrendingVideo, error) {
	return nil, nil
}

func (a *fakeAdapter) FetchVideoStats(ctx context.Context, ids []string) ([]platform.VideoStats, error) {
	return nil, nil
}

func (a *fakeAdapter) Download(ctx context.Context, req platform.DownloadRequest, progress platform.ProgressFunc) (*platform.Artifact, error) {
	a.mu.Lock()
	a.lastToken = req.AccessToken
	a.mu.Unlock()
	if a.downloadErr != nil {
		return nil, a.downloadErr
	}

	path := filepath.Join(req.DestDir, req.ExternalID+".mp4")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := f.Truncate(a.size); err != nil {
		return nil, err
	}

	progress(0.5)
	progress(1)
	if a.onDownload != nil {
		a.onDownload()
	}
	return &platform.Artifact{Path: path, Size: a.size, ContentType: "video/mp4"}, nil
}

func (a *fakeAdapter) Upload(ctx context.Context, req platform.UploadRequest, progress platform.ProgressFunc) (*platform.UploadResult, error) {
	if a.uploadErr != nil {
		return nil, a.uploadErr
	}
	data, err := io.ReadAll(req.Media)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.uploaded = data
	a.uploadReq = req
	a.lastToken = req.AccessToken
	a.mu.Unlock()
	progress(1)
	return &platform.UploadResult{ExternalID: "ext-1", URL: "https://example.test/v/ext-1", Processing: a.processing}, nil
}

func (a *fakeAdapter) IsAvailable(ctx context.Context) bool { return true }

type fakeCredentials struct {
	creds map[string]*models.Credential
	err   error
}

func (c *fakeCredentials) List(ctx context.Context, ownerID string) ([]*models.Credential, error) {
	var out []*models.Credential
	for _, cred := range c.creds {
		if cred.OwnerID == ownerID {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (c *fakeCredentials) GetValidAccessToken(ctx context.Context, credentialID, ownerID string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	cred, ok := c.creds[credentialID]
	if !ok || cred.OwnerID != ownerID {
		return "", errors.New("no such credential")
	}
	return "token-" + credentialID, nil
}

func newTestCaller() *resilience.Caller {
	registry := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: 100,
		MonitorWindow:    time.Minute,
		ResetTimeout:     time.Minute,
	}, nil)
	return resilience.NewCaller(registry, resilience.RetryOptions{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, time.Second)
}
