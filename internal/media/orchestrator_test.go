package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
)

type orchestratorFixture struct {
	orch      *Orchestrator
	downloads *memDownloads
	uploads   *memUploads
	videos    memVideos
	channels  memChannels
	queue     *fakeQueue
	objects   *memObjects
}

func newOrchestratorFixture() *orchestratorFixture {
	f := &orchestratorFixture{
		downloads: newMemDownloads(),
		uploads:   newMemUploads(),
		videos:    memVideos{},
		channels:  memChannels{},
		queue:     newFakeQueue(),
		objects:   newMemObjects(),
	}
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("src-%d", i)
		f.videos[id] = &models.SourceVideo{
			ID:              id,
			Platform:        "youtube",
			ExternalVideoID: fmt.Sprintf("yt-%d", i),
			URL:             "https://www.youtube.com/watch?v=" + id,
		}
	}
	f.channels["ch-tiktok"] = &models.Channel{ID: "ch-tiktok", OwnerID: "owner-1", Platform: "tiktok", CredentialID: "cred-tt"}
	f.channels["ch-youtube"] = &models.Channel{ID: "ch-youtube", OwnerID: "owner-1", Platform: "youtube", CredentialID: "cred-yt"}

	f.orch = NewOrchestrator(OrchestratorConfig{
		Downloads: f.downloads,
		Uploads:   f.uploads,
		Videos:    f.videos,
		Channels:  f.channels,
		Queue:     f.queue,
		Storage:   f.objects,
		Caller:    newTestCaller(),
		Limits: Limits{
			MaxActiveDownloads: 5,
			MaxActiveUploads:   3,
			DailyUploadCap:     4,
			DailyCapPlatform:   platform.TikTok,
			Location:           time.UTC,
			SignedURLTTL:       15 * time.Minute,
		},
	})
	return f
}

func (f *orchestratorFixture) completedDownload(id, owner string) *models.DownloadJob {
	job := &models.DownloadJob{
		ID:              id,
		OwnerID:         owner,
		SourceVideoID:   "src-9",
		Platform:        "youtube",
		ExternalVideoID: "done-" + id,
		Status:          models.DownloadCompleted,
		StorageKey:      "downloads/" + owner + "/" + id + ".mp4",
	}
	f.downloads.put(job)
	f.objects.objects[job.StorageKey] = []byte("video")
	return job
}

func TestQueueDownload_CreatesPendingJob(t *testing.T) {
	f := newOrchestratorFixture()

	job, err := f.orch.QueueDownload(context.Background(), "owner-1", "src-1")
	if err != nil {
		t.Fatalf("QueueDownload failed: %v", err)
	}

	if job.Status != models.DownloadPending {
		t.Errorf("Expected PENDING, got %s", job.Status)
	}
	if job.QueueJobID != "download-"+job.ID {
		t.Errorf("Expected queue job id derived from record id, got %s", job.QueueJobID)
	}
	if job.ExternalVideoID != "yt-1" || job.Platform != "youtube" {
		t.Errorf("Expected source video fields to be copied, got %+v", job)
	}

	queued := f.queue.job(t, queue.KindDownload, job.QueueJobID)
	var payload DownloadPayload
	if err := queued.Decode(&payload); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if payload.DownloadID != job.ID || payload.OwnerID != "owner-1" {
		t.Errorf("Unexpected payload %+v", payload)
	}
}

func TestQueueDownload_ActiveLimit(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := f.orch.QueueDownload(ctx, "owner-1", fmt.Sprintf("src-%d", i)); err != nil {
			t.Fatalf("QueueDownload %d failed: %v", i, err)
		}
	}

	_, err := f.orch.QueueDownload(ctx, "owner-1", "src-6")
	if !apperrors.HasCode(err, apperrors.CodeTooManyDownloads) {
		t.Fatalf("Expected TOO_MANY_ACTIVE_DOWNLOADS, got %v", err)
	}
	if !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Errorf("Expected conflict kind, got %s", apperrors.KindOf(err))
	}
	if f.downloads.count() != 5 {
		t.Errorf("Expected no new record, got %d records", f.downloads.count())
	}

	// other owners are unaffected
	if _, err := f.orch.QueueDownload(ctx, "owner-2", "src-6"); err != nil {
		t.Errorf("Expected another owner to queue, got %v", err)
	}
}

func TestQueueDownload_ConcurrentRequestsRespectActiveLimit(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()

	const requests = 10
	var gate sync.WaitGroup
	gate.Add(requests)
	f.downloads.countGate = &gate

	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 1; i <= requests; i++ {
		wg.Go(func() {
			_, err := f.orch.QueueDownload(ctx, "owner-1", fmt.Sprintf("src-%d", i))
			errs <- err
		})
	}
	wg.Wait()
	close(errs)

	admitted, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			admitted++
		case apperrors.HasCode(err, apperrors.CodeTooManyDownloads):
			rejected++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if admitted != 5 || rejected != requests-5 {
		t.Errorf("Expected 5 admitted and %d rejected, got %d and %d", requests-5, admitted, rejected)
	}
	if n := f.downloads.count(); n != 5 {
		t.Errorf("Expected 5 stored downloads, got %d", n)
	}
}

func TestQueueUpload_RetryDoesNotCountReplacedUpload(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	dl := f.completedDownload("dl-1", "owner-1")

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		f.uploads.put(&models.UploadJob{
			ID:        fmt.Sprintf("today-%d", i),
			OwnerID:   "owner-1",
			Platform:  "tiktok",
			Status:    models.UploadCompleted,
			CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
		})
	}
	f.uploads.put(&models.UploadJob{
		ID:         "failed",
		OwnerID:    "owner-1",
		DownloadID: dl.ID,
		ChannelID:  "ch-tiktok",
		Platform:   "tiktok",
		Title:      "t",
		Status:     models.UploadFailed,
		CreatedAt:  now.Add(-30 * time.Minute),
	})

	retried, err := f.orch.RetryUpload(ctx, "owner-1", "failed")
	if err != nil {
		t.Fatalf("Expected retry to replace the failed upload within the cap, got %v", err)
	}
	if retried.ID == "failed" {
		t.Error("Expected a new upload record")
	}

	if _, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-tiktok", Title: "t"}); !apperrors.HasCode(err, apperrors.CodeDailyUploadLimit) {
		t.Errorf("Expected DAILY_UPLOAD_LIMIT once the cap is used, got %v", err)
	}
}

func TestQueueDownload_Dedup(t *testing.T) {
	tests := []struct {
		name     string
		existing models.DownloadStatus
		wantCode string
		replaced bool
	}{
		{"completed", models.DownloadCompleted, apperrors.CodeAlreadyDownloaded, false},
		{"pending", models.DownloadPending, apperrors.CodeAlreadyInProgress, false},
		{"downloading", models.DownloadDownloading, apperrors.CodeAlreadyInProgress, false},
		{"failed", models.DownloadFailed, "", true},
		{"cancelled", models.DownloadCancelled, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture()
			f.downloads.put(&models.DownloadJob{
				ID:              "old",
				OwnerID:         "owner-1",
				SourceVideoID:   "src-1",
				Platform:        "youtube",
				ExternalVideoID: "yt-1",
				Status:          tt.existing,
			})

			job, err := f.orch.QueueDownload(context.Background(), "owner-1", "src-1")

			if tt.wantCode != "" {
				if !apperrors.HasCode(err, tt.wantCode) {
					t.Fatalf("Expected %s, got %v", tt.wantCode, err)
				}
				if f.downloads.count() != 1 {
					t.Errorf("Expected no new record, got %d", f.downloads.count())
				}
				return
			}

			if err != nil {
				t.Fatalf("QueueDownload failed: %v", err)
			}
			if _, err := f.downloads.Get(context.Background(), "old"); err == nil {
				t.Error("Expected stale record to be replaced")
			}
			if job.ID == "old" || f.downloads.count() != 1 {
				t.Errorf("Expected exactly the new record, got %d records", f.downloads.count())
			}
		})
	}
}

func TestQueueDownload_Errors(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()

	if _, err := f.orch.QueueDownload(ctx, "owner-1", "missing"); !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("Expected not found for a missing source, got %v", err)
	}
	if _, err := f.orch.QueueDownload(ctx, "", "src-1"); !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Errorf("Expected validation error for a missing owner, got %v", err)
	}

	f.queue.enqueueErr = errors.New("redis down")
	_, err := f.orch.QueueDownload(ctx, "owner-1", "src-2")
	if !apperrors.IsKind(err, apperrors.KindUnavailable) {
		t.Fatalf("Expected unavailable when the queue fails, got %v", err)
	}
	jobs, _ := f.downloads.ListByOwner(ctx, "owner-1", 10, 0)
	if len(jobs) != 1 || jobs[0].Status != models.DownloadFailed {
		t.Errorf("Expected the unqueued record to be marked failed, got %+v", jobs)
	}
}

func TestBatchQueueDownloads_IsolatesFailures(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()

	if _, err := f.orch.QueueDownload(ctx, "owner-1", "src-2"); err != nil {
		t.Fatalf("QueueDownload failed: %v", err)
	}

	results := f.orch.BatchQueueDownloads(ctx, "owner-1", []string{"src-1", "src-2", "missing", "src-3"})
	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}

	want := []BatchStatus{BatchQueued, BatchDuplicate, BatchError, BatchQueued}
	for i, r := range results {
		if r.Status != want[i] {
			t.Errorf("item %d (%s): expected %s, got %s (%s)", i, r.SourceID, want[i], r.Status, r.Error)
		}
	}
	if results[1].Code != apperrors.CodeAlreadyInProgress {
		t.Errorf("Expected duplicate code, got %s", results[1].Code)
	}
	if results[2].Code != apperrors.CodeNotFound {
		t.Errorf("Expected not found code, got %s", results[2].Code)
	}
	if results[3].Job == nil {
		t.Error("Expected queued item to carry its job")
	}
}

func TestCancelDownload(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()

	job, _ := f.orch.QueueDownload(ctx, "owner-1", "src-1")

	cancelled, err := f.orch.CancelDownload(ctx, "owner-1", job.ID)
	if err != nil {
		t.Fatalf("CancelDownload failed: %v", err)
	}
	if cancelled.Status != models.DownloadCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}
	if len(f.queue.removed) != 1 || f.queue.removed[0] != job.QueueJobID {
		t.Errorf("Expected pending job to be removed from the queue, got %v", f.queue.removed)
	}

	// cancelling a terminal job is a no-op
	again, err := f.orch.CancelDownload(ctx, "owner-1", job.ID)
	if err != nil || again.Status != models.DownloadCancelled {
		t.Errorf("Expected no-op, got %v / %v", again, err)
	}
	if len(f.queue.removed) != 1 {
		t.Error("Expected no further queue removal")
	}

	if _, err := f.orch.CancelDownload(ctx, "owner-2", job.ID); !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("Expected not found for another owner, got %v", err)
	}
}

func TestRetryDownload(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()

	job, _ := f.orch.QueueDownload(ctx, "owner-1", "src-1")

	if _, err := f.orch.RetryDownload(ctx, "owner-1", job.ID); !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Errorf("Expected conflict retrying an active download, got %v", err)
	}

	f.downloads.Fail(ctx, job.ID, "boom")

	retried, err := f.orch.RetryDownload(ctx, "owner-1", job.ID)
	if err != nil {
		t.Fatalf("RetryDownload failed: %v", err)
	}
	if retried.ID == job.ID || retried.QueueJobID == job.QueueJobID {
		t.Error("Expected a new record and queue job id")
	}
	if _, err := f.downloads.Get(ctx, job.ID); err == nil {
		t.Error("Expected the failed record to be removed")
	}
}

func TestDeleteDownload_IgnoresStorageErrors(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	job := f.completedDownload("dl-1", "owner-1")
	f.objects.deleteErr = errors.New("bucket unreachable")

	if err := f.orch.DeleteDownload(ctx, "owner-1", job.ID); err != nil {
		t.Fatalf("DeleteDownload failed: %v", err)
	}
	if f.downloads.count() != 0 {
		t.Error("Expected record to be deleted")
	}
}

func TestDeleteDownload_RemovesArtifact(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	job := f.completedDownload("dl-1", "owner-1")

	if err := f.orch.DeleteDownload(ctx, "owner-1", job.ID); err != nil {
		t.Fatalf("DeleteDownload failed: %v", err)
	}
	if ok, _ := f.objects.Exists(ctx, job.StorageKey); ok {
		t.Error("Expected artifact to be deleted")
	}
}

func TestDownloadURL(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	done := f.completedDownload("dl-1", "owner-1")
	pending, _ := f.orch.QueueDownload(ctx, "owner-1", "src-1")

	url, err := f.orch.DownloadURL(ctx, "owner-1", done.ID)
	if err != nil {
		t.Fatalf("DownloadURL failed: %v", err)
	}
	if !strings.Contains(url, done.StorageKey) || !strings.Contains(url, "15m0s") {
		t.Errorf("Unexpected url %s", url)
	}

	if _, err := f.orch.DownloadURL(ctx, "owner-1", pending.ID); !apperrors.IsKind(err, apperrors.KindConflict) {
		t.Errorf("Expected conflict for an unfinished download, got %v", err)
	}
}

func TestSelectUploadMode(t *testing.T) {
	tests := []struct {
		name    string
		p       platform.Platform
		channel *models.Channel
		want    models.UploadMode
	}{
		{"tiktok unaudited", platform.TikTok, &models.Channel{AuditApproved: false}, models.UploadModeInbox},
		{"tiktok audited", platform.TikTok, &models.Channel{AuditApproved: true}, models.UploadModeDirect},
		{"tiktok no channel", platform.TikTok, nil, models.UploadModeInbox},
		{"youtube", platform.YouTube, &models.Channel{}, models.UploadModeDirect},
		{"instagram", platform.Instagram, &models.Channel{}, models.UploadModeDirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectUploadMode(tt.p, tt.channel); got != tt.want {
				t.Errorf("SelectUploadMode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestQueueUpload(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	dl := f.completedDownload("dl-1", "owner-1")

	job, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-tiktok", Title: "clip"})
	if err != nil {
		t.Fatalf("QueueUpload failed: %v", err)
	}
	if job.Mode != models.UploadModeInbox {
		t.Errorf("Expected inbox mode for an unaudited TikTok channel, got %s", job.Mode)
	}
	if job.Platform != "tiktok" || job.QueueJobID != "upload-"+job.ID {
		t.Errorf("Unexpected job %+v", job)
	}
	f.queue.job(t, queue.KindUpload, job.QueueJobID)
}

func TestQueueUpload_Rejections(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	dl := f.completedDownload("dl-1", "owner-1")
	f.downloads.put(&models.DownloadJob{ID: "dl-pending", OwnerID: "owner-1", Status: models.DownloadPending})
	f.channels["ch-other"] = &models.Channel{ID: "ch-other", OwnerID: "owner-2", Platform: "youtube"}

	tests := []struct {
		name string
		req  UploadRequest
		kind apperrors.Kind
	}{
		{"missing title", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-youtube"}, apperrors.KindValidation},
		{"unknown download", UploadRequest{DownloadID: "nope", ChannelID: "ch-youtube", Title: "t"}, apperrors.KindNotFound},
		{"unfinished download", UploadRequest{DownloadID: "dl-pending", ChannelID: "ch-youtube", Title: "t"}, apperrors.KindValidation},
		{"foreign channel", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-other", Title: "t"}, apperrors.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.QueueUpload(ctx, "owner-1", tt.req)
			if !apperrors.IsKind(err, tt.kind) {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestQueueUpload_DailyCap(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	dl := f.completedDownload("dl-1", "owner-1")

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return now }

	// yesterday's uploads do not count
	f.uploads.put(&models.UploadJob{ID: "old", OwnerID: "owner-1", Platform: "tiktok", Status: models.UploadCompleted, CreatedAt: now.Add(-16 * time.Hour)})
	// neither do cancelled ones
	f.uploads.put(&models.UploadJob{ID: "cancelled", OwnerID: "owner-1", Platform: "tiktok", Status: models.UploadCancelled, CreatedAt: now.Add(-time.Hour)})
	for i := 0; i < 4; i++ {
		f.uploads.put(&models.UploadJob{
			ID:        fmt.Sprintf("today-%d", i),
			OwnerID:   "owner-1",
			Platform:  "tiktok",
			Status:    models.UploadCompleted,
			CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
		})
	}

	_, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-tiktok", Title: "t"})
	if !apperrors.HasCode(err, apperrors.CodeDailyUploadLimit) {
		t.Fatalf("Expected DAILY_UPLOAD_LIMIT, got %v", err)
	}

	// the cap only applies to the capped platform
	if _, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-youtube", Title: "t"}); err != nil {
		t.Errorf("Expected youtube upload to be admitted, got %v", err)
	}

	// the next day starts a new window
	now = now.Add(10 * time.Hour)
	if _, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-tiktok", Title: "t"}); err != nil {
		t.Errorf("Expected upload after midnight to be admitted, got %v", err)
	}
}

func TestQueueUpload_ActiveLimit(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	dl := f.completedDownload("dl-1", "owner-1")

	for i := 0; i < 3; i++ {
		if _, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-youtube", Title: "t"}); err != nil {
			t.Fatalf("QueueUpload %d failed: %v", i, err)
		}
	}

	_, err := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-youtube", Title: "t"})
	if !apperrors.HasCode(err, apperrors.CodeTooManyUploads) {
		t.Errorf("Expected TOO_MANY_ACTIVE_UPLOADS, got %v", err)
	}
}

func TestRetryAndCancelUpload(t *testing.T) {
	f := newOrchestratorFixture()
	ctx := context.Background()
	dl := f.completedDownload("dl-1", "owner-1")

	job, _ := f.orch.QueueUpload(ctx, "owner-1", UploadRequest{DownloadID: dl.ID, ChannelID: "ch-youtube", Title: "t", Description: "d"})

	cancelled, err := f.orch.CancelUpload(ctx, "owner-1", job.ID)
	if err != nil || cancelled.Status != models.UploadCancelled {
		t.Fatalf("Expected CANCELLED, got %v / %v", cancelled, err)
	}

	retried, err := f.orch.RetryUpload(ctx, "owner-1", job.ID)
	if err != nil {
		t.Fatalf("RetryUpload failed: %v", err)
	}
	if retried.ID == job.ID || retried.Description != "d" || retried.Status != models.UploadPending {
		t.Errorf("Unexpected retried job %+v", retried)
	}
	if _, err := f.uploads.Get(ctx, job.ID); err == nil {
		t.Error("Expected the cancelled record to be replaced")
	}

	if err := f.orch.DeleteUpload(ctx, "owner-1", retried.ID); err != nil {
		t.Fatalf("DeleteUpload failed: %v", err)
	}
	if _, err := f.orch.GetUpload(ctx, "owner-1", retried.ID); !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Errorf("Expected deleted upload to be gone, got %v", err)
	}
}
