package store

import (
	"context"
	"testing"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
)

func seedJob(t *testing.T, s *MemoryJobStore) domain.ThumbnailJob {
	t.Helper()
	job := domain.ThumbnailJob{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		Source:     domain.SourceURL,
		RawFileURL: "https://example.com/shot.dng",
		UploadURL:  "https://example.com/upload",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestMemoryJobStoreLifecycle(t *testing.T) {
	s := NewMemoryJobStore()
	seedJob(t, s)

	got, ok, err := s.Get(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("expected job, got ok=%t err=%v", ok, err)
	}
	if got.Status != domain.JobStatusCreated {
		t.Fatalf("expected created status, got %s", got.Status)
	}

	updated, err := s.UpdateStatus(context.Background(), "job-1", domain.JobStatusProcessing)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != domain.JobStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}

	done, err := s.SetResult(context.Background(), "job-1", domain.JobResult{
		StorageID:   "st-1",
		Width:       800,
		Height:      533,
		OutputBytes: 12345,
	})
	if err != nil {
		t.Fatalf("set result: %v", err)
	}
	if done.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", done.Status)
	}
	if done.Result.StorageID != "st-1" || done.Result.Width != 800 {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
}

func TestMemoryJobStoreMarkFailed(t *testing.T) {
	s := NewMemoryJobStore()
	seedJob(t, s)

	failed, err := s.MarkFailed(context.Background(), "job-1", "corrupt_data: truncated container")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.Error == "" {
		t.Fatal("expected error message to be recorded")
	}
}

func TestMemoryJobStoreUnknownJob(t *testing.T) {
	s := NewMemoryJobStore()

	if _, err := s.UpdateStatus(context.Background(), "nope", domain.JobStatusQueued); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("expected missing job, got ok=%t err=%v", ok, err)
	}
}

func TestMemoryJobStoreUsageLogs(t *testing.T) {
	s := NewMemoryJobStore()
	if err := s.CreateUsageLog(context.Background(), domain.UsageLog{
		JobID:         "job-1",
		PixelsDecoded: 6144,
		OutputBytes:   2048,
		ComputeTimeMS: 12,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create usage log: %v", err)
	}

	logs := s.UsageLogs()
	if len(logs) != 1 || logs[0].PixelsDecoded != 6144 {
		t.Fatalf("unexpected usage logs: %+v", logs)
	}
}
