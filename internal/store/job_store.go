package store

import (
	"context"

	"github.com/Gleato/rawthumb/internal/domain"
)

type JobStore interface {
	Create(ctx context.Context, job domain.ThumbnailJob) error
	Get(ctx context.Context, id string) (domain.ThumbnailJob, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.ThumbnailJob, error)
	// MarkFailed records the terminal status together with the user-facing
	// error message.
	MarkFailed(ctx context.Context, id, message string) (domain.ThumbnailJob, error)
	// SetResult stores what the worker produced and marks the job succeeded.
	SetResult(ctx context.Context, id string, result domain.JobResult) (domain.ThumbnailJob, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
