package queue

import (
	"testing"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
)

func TestGenerateThumbnailTaskRoundTrip(t *testing.T) {
	payload := GenerateThumbnailPayload{
		JobID:      "job-123",
		Source:     domain.SourceURL,
		RawFileURL: "https://example.com/shot.dng",
		UploadURL:  "https://example.com/upload",
		Options: domain.ConversionOptions{
			Format:       domain.FormatJPEG,
			Quality:      85,
			TargetWidth:  800,
			TargetHeight: 600,
		},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewGenerateThumbnailTask(payload)
	if err != nil {
		t.Fatalf("NewGenerateThumbnailTask returned error: %v", err)
	}
	if task.Type() != TypeGenerateThumbnail {
		t.Fatalf("expected task type %s, got %s", TypeGenerateThumbnail, task.Type())
	}

	parsed, err := ParseGenerateThumbnailPayload(task)
	if err != nil {
		t.Fatalf("ParseGenerateThumbnailPayload returned error: %v", err)
	}

	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if parsed.Options.TargetWidth != 800 || parsed.Options.TargetHeight != 600 {
		t.Fatalf("unexpected options: %+v", parsed.Options)
	}
}
