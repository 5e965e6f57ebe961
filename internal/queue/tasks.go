package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeGenerateThumbnail = "thumbnail:generate"

type GenerateThumbnailPayload struct {
	JobID       string                   `json:"job_id"`
	Source      string                   `json:"source"`
	RawFileURL  string                   `json:"raw_file_url,omitempty"`
	ObjectKey   string                   `json:"object_key,omitempty"`
	UploadURL   string                   `json:"upload_url,omitempty"`
	WebhookURL  string                   `json:"webhook_url,omitempty"`
	Options     domain.ConversionOptions `json:"options"`
	RequestedAt time.Time                `json:"requested_at"`
}

func NewGenerateThumbnailTask(payload GenerateThumbnailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal thumbnail payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateThumbnail, body), nil
}

func ParseGenerateThumbnailPayload(task *asynq.Task) (GenerateThumbnailPayload, error) {
	var payload GenerateThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerateThumbnailPayload{}, fmt.Errorf("unmarshal thumbnail payload: %w", err)
	}
	return payload, nil
}
