package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceURL    = "url"
	SourceObject = "object"
)

// CreateThumbnailRequest is the body of POST /v1/thumbnails. URL-sourced jobs
// are enqueued immediately; object-sourced jobs receive a presigned PUT URL
// and wait for an explicit start once the RAW file has been uploaded.
// UploadURL is where the finished thumbnail is POSTed; when omitted on an
// object-sourced job the thumbnail is written back to the bucket instead.
type CreateThumbnailRequest struct {
	Source     string            `json:"source"`
	RawFileURL string            `json:"raw_file_url,omitempty"`
	UploadURL  string            `json:"upload_url"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Options    ConversionOptions `json:"options"`
}

// ThumbnailJob tracks one asynchronous RAW-to-thumbnail conversion.
type ThumbnailJob struct {
	ID         string
	Status     string
	Source     string
	RawFileURL string
	ObjectKey  string
	UploadURL  string
	WebhookURL string
	Options    ConversionOptions
	Result     JobResult
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobResult records what the worker produced for a finished job.
type JobResult struct {
	StorageID   string `json:"storage_id,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	OutputBytes int    `json:"output_bytes,omitempty"`
}

func (r CreateThumbnailRequest) Validate() error {
	source := strings.ToLower(strings.TrimSpace(r.Source))
	if source == "" {
		return errors.New("source is required")
	}
	if source != SourceURL && source != SourceObject {
		return fmt.Errorf("unsupported source: %s", r.Source)
	}
	if source == SourceURL {
		if err := validateHTTPURL(r.RawFileURL, "raw_file_url"); err != nil {
			return err
		}
	}
	if strings.TrimSpace(r.UploadURL) != "" {
		if err := validateHTTPURL(r.UploadURL, "upload_url"); err != nil {
			return err
		}
	} else if source == SourceURL {
		return errors.New("upload_url is required for url-sourced jobs")
	}
	if strings.TrimSpace(r.WebhookURL) != "" {
		if err := validateHTTPURL(r.WebhookURL, "webhook_url"); err != nil {
			return err
		}
	}
	if err := r.Options.Normalize().Validate(); err != nil {
		return err
	}
	return nil
}

func validateHTTPURL(raw, field string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must have a host", field)
	}
	return nil
}
