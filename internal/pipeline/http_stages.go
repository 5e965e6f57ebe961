package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Gleato/rawthumb/internal/domain"
)

// HTTPFetcher streams the RAW file from the job's source URL, enforcing a
// byte cap while reading so an oversized remote file never fully lands in
// memory.
type HTTPFetcher struct {
	Client     *http.Client
	LimitBytes int64
}

func (f HTTPFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.RawFileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch source %s: %w", req.RawFileURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch source %s: status %d", req.RawFileURL, resp.StatusCode)
	}

	if f.LimitBytes > 0 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, f.LimitBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read source body: %w", err)
		}
		if int64(len(data)) > f.LimitBytes {
			return nil, domain.Errorf(domain.KindPayloadTooLarge,
				"source file exceeds limit of %d bytes", f.LimitBytes)
		}
		return data, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read source body: %w", err)
	}
	return data, nil
}

// HTTPUploadEmitter posts the encoded image to the job's upload URL and reads
// the storage identifier back from the JSON response body.
type HTTPUploadEmitter struct {
	Client *http.Client
}

type uploadResponse struct {
	StorageID string `json:"storageId"`
}

func (e HTTPUploadEmitter) Emit(ctx context.Context, req Request, res Result) (string, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.UploadURL, bytes.NewReader(res.Data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", res.ContentType)
	httpReq.ContentLength = int64(len(res.Data))

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if strings.TrimSpace(parsed.StorageID) == "" {
		return "", fmt.Errorf("upload response is missing storageId")
	}

	return parsed.StorageID, nil
}
