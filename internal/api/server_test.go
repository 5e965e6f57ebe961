package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/Gleato/rawthumb/internal/pipeline"
	"github.com/Gleato/rawthumb/internal/queue"
	"github.com/Gleato/rawthumb/internal/rawdec"
	"github.com/Gleato/rawthumb/internal/rawdec/rawdectest"
	"github.com/Gleato/rawthumb/internal/store"
	"github.com/hibiken/asynq"
)

type fakeQueue struct {
	payloads []queue.GenerateThumbnailPayload
}

func (q *fakeQueue) EnqueueGenerateThumbnail(_ context.Context, payload queue.GenerateThumbnailPayload) (*asynq.TaskInfo, error) {
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: "thumbnails"}, nil
}

type fakeStorage struct {
	exists bool
}

func (fakeStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://storage.test/" + objectKey + "?signed=1", nil
}

func (s fakeStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return s.exists, nil
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *fakeQueue, *store.MemoryJobStore) {
	t.Helper()

	queueClient := &fakeQueue{}
	jobStore := store.NewMemoryJobStore()
	cfg := Config{
		Logger:         log.New(io.Discard, "", 0),
		Converter:      pipeline.NewConverter(rawdec.NewDecoder(), 0),
		QueueClient:    queueClient,
		JobStore:       jobStore,
		Storage:        fakeStorage{exists: true},
		ConvertTimeout: 5 * time.Second,
		ConvertSlots:   2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, queueClient, jobStore
}

func multipartUpload(t *testing.T, file []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "shot.dng")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(file); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func decodeErrorKind(t *testing.T, body io.Reader) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return envelope.Error.Kind
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestConvertReturnsEncodedImage(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	raw := rawdectest.TIFFRaw(t, rawdectest.Options{Width: 96, Height: 64})
	body, contentType := multipartUpload(t, raw, map[string]string{
		"width":  "48",
		"height": "48",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %q", got)
	}
	if got := rec.Header().Get("X-Rawthumb-Width"); got != "48" {
		t.Fatalf("expected width header 48, got %q", got)
	}
	if got := rec.Header().Get("X-Rawthumb-Source-Width"); got != "96" {
		t.Fatalf("expected source width header 96, got %q", got)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte{0xFF, 0xD8}) {
		t.Fatal("expected JPEG output")
	}
}

func TestConvertOversizedUpload(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.MaxUploadBytes = 1024
		cfg.Converter = pipeline.NewConverter(rawdec.NewDecoder(), 1024)
	})
	body, contentType := multipartUpload(t, make([]byte, 4096), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if kind := decodeErrorKind(t, rec.Body); kind != string(domain.KindPayloadTooLarge) {
		t.Fatalf("expected payload_too_large, got %s", kind)
	}
}

func TestConvertTruncatedContainer(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	raw := rawdectest.TIFFRaw(t, rawdectest.Options{Width: 96, Height: 64})
	body, contentType := multipartUpload(t, rawdectest.Truncate(raw, 0.5), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if kind := decodeErrorKind(t, rec.Body); kind != string(domain.KindCorruptData) {
		t.Fatalf("expected corrupt_data, got %s", kind)
	}
}

func TestConvertInvalidOptions(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	raw := rawdectest.TIFFRaw(t, rawdectest.Options{})
	body, contentType := multipartUpload(t, raw, map[string]string{"quality": "not-a-number"})

	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if kind := decodeErrorKind(t, rec.Body); kind != string(domain.KindInvalidOptions) {
		t.Fatalf("expected invalid_options, got %s", kind)
	}
}

type blockingDecoder struct {
	release chan struct{}
}

func (d *blockingDecoder) Decode(ctx context.Context, _ []byte) (*rawdec.DecodedImage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.release:
		return nil, domain.Errorf(domain.KindInternal, "released without output")
	}
}

func TestConvertRejectsWhenSaturated(t *testing.T) {
	decoder := &blockingDecoder{release: make(chan struct{})}
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.ConvertSlots = 1
		cfg.Converter = pipeline.NewConverter(decoder, 0)
	})
	defer close(decoder.release)

	raw := rawdectest.TIFFRaw(t, rawdectest.Options{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		body, contentType := multipartUpload(t, raw, nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
		req.Header.Set("Content-Type", contentType)
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()

	// Wait for the first request to claim the only slot.
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.sem) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never claimed a slot")
		}
		time.Sleep(time.Millisecond)
	}

	body, contentType := multipartUpload(t, raw, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if kind := decodeErrorKind(t, rec.Body); kind != string(domain.KindOverloaded) {
		t.Fatalf("expected overloaded, got %s", kind)
	}

	<-firstDone
}

func TestConvertTimesOut(t *testing.T) {
	decoder := &blockingDecoder{release: make(chan struct{})}
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.ConvertTimeout = 20 * time.Millisecond
		cfg.Converter = pipeline.NewConverter(decoder, 0)
	})
	defer close(decoder.release)

	raw := rawdectest.TIFFRaw(t, rawdectest.Options{})
	body, contentType := multipartUpload(t, raw, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if kind := decodeErrorKind(t, rec.Body); kind != string(domain.KindTimeout) {
		t.Fatalf("expected timeout, got %s", kind)
	}
}

func TestCreateThumbnailURLSource(t *testing.T) {
	srv, queueClient, jobStore := newTestServer(t, nil)

	body := strings.NewReader(`{
		"source": "url",
		"raw_file_url": "https://photos.test/shot.nef",
		"upload_url": "https://storage.test/upload",
		"options": {"target_width": 800, "target_height": 600}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/thumbnails", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", resp.Status)
	}

	if len(queueClient.payloads) != 1 {
		t.Fatalf("expected 1 enqueued payload, got %d", len(queueClient.payloads))
	}
	if queueClient.payloads[0].JobID != resp.JobID {
		t.Fatalf("payload job id %s does not match response %s", queueClient.payloads[0].JobID, resp.JobID)
	}

	job, ok, err := jobStore.Get(context.Background(), resp.JobID)
	if err != nil || !ok {
		t.Fatalf("expected stored job, got ok=%t err=%v", ok, err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected stored job queued, got %s", job.Status)
	}
}

func TestCreateThumbnailObjectSource(t *testing.T) {
	srv, queueClient, _ := newTestServer(t, nil)

	body := strings.NewReader(`{"source": "object", "options": {}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/thumbnails", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Upload struct {
			ObjectKey       string `json:"object_key"`
			PresignedPutURL string `json:"presigned_put_url"`
		} `json:"upload"`
		StartURL string `json:"start_url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != domain.JobStatusCreated {
		t.Fatalf("expected created, got %s", resp.Status)
	}
	if resp.Upload.PresignedPutURL == "" {
		t.Fatal("expected presigned put URL")
	}
	if len(queueClient.payloads) != 0 {
		t.Fatal("object-sourced jobs must not enqueue before start")
	}

	startReq := httptest.NewRequest(http.MethodPost, resp.StartURL, nil)
	startRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(startRec, startReq)

	if startRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d: %s", startRec.Code, startRec.Body.String())
	}
	if len(queueClient.payloads) != 1 {
		t.Fatalf("expected 1 enqueued payload after start, got %d", len(queueClient.payloads))
	}
	if queueClient.payloads[0].ObjectKey != resp.Upload.ObjectKey {
		t.Fatalf("payload object key %s does not match %s", queueClient.payloads[0].ObjectKey, resp.Upload.ObjectKey)
	}
}

func TestStartJobRequiresUploadedObject(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.Storage = fakeStorage{exists: false}
	})

	body := strings.NewReader(`{"source": "object", "options": {}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/thumbnails", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp struct {
		StartURL string `json:"start_url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	startRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(startRec, httptest.NewRequest(http.MethodPost, resp.StartURL, nil))

	if startRec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", startRec.Code)
	}
}

func TestStartJobUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/nope/start", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetJobReportsResult(t *testing.T) {
	srv, _, jobStore := newTestServer(t, nil)

	job := domain.ThumbnailJob{
		ID:        "job-9",
		Status:    domain.JobStatusProcessing,
		Source:    domain.SourceURL,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := jobStore.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := jobStore.SetResult(context.Background(), "job-9", domain.JobResult{
		StorageID: "thumbnails/job-9.jpeg",
		Width:     800,
		Height:    533,
	}); err != nil {
		t.Fatalf("set result: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-9", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status string           `json:"status"`
		Result domain.JobResult `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", resp.Status)
	}
	if resp.Result.StorageID != "thumbnails/job-9.jpeg" {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestGetJobUnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConvertClientDisconnect(t *testing.T) {
	decoder := &blockingDecoder{release: make(chan struct{})}
	var logBuf bytes.Buffer
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.Logger = log.New(&logBuf, "", 0)
		cfg.Converter = pipeline.NewConverter(decoder, 0)
	})
	defer close(decoder.release)

	raw := rawdectest.TIFFRaw(t, rawdectest.Options{})
	body, contentType := multipartUpload(t, raw, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/convert", body)
	req.Header.Set("Content-Type", contentType)

	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req.WithContext(ctx))

	if rec.Code == http.StatusInternalServerError {
		t.Fatal("a disconnected client must not be reported as an internal failure")
	}
	if kind := decodeErrorKind(t, rec.Body); kind != string(domain.KindTimeout) {
		t.Fatalf("expected timeout, got %s", kind)
	}
	if logBuf.Len() != 0 {
		t.Fatalf("expected no operator logging for a disconnect, got %q", logBuf.String())
	}
}

func TestParseFormOptionsReportsFieldsInFixedOrder(t *testing.T) {
	newRequest := func() *http.Request {
		form := url.Values{}
		form.Set("quality", "high")
		form.Set("width", "wide")
		form.Set("height", "tall")
		req := httptest.NewRequest(http.MethodPost, "/v1/convert", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	_, first := parseFormOptions(newRequest())
	if first == nil {
		t.Fatal("expected error for invalid numeric fields")
	}
	if !strings.Contains(first.Error(), "quality") {
		t.Fatalf("expected quality to be reported first, got %q", first.Error())
	}

	for i := 0; i < 10; i++ {
		_, err := parseFormOptions(newRequest())
		if err == nil || err.Error() != first.Error() {
			t.Fatalf("expected identical error on every run, got %v and %v", first, err)
		}
	}
}
