// Package api exposes the HTTP surface: the synchronous conversion endpoint
// and the asynchronous thumbnail job endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/Gleato/rawthumb/internal/id"
	"github.com/Gleato/rawthumb/internal/pipeline"
	"github.com/Gleato/rawthumb/internal/queue"
	"github.com/Gleato/rawthumb/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

// multipart parse overhead allowed on top of the file size limit
const multipartOverheadBytes = 1 << 20

type Server struct {
	logger                *log.Logger
	converter             *pipeline.Converter
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	presignTTL            time.Duration
	convertTimeout        time.Duration
	maxUploadBytes        int64
	sem                   chan struct{}
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type Config struct {
	Logger         *log.Logger
	Converter      *pipeline.Converter
	QueueClient    queueEnqueuer
	JobStore       store.JobStore
	Storage        objectStorage
	PresignTTL     time.Duration
	ConvertTimeout time.Duration
	ConvertSlots   int
	MaxUploadBytes int64
	RateLimiter    RateLimiter
	// RateLimitUserIDHeader names the request header carrying the caller
	// identity for rate limiting. Defaults to X-User-ID.
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
}

type queueEnqueuer interface {
	EnqueueGenerateThumbnail(ctx context.Context, payload queue.GenerateThumbnailPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Converter == nil {
		return nil, errors.New("converter is required")
	}
	if cfg.JobStore == nil {
		return nil, errors.New("job store is required")
	}
	if cfg.Storage == nil {
		cfg.Storage = unavailableObjectStorage{}
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = 30 * time.Second
	}
	if cfg.ConvertSlots < 1 {
		cfg.ConvertSlots = 1
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if strings.TrimSpace(cfg.RateLimitUserIDHeader) == "" {
		cfg.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                cfg.Logger,
		converter:             cfg.Converter,
		queueClient:           cfg.QueueClient,
		jobStore:              cfg.JobStore,
		storage:               cfg.Storage,
		presignTTL:            cfg.PresignTTL,
		convertTimeout:        cfg.ConvertTimeout,
		maxUploadBytes:        cfg.MaxUploadBytes,
		sem:                   make(chan struct{}, cfg.ConvertSlots),
		rateLimiter:           cfg.RateLimiter,
		rateLimitUserIDHeader: cfg.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                cfg.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/convert", s.handleConvert)
	s.mux.HandleFunc("POST /v1/thumbnails", s.handleCreateThumbnail)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "rawthumb",
	})
}

// handleConvert is the synchronous path: decode the uploaded RAW file and
// stream the encoded result straight back. Admission is a fixed slot pool;
// when every slot is busy the request is rejected instead of queued.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.metrics.convertRejected.Inc()
		s.writeError(w, domain.Errorf(domain.KindOverloaded, "all conversion slots are busy"))
		return
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), s.convertTimeout)
	defer cancel()

	data, opts, err := s.parseConvertRequest(w, r)
	if err != nil {
		<-s.sem
		s.observeConvert(opts, err, started)
		s.writeError(w, err)
		return
	}

	type convertReply struct {
		res pipeline.Result
		err error
	}
	replyCh := make(chan convertReply, 1)
	go func() {
		// The slot is held until the conversion actually stops, which for
		// abandoned requests is the next stage boundary after cancellation.
		defer func() { <-s.sem }()
		res, convErr := s.converter.Convert(ctx, data, opts)
		replyCh <- convertReply{res: res, err: convErr}
	}()

	select {
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.Errorf(domain.KindTimeout, "conversion did not finish within %s", s.convertTimeout)
		}
		s.observeConvert(opts, err, started)
		s.writeError(w, err)
	case reply := <-replyCh:
		s.observeConvert(opts, reply.err, started)
		if reply.err != nil {
			s.writeError(w, reply.err)
			return
		}
		s.writeConvertResult(w, reply.res)
	}
}

func (s *Server) parseConvertRequest(w http.ResponseWriter, r *http.Request) ([]byte, domain.ConversionOptions, error) {
	var opts domain.ConversionOptions

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, opts, domain.Errorf(domain.KindInvalidOptions, "expected a multipart/form-data request")
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverheadBytes)
	if err := r.ParseMultipartForm(multipartOverheadBytes); err != nil {
		if isBodyTooLarge(err) {
			return nil, opts, domain.Errorf(domain.KindPayloadTooLarge,
				"upload exceeds limit of %d bytes", s.maxUploadBytes)
		}
		return nil, opts, domain.Errorf(domain.KindInvalidOptions, "malformed multipart body")
	}

	opts, err = parseFormOptions(r)
	if err != nil {
		return nil, opts, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, opts, domain.Errorf(domain.KindEmptyInput, "missing file part")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, opts, domain.Errorf(domain.KindPayloadTooLarge,
				"upload exceeds limit of %d bytes", s.maxUploadBytes)
		}
		return nil, opts, fmt.Errorf("read upload: %w", err)
	}
	return data, opts, nil
}

func parseFormOptions(r *http.Request) (domain.ConversionOptions, error) {
	var opts domain.ConversionOptions
	opts.Format = r.FormValue("format")

	// Fixed field order keeps the reported error stable when several
	// fields are invalid at once.
	for _, field := range []struct {
		name string
		into *int
	}{
		{"quality", &opts.Quality},
		{"width", &opts.TargetWidth},
		{"height", &opts.TargetHeight},
	} {
		value := strings.TrimSpace(r.FormValue(field.name))
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return opts, domain.Errorf(domain.KindInvalidOptions, "%s must be an integer, got %q", field.name, value)
		}
		*field.into = parsed
	}

	if value := strings.TrimSpace(r.FormValue("exact")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return opts, domain.Errorf(domain.KindInvalidOptions, "exact must be a boolean, got %q", value)
		}
		opts.Exact = parsed
	}
	return opts, nil
}

func isBodyTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func (s *Server) writeConvertResult(w http.ResponseWriter, res pipeline.Result) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("X-Rawthumb-Width", strconv.Itoa(res.Width))
	w.Header().Set("X-Rawthumb-Height", strconv.Itoa(res.Height))
	w.Header().Set("X-Rawthumb-Source-Width", strconv.Itoa(res.SourceWidth))
	w.Header().Set("X-Rawthumb-Source-Height", strconv.Itoa(res.SourceHeight))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *Server) observeConvert(opts domain.ConversionOptions, err error, started time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	format := opts.Normalize().Format
	s.metrics.convertTotal.WithLabelValues(format, outcome).Inc()
	s.metrics.convertDuration.WithLabelValues(format, outcome).Observe(time.Since(started).Seconds())
}

func (s *Server) handleCreateThumbnail(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateThumbnailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, domain.Errorf(domain.KindInvalidOptions, "%s", err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, domain.WrapError(domain.KindInvalidOptions, err, "invalid thumbnail request"))
		return
	}

	now := time.Now().UTC()
	source := strings.ToLower(strings.TrimSpace(req.Source))
	job := domain.ThumbnailJob{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		Source:     source,
		RawFileURL: strings.TrimSpace(req.RawFileURL),
		UploadURL:  strings.TrimSpace(req.UploadURL),
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Options:    req.Options.Normalize(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var (
		presignedPutURL string
		startURL        string
	)
	if source == domain.SourceObject {
		job.ObjectKey = fmt.Sprintf("uploads/%s/source", job.ID)
		url, err := s.storage.PresignedPutURL(r.Context(), job.ObjectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign failed job_id=%s err=%v", job.ID, err)
			s.writeError(w, domain.Errorf(domain.KindInternal, "failed to generate upload URL"))
			return
		}
		presignedPutURL = url
		startURL = fmt.Sprintf("/v1/jobs/%s/start", job.ID)
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		s.writeError(w, domain.Errorf(domain.KindInternal, "failed to create job"))
		return
	}

	// URL-sourced jobs have everything they need, so they go straight to
	// the queue. Object-sourced jobs wait for the upload and an explicit
	// start call.
	if source == domain.SourceURL {
		if err := s.enqueueJob(r.Context(), job); err != nil {
			s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
			s.writeError(w, domain.Errorf(domain.KindInternal, "failed to enqueue job"))
			return
		}
		job.Status = domain.JobStatusQueued
	}

	response := map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	}
	if source == domain.SourceObject {
		response["upload"] = map[string]string{
			"object_key":        job.ObjectKey,
			"presigned_put_url": presignedPutURL,
		}
		response["start_url"] = startURL
	}
	writeJSON(w, http.StatusAccepted, response)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		s.writeError(w, domain.Errorf(domain.KindInternal, "failed to load job"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if job.Source != domain.SourceObject {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job does not use an uploaded source"})
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is already %s", job.Status)})
		return
	}

	exists, err := s.storage.ObjectExists(r.Context(), job.ObjectKey)
	if err != nil {
		s.logger.Printf("source check failed job_id=%s err=%v", job.ID, err)
		s.writeError(w, domain.Errorf(domain.KindInternal, "source object check failed"))
		return
	}
	if !exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("source object is missing: %s", job.ObjectKey)})
		return
	}

	if err := s.enqueueJob(r.Context(), job); err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		s.writeError(w, domain.Errorf(domain.KindInternal, "failed to enqueue job"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": domain.JobStatusQueued,
	})
}

func (s *Server) enqueueJob(ctx context.Context, job domain.ThumbnailJob) error {
	if s.queueClient == nil {
		return errors.New("queue client is unavailable")
	}

	taskInfo, err := s.queueClient.EnqueueGenerateThumbnail(ctx, queue.GenerateThumbnailPayload{
		JobID:       job.ID,
		Source:      job.Source,
		RawFileURL:  job.RawFileURL,
		ObjectKey:   job.ObjectKey,
		UploadURL:   job.UploadURL,
		WebhookURL:  job.WebhookURL,
		Options:     job.Options,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	if _, err := s.jobStore.UpdateStatus(ctx, job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("status update failed job_id=%s err=%v", job.ID, err)
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.jobStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", r.PathValue("id"), err)
		s.writeError(w, domain.Errorf(domain.KindInternal, "failed to load job"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	response := map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"source":     job.Source,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Status == domain.JobStatusSucceeded {
		response["result"] = job.Result
	}
	if job.Error != "" {
		response["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, response)
}

// writeError maps the error's kind to a status code and reports the kind in
// the body so callers can branch without parsing messages. Internal failures
// are logged but never echoed back verbatim.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	message := err.Error()
	if !domain.Expected(kind) {
		if s.logger != nil {
			s.logger.Printf("request failed kind=%s err=%v", kind, err)
		}
		message = "internal error"
	}
	writeJSON(w, domain.HTTPStatus(kind), errorBody(kind, message))
}

func errorBody(kind domain.Kind, message string) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
