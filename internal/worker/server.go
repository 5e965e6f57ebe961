// Package worker consumes thumbnail jobs from the queue and drives the
// fetch-convert-emit pipeline for each one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Gleato/rawthumb/internal/config"
	"github.com/Gleato/rawthumb/internal/domain"
	"github.com/Gleato/rawthumb/internal/pipeline"
	"github.com/Gleato/rawthumb/internal/queue"
	"github.com/Gleato/rawthumb/internal/rawdec"
	"github.com/Gleato/rawthumb/internal/storage"
	"github.com/Gleato/rawthumb/internal/store"
	"github.com/Gleato/rawthumb/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	sem             chan struct{}
	urlProcessor    *pipeline.Processor
	objectProcessor *pipeline.Processor
	sourceCleaner   sourceCleaner
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	defaults        thumbnailDefaults
	metrics         *metrics
	tracer          trace.Tracer
}

type thumbnailDefaults struct {
	width   int
	height  int
	quality int
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// sourceCleaner deletes uploaded RAW files once their job has finished.
type sourceCleaner interface {
	RemoveObject(ctx context.Context, objectKey string) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	if jobStore == nil {
		return nil, errors.New("job store is required")
	}

	converter := pipeline.NewConverter(rawdec.NewDecoder(), workerCfg.FetchLimitBytes)
	emitter := pipeline.RouteEmitter{
		HTTP:        pipeline.HTTPUploadEmitter{},
		ObjectStore: pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: "thumbnails"},
	}

	urlProcessor, err := pipeline.NewProcessor(
		pipeline.HTTPFetcher{LimitBytes: workerCfg.FetchLimitBytes},
		converter,
		emitter,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize url processor: %w", err)
	}

	objectProcessor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		converter,
		emitter,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object processor: %w", err)
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var cleaner sourceCleaner
	if storageClient != nil {
		cleaner = storageClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:             make(chan struct{}, maxInt(1, workerCfg.MaxActiveJobs)),
		urlProcessor:    urlProcessor,
		objectProcessor: objectProcessor,
		sourceCleaner:   cleaner,
		webhookClient:   webhookClient,
		jobStore:        jobStore,
		usageStore:      usageStore,
		defaults: thumbnailDefaults{
			width:   workerCfg.ThumbnailWidth,
			height:  workerCfg.ThumbnailHeight,
			quality: workerCfg.ThumbnailQuality,
		},
		metrics: newMetrics(),
		tracer:  otel.Tracer("rawthumb/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateThumbnail, s.handleGenerateThumbnail)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleGenerateThumbnail(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseGenerateThumbnailPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.generate_thumbnail", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source", payload.Source),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.Source, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.Source, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s source=%s object_key=%s",
		payload.JobID,
		payload.Source,
		payload.ObjectKey,
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		Source:     payload.Source,
		RawFileURL: payload.RawFileURL,
		ObjectKey:  payload.ObjectKey,
		UploadURL:  payload.UploadURL,
		Options:    s.applyDefaults(payload.Options),
	}

	var result pipeline.Outcome
	switch payload.Source {
	case domain.SourceObject:
		result, err = s.objectProcessor.Process(ctx, request)
	default:
		result, err = s.urlProcessor.Process(ctx, request)
	}
	if err != nil {
		s.markJobFailed(ctx, payload.JobID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"source":       payload.Source,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if kind := domain.KindOf(err); deterministic(kind) {
			// The same bytes produce the same failure, so retrying burns
			// queue capacity without changing the outcome.
			return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	s.logger.Printf("Processed job_id=%s storage_id=%s size=%dx%d", payload.JobID, result.StorageID, result.Width, result.Height)
	s.setJobResult(ctx, payload.JobID, result)
	s.recordUsage(ctx, payload.JobID, result, time.Since(startedAt))
	outcome = domain.JobStatusSucceeded

	// The webhook goes out before the uploaded source is removed, and a
	// delivery failure never re-enqueues the job: the result is recorded and
	// the thumbnail delivered, so a re-run could only destroy that state.
	webhookErr := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source":       payload.Source,
		"storage_id":   result.StorageID,
		"width":        result.Width,
		"height":       result.Height,
		"output_bytes": result.OutputBytes,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
	})
	s.cleanupSource(ctx, payload)
	if webhookErr != nil {
		span.RecordError(webhookErr)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return fmt.Errorf("%v: %w", webhookErr, asynq.SkipRetry)
	}

	span.SetStatus(codes.Ok, "processed")
	return nil
}

// deterministic reports whether the failure depends only on the input bytes
// and options, in which case a retry cannot succeed.
func deterministic(kind domain.Kind) bool {
	switch kind {
	case domain.KindEmptyInput,
		domain.KindUnsupportedFormat,
		domain.KindCorruptData,
		domain.KindInvalidOptions,
		domain.KindEncodeFailed,
		domain.KindPayloadTooLarge:
		return true
	default:
		return false
	}
}

// applyDefaults fills in the configured thumbnail size for jobs that did not
// request explicit dimensions.
func (s *Server) applyDefaults(opts domain.ConversionOptions) domain.ConversionOptions {
	opts = opts.Normalize()
	if opts.TargetWidth == 0 && opts.TargetHeight == 0 && s.defaults.width > 0 && s.defaults.height > 0 {
		opts.TargetWidth = s.defaults.width
		opts.TargetHeight = s.defaults.height
	}
	if opts.Quality == domain.DefaultJPEGQuality && s.defaults.quality > 0 {
		opts.Quality = s.defaults.quality
	}
	return opts
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) markJobFailed(ctx context.Context, jobID string, cause error) {
	if s.jobStore == nil {
		return
	}

	message := cause.Error()
	if kind := domain.KindOf(cause); !domain.Expected(kind) {
		message = "internal error"
	}
	if _, err := s.jobStore.MarkFailed(ctx, jobID, message); err != nil {
		s.logger.Printf("job failure update failed job_id=%s err=%v", jobID, err)
	}
}

func (s *Server) setJobResult(ctx context.Context, jobID string, result pipeline.Outcome) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.SetResult(ctx, jobID, domain.JobResult{
		StorageID:   result.StorageID,
		Width:       result.Width,
		Height:      result.Height,
		OutputBytes: result.OutputBytes,
	}); err != nil {
		s.logger.Printf("job result update failed job_id=%s err=%v", jobID, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.GenerateThumbnailPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}

	return nil
}

func (s *Server) recordUsage(ctx context.Context, jobID string, result pipeline.Outcome, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		JobID:         jobID,
		PixelsDecoded: result.SourcePixels,
		OutputBytes:   int64(result.OutputBytes),
		ComputeTimeMS: computeTimeMS,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.pixelsDecodedTotal.Add(float64(result.SourcePixels))
	s.metrics.outputBytesTotal.Add(float64(result.OutputBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

// cleanupSource deletes the uploaded RAW file of a finished object-sourced
// job. Best effort: a stale source is an operator concern, not a job failure.
func (s *Server) cleanupSource(ctx context.Context, payload queue.GenerateThumbnailPayload) {
	if s.sourceCleaner == nil || payload.Source != domain.SourceObject {
		return
	}
	if strings.TrimSpace(payload.ObjectKey) == "" {
		return
	}
	if err := s.sourceCleaner.RemoveObject(ctx, payload.ObjectKey); err != nil {
		s.logger.Printf("source cleanup failed job_id=%s object_key=%s err=%v", payload.JobID, payload.ObjectKey, err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
