package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/pkg/queue"
	"github.com/garage-scan/backend/pkg/storage"
)

// Jobs is the queue surface the processor needs.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (deadLettered bool, err error)
}

// Results publishes a finished batch back to the server owning the session.
type Results interface {
	PublishResult(ctx context.Context, sessionID string, batch detector.Batch) error
}

// DetectProcessor processes detection jobs: load chunk from the store, run the detector, publish the result.
type DetectProcessor struct {
	jobs     Jobs
	store    storage.ChunkStore
	detector detector.Detector
	results  Results
	maxBytes int64
	backoff  time.Duration
	logger   *zap.Logger
}

// NewDetectProcessor creates a detection job processor.
func NewDetectProcessor(jobs Jobs, store storage.ChunkStore, det detector.Detector, results Results, maxBytes int64, logger *zap.Logger) *DetectProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectProcessor{
		jobs:     jobs,
		store:    store,
		detector: det,
		results:  results,
		maxBytes: maxBytes,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// Process executes one detection job. Detector failures are absorbed into an
// empty batch; only storage and relay failures are returned for retry.
func (p *DetectProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := queue.DecodeDetect(job)
	if err != nil {
		return err
	}

	data, contentType, err := p.store.Get(ctx, payload.ChunkKey, p.maxBytes)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// chunk already consumed by an earlier attempt; still report the frame
			p.logger.Warn("chunk missing, publishing empty batch", zap.String("key", payload.ChunkKey))
			return p.publish(ctx, payload.SessionID, detector.Batch{Seq: payload.Seq, Detections: []detector.Detection{}})
		}
		return fmt.Errorf("load chunk: %w", err)
	}
	if payload.ContentType != "" {
		contentType = payload.ContentType
	}

	chunk := detector.Chunk{SessionID: payload.SessionID, Seq: payload.Seq, ContentType: contentType, Data: data}
	batch := detector.Absorb(ctx, p.detector, chunk, p.logger)

	if err := p.publish(ctx, payload.SessionID, batch); err != nil {
		return err
	}
	if err := p.store.Delete(ctx, payload.ChunkKey); err != nil {
		p.logger.Warn("delete chunk failed", zap.String("key", payload.ChunkKey), zap.Error(err))
	}
	p.logger.Info("detect job completed",
		zap.String("session_id", payload.SessionID),
		zap.Int64("seq", payload.Seq),
		zap.Int("detections", len(batch.Detections)),
	)
	return nil
}

func (p *DetectProcessor) publish(ctx context.Context, sessionID string, batch detector.Batch) error {
	if err := p.results.PublishResult(ctx, sessionID, batch); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *DetectProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("detect worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, p.backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			p.retry(ctx, job)
			sleep(ctx, p.backoff)
		}
	}
}

// retry re-enqueues a failed job; a dead-lettered job still owes its session
// one completion, so an empty batch is reported for it.
func (p *DetectProcessor) retry(ctx context.Context, job *queue.Job) {
	deadLettered, err := p.jobs.Retry(ctx, job)
	if err != nil {
		p.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if !deadLettered && err == nil {
		return
	}
	payload, decErr := queue.DecodeDetect(job)
	if decErr != nil {
		return
	}
	empty := detector.Batch{Seq: payload.Seq, Detections: []detector.Detection{}}
	if pubErr := p.results.PublishResult(ctx, payload.SessionID, empty); pubErr != nil {
		p.logger.Error("could not release abandoned job", zap.String("job_id", job.ID), zap.Error(pubErr))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
