// Package pipeline moves accepted chunks through a detector and reports the
// resulting batches back to the session.
package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/session"
)

// Publisher delivers a batch to a session's subscribers.
type Publisher interface {
	Publish(sessionID string, batch detector.Batch) error
}

// Completer counts a chunk as processed.
type Completer interface {
	MarkProcessed(sessionID string) int
}

// Recorder persists a batch (scan history). Failures are the recorder's to log.
type Recorder interface {
	RecordBatch(ctx context.Context, sessionID string, batch detector.Batch)
}

// Tombstones remembers sessions this instance owned and has since destroyed.
type Tombstones interface {
	Destroyed(sessionID string) bool
}

// Sink is the single exit of every detection job: publish, record, then mark processed.
type Sink struct {
	publisher Publisher
	completer Completer
	recorder  Recorder
	owned     Tombstones
	logger    *zap.Logger
}

// NewSink creates a result sink.
func NewSink(publisher Publisher, completer Completer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{publisher: publisher, completer: completer, logger: logger}
}

// SetRecorder attaches optional scan history.
func (s *Sink) SetRecorder(r Recorder) {
	s.recorder = r
}

// SetTombstones makes the sink ignore results for sessions this instance never
// held. Needed when several servers share one result channel.
func (s *Sink) SetTombstones(t Tombstones) {
	s.owned = t
}

// Complete finishes one job. It must be called exactly once per accepted chunk.
func (s *Sink) Complete(ctx context.Context, sessionID string, batch detector.Batch) {
	if batch.Detections == nil {
		batch.Detections = []detector.Detection{}
	}
	if err := s.publisher.Publish(sessionID, batch); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("publish batch failed", zap.String("session_id", sessionID), zap.Int64("seq", batch.Seq), zap.Error(err))
		} else if s.owned != nil && !s.owned.Destroyed(sessionID) {
			s.logger.Debug("result for foreign session skipped", zap.String("session_id", sessionID), zap.Int64("seq", batch.Seq))
			return
		}
	}
	if s.recorder != nil {
		s.recorder.RecordBatch(ctx, sessionID, batch)
	}
	depth := s.completer.MarkProcessed(sessionID)
	s.logger.Debug("chunk processed",
		zap.String("session_id", sessionID),
		zap.Int64("seq", batch.Seq),
		zap.Int("detections", len(batch.Detections)),
		zap.Int("depth", depth),
	)
}
