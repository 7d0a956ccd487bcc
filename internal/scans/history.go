// Package scans keeps a best-effort history of capture sessions in Postgres.
// History never fails a request: write errors are logged and dropped.
package scans

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/models"
	"github.com/garage-scan/backend/internal/session"
)

const writeTimeout = 3 * time.Second

// Store is the persistence surface History writes through.
type Store interface {
	Create(ctx context.Context, id string) (*models.ScanSession, error)
	Get(ctx context.Context, id string) (*models.ScanSession, error)
	End(ctx context.Context, id string) error
	IncrementAccepted(ctx context.Context, id string, size int) error
	RecordBatch(ctx context.Context, id string, batch detector.Batch) error
	LabelCounts(ctx context.Context, id string, limit int) ([]models.LabelCount, error)
}

// Summary is the stored view of one session.
type Summary struct {
	Session   *models.ScanSession `json:"session"`
	TopLabels []models.LabelCount `json:"top_labels"`
}

// History records session lifecycle, ingest and detection events.
type History struct {
	store  Store
	logger *zap.Logger
}

// NewHistory creates a history recorder over store.
func NewHistory(store Store, logger *zap.Logger) *History {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{store: store, logger: logger}
}

// Started records a new session.
func (h *History) Started(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := h.store.Create(ctx, id); err != nil {
		h.logger.Warn("record session start failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Stopped records the end of a session.
func (h *History) Stopped(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.store.End(ctx, id); err != nil {
		h.logger.Warn("record session stop failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Accepted matches ingest.AcceptHook.
func (h *History) Accepted(sessionID string, _ session.Ticket, size int) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.store.IncrementAccepted(ctx, sessionID, size); err != nil {
		h.logger.Warn("record chunk failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// RecordBatch implements pipeline.Recorder.
func (h *History) RecordBatch(ctx context.Context, sessionID string, batch detector.Batch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := h.store.RecordBatch(ctx, sessionID, batch); err != nil {
		h.logger.Warn("record batch failed", zap.String("session_id", sessionID), zap.Int64("seq", batch.Seq), zap.Error(err))
	}
}

// Summary returns the stored session with its most frequent labels, or nil if unknown.
func (h *History) Summary(ctx context.Context, id string) (*Summary, error) {
	s, err := h.store.Get(ctx, id)
	if err != nil || s == nil {
		return nil, err
	}
	labels, err := h.store.LabelCounts(ctx, id, 10)
	if err != nil {
		return nil, err
	}
	if labels == nil {
		labels = []models.LabelCount{}
	}
	return &Summary{Session: s, TopLabels: labels}, nil
}
