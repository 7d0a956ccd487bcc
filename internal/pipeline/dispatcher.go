package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/pkg/queue"
	"github.com/garage-scan/backend/pkg/storage"
)

// Enqueuer schedules a detection job for an out-of-process worker.
type Enqueuer interface {
	EnqueueDetect(ctx context.Context, payload queue.DetectPayload) error
}

// QueueDispatcher stores the chunk and enqueues a job for cmd/worker.
type QueueDispatcher struct {
	store  storage.ChunkStore
	queue  Enqueuer
	logger *zap.Logger
}

// NewQueueDispatcher creates a dispatcher for the Redis worker path.
func NewQueueDispatcher(store storage.ChunkStore, q Enqueuer, logger *zap.Logger) *QueueDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueDispatcher{store: store, queue: q, logger: logger}
}

// Release drops whatever the store still holds for a stopped session.
func (d *QueueDispatcher) Release(sessionID string) {
	cleaner, ok := d.store.(storage.SessionCleaner)
	if !ok {
		return
	}
	if err := cleaner.RemoveSession(sessionID); err != nil {
		d.logger.Warn("remove session chunks", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Dispatch implements ingest.Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, chunk detector.Chunk) error {
	key, err := d.store.Put(ctx, chunk.SessionID, chunk.Seq, chunk.ContentType, chunk.Data)
	if err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	err = d.queue.EnqueueDetect(ctx, queue.DetectPayload{
		SessionID:   chunk.SessionID,
		Seq:         chunk.Seq,
		ContentType: chunk.ContentType,
		ChunkKey:    key,
	})
	if err != nil {
		if delErr := d.store.Delete(context.Background(), key); delErr != nil {
			d.logger.Warn("orphaned chunk", zap.String("key", key), zap.Error(delErr))
		}
		return fmt.Errorf("enqueue detect: %w", err)
	}
	return nil
}
