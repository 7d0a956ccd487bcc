package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/session"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
	// KeepaliveInterval is how often an idle SSE stream gets a comment line (seconds).
	KeepaliveInterval = 15
)

// DetectionsEvent is the JSON document pushed for one detection batch.
type DetectionsEvent struct {
	Type       string               `json:"type"`
	FrameID    int64                `json:"frame_id"`
	Detections []detector.Detection `json:"detections"`
}

// Hub fans detection batches out to the subscribers of a session. Subscriber
// bookkeeping lives in the session registry; the hub owns the wire format.
type Hub struct {
	registry *session.Registry
	logger   *zap.Logger
}

// NewHub creates a hub over registry.
func NewHub(registry *session.Registry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{registry: registry, logger: logger}
}

// Subscribe returns a push channel for sessionID, or session.ErrNotFound.
func (h *Hub) Subscribe(sessionID string) (*session.Subscriber, error) {
	sub, err := h.registry.Subscribe(sessionID)
	if err != nil {
		return nil, err
	}
	h.logger.Debug("subscriber joined", zap.String("session_id", sessionID), zap.Int("subscribers", h.registry.Subscribers(sessionID)))
	return sub, nil
}

// Unsubscribe releases a push channel promptly after the listener disconnects.
func (h *Hub) Unsubscribe(sessionID string, sub *session.Subscriber) {
	h.registry.Unsubscribe(sessionID, sub)
	h.logger.Debug("subscriber left", zap.String("session_id", sessionID))
}

// Publish delivers batch to every current subscriber of sessionID. Sessions
// without subscribers are a no-op; late joiners never see earlier batches.
func (h *Hub) Publish(sessionID string, batch detector.Batch) error {
	dets := batch.Detections
	if dets == nil {
		dets = []detector.Detection{}
	}
	data, err := json.Marshal(DetectionsEvent{Type: session.EventDetections, FrameID: batch.Seq, Detections: dets})
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}
	delivered, dropped, err := h.registry.Publish(sessionID, session.Event{Type: session.EventDetections, Data: data})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			h.logger.Debug("batch for unknown session ignored", zap.String("session_id", sessionID), zap.Int64("frame_id", batch.Seq))
		}
		return err
	}
	if dropped > 0 {
		h.logger.Warn("slow subscribers missed batch",
			zap.String("session_id", sessionID),
			zap.Int64("frame_id", batch.Seq),
			zap.Int("dropped", dropped),
		)
	}
	h.logger.Debug("batch published", zap.String("session_id", sessionID), zap.Int64("frame_id", batch.Seq), zap.Int("delivered", delivered))
	return nil
}
