package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
)

const (
	channelPrefix = "scan:"
	eventTTL      = 5 * time.Second
	// EventResult marks a finished detection job on the relay channel.
	EventResult = "result"
)

// redisPayload is the message published to Redis by detector workers.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// ResultHandler receives one finished batch for a session.
type ResultHandler func(ctx context.Context, sessionID string, batch detector.Batch)

// RedisRelay carries detector results from worker processes back to the server
// instance that owns the session.
type RedisRelay struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRelay creates a Redis pub/sub relay for detector results.
func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, logger: logger}
}

// Channel returns the Redis channel for a session.
func Channel(sessionID string) string { return channelPrefix + sessionID }

// PublishResult publishes a finished batch on the session's channel.
func (r *RedisRelay) PublishResult(ctx context.Context, sessionID string, batch detector.Batch) error {
	body, err := encodeResult(batch)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventTTL)
	defer cancel()
	return r.client.Publish(ctx, Channel(sessionID), body).Err()
}

// Run pattern-subscribes to every session channel and calls handler for each
// result until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, handler ResultHandler) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	r.logger.Info("redis result relay subscribed", zap.String("pattern", channelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sessionID := strings.TrimPrefix(msg.Channel, channelPrefix)
			batch, ok := decodeResult([]byte(msg.Payload))
			if !ok {
				r.logger.Warn("invalid relay message", zap.String("channel", msg.Channel))
				continue
			}
			handler(ctx, sessionID, batch)
		}
	}
}

func encodeResult(batch detector.Batch) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	body, err := json.Marshal(redisPayload{Event: EventResult, Data: data, At: time.Now().Unix()})
	if err != nil {
		return nil, fmt.Errorf("marshal relay payload: %w", err)
	}
	return body, nil
}

func decodeResult(raw []byte) (detector.Batch, bool) {
	var p redisPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Event != EventResult {
		return detector.Batch{}, false
	}
	var batch detector.Batch
	if err := json.Unmarshal(p.Data, &batch); err != nil {
		return detector.Batch{}, false
	}
	if batch.Detections == nil {
		batch.Detections = []detector.Detection{}
	}
	return batch, true
}
