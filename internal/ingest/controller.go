// Package ingest accepts captured chunks into a session's queue and reports
// queue depth back to the producer as a backpressure signal.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/session"
)

// DefaultMaxBytes is the reference chunk ceiling (10 MiB).
const DefaultMaxBytes = 10 * 1024 * 1024

var (
	// ErrPayloadTooLarge is returned when the declared or observed chunk size exceeds the ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMissingBody is returned for an empty ingest request.
	ErrMissingBody = errors.New("missing body")
)

// Dispatcher hands an accepted chunk to the detector side. It must not block on detection.
type Dispatcher interface {
	Dispatch(ctx context.Context, chunk detector.Chunk) error
}

// Releaser is implemented by dispatchers holding per-session resources.
type Releaser interface {
	Release(sessionID string)
}

// AcceptHook observes every accepted chunk (e.g. scan history counters).
type AcceptHook func(sessionID string, ticket session.Ticket, size int)

// Controller validates, size-limits and counts ingest traffic. Depth is a
// signal: every well-formed in-size chunk is accepted.
type Controller struct {
	registry *session.Registry
	maxBytes int64
	logger   *zap.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
	onAccept   AcceptHook
}

// NewController creates an ingest controller over registry. maxBytes <= 0 uses DefaultMaxBytes.
func NewController(registry *session.Registry, maxBytes int64, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Controller{registry: registry, maxBytes: maxBytes, logger: logger}
}

// SetDispatcher sets where accepted chunks are sent (set after construction to avoid init cycle).
func (c *Controller) SetDispatcher(d Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatcher = d
}

// SetAcceptHook registers a callback run after each accepted chunk.
func (c *Controller) SetAcceptHook(fn AcceptHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAccept = fn
}

// MaxBytes returns the per-chunk ceiling.
func (c *Controller) MaxBytes() int64 { return c.maxBytes }

// Accept validates the session credential, reads body up to the ceiling and
// enqueues the chunk. declared is the request's content length, or -1 when unknown.
// The returned ticket carries the depth after acceptance.
func (c *Controller) Accept(ctx context.Context, sessionID, token string, body io.Reader, declared int64, contentType string) (session.Ticket, error) {
	if !c.registry.Validate(sessionID, token) {
		return session.Ticket{}, session.ErrUnauthorized
	}
	if declared > c.maxBytes {
		return session.Ticket{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrPayloadTooLarge, declared, c.maxBytes)
	}
	if body == nil || declared == 0 {
		return session.Ticket{}, ErrMissingBody
	}

	data, err := readLimited(body, c.maxBytes)
	if err != nil {
		return session.Ticket{}, err
	}
	if len(data) == 0 {
		return session.Ticket{}, ErrMissingBody
	}

	ticket, err := c.registry.Enqueue(sessionID)
	if err != nil {
		// destroyed between validation and enqueue
		return session.Ticket{}, session.ErrUnauthorized
	}

	c.mu.RLock()
	dispatcher, onAccept := c.dispatcher, c.onAccept
	c.mu.RUnlock()

	if onAccept != nil {
		onAccept(sessionID, ticket, len(data))
	}

	chunk := detector.Chunk{SessionID: sessionID, Seq: ticket.Seq, ContentType: contentType, Data: data}
	if dispatcher == nil {
		c.drop(sessionID, ticket, errors.New("no dispatcher configured"))
		return c.current(sessionID, ticket), nil
	}
	if err := dispatcher.Dispatch(ctx, chunk); err != nil {
		c.drop(sessionID, ticket, err)
		return c.current(sessionID, ticket), nil
	}

	c.logger.Debug("chunk accepted",
		zap.String("session_id", sessionID),
		zap.Int64("seq", ticket.Seq),
		zap.Int("bytes", len(data)),
		zap.Int("depth", ticket.Depth),
	)
	return ticket, nil
}

// MarkProcessed counts one chunk as done. Depth clamps at zero; unknown sessions are ignored.
func (c *Controller) MarkProcessed(sessionID string) int {
	return c.registry.Complete(sessionID)
}

// Release lets the dispatcher free a stopped session's resources.
func (c *Controller) Release(sessionID string) {
	c.mu.RLock()
	d := c.dispatcher
	c.mu.RUnlock()
	if r, ok := d.(Releaser); ok {
		r.Release(sessionID)
	}
}

// Depth returns the session's current queue depth.
func (c *Controller) Depth(sessionID string) (int, error) {
	return c.registry.Depth(sessionID)
}

func (c *Controller) drop(sessionID string, ticket session.Ticket, err error) {
	c.registry.Complete(sessionID)
	c.logger.Warn("chunk dropped before detection",
		zap.String("session_id", sessionID),
		zap.Int64("seq", ticket.Seq),
		zap.Error(err),
	)
}

func (c *Controller) current(sessionID string, ticket session.Ticket) session.Ticket {
	if depth, err := c.registry.Depth(sessionID); err == nil {
		ticket.Depth = depth
	}
	return ticket
}

// readLimited reads at most limit bytes and fails as soon as one more byte is seen.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
	}
	return buf.Bytes(), nil
}
