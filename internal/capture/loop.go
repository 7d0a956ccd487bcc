// Package capture drives a recorder and uploads its chunks, pausing the
// recorder while the server reports a deep detection queue.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/session"
)

// DefaultThreshold is the queue depth above which recording pauses.
const DefaultThreshold = 5

// Chunk is one recorded media unit.
type Chunk struct {
	Seq         int64
	ContentType string
	Data        []byte
}

// Recorder produces chunks. Its channel is the local upload queue and is
// closed when recording ends.
type Recorder interface {
	Chunks() <-chan Chunk
	Pause()
	Resume()
}

// Uploader sends chunks to the ingest endpoint and reads queue depth.
// Errors wrap the session and ingest sentinels.
type Uploader interface {
	Upload(ctx context.Context, chunk Chunk) (depth int, err error)
	Depth(ctx context.Context) (int, error)
}

// Options tunes the loop. Zero values take defaults.
type Options struct {
	Threshold    int
	PollInterval time.Duration
	Backoff      time.Duration
	MaxBackoff   time.Duration
}

func (o *Options) defaults() {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Backoff <= 0 {
		o.Backoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = 8 * o.Backoff
	}
}

// Stats counts what the loop did.
type Stats struct {
	Uploaded int `json:"uploaded"`
	Dropped  int `json:"dropped"`
	Retries  int `json:"retries"`
	Pauses   int `json:"pauses"`
	Depth    int `json:"depth"`
}

// Loop uploads one chunk at a time and applies hysteresis to the recorder:
// pause when depth > threshold, resume when depth <= threshold.
type Loop struct {
	recorder Recorder
	uploader Uploader
	opts     Options
	logger   *zap.Logger

	mu     sync.Mutex
	paused bool
	stats  Stats
}

// NewLoop creates a capture loop.
func NewLoop(rec Recorder, up Uploader, opts Options, logger *zap.Logger) *Loop {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{recorder: rec, uploader: up, opts: opts, logger: logger}
}

// Run drains the recorder until its channel closes, ctx is cancelled, or the
// server rejects the session. A rejected session returns the ingest error.
func (l *Loop) Run(ctx context.Context) error {
	chunks := l.recorder.Chunks()
	poll := time.NewTicker(l.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := l.send(ctx, chunk); err != nil {
				return err
			}
		case <-poll.C:
			if !l.Paused() {
				continue
			}
			depth, err := l.uploader.Depth(ctx)
			if err != nil {
				if fatal(err) {
					return err
				}
				l.logger.Debug("poll queue depth failed", zap.Error(err))
				continue
			}
			l.observe(depth)
		}
	}
}

// send uploads chunk, retrying transient failures with backoff.
func (l *Loop) send(ctx context.Context, chunk Chunk) error {
	if len(chunk.Data) == 0 {
		l.drop(chunk, ingest.ErrMissingBody)
		return nil
	}
	wait := l.opts.Backoff
	for {
		depth, err := l.uploader.Upload(ctx, chunk)
		switch {
		case err == nil:
			l.mu.Lock()
			l.stats.Uploaded++
			l.mu.Unlock()
			l.observe(depth)
			return nil
		case fatal(err):
			l.logger.Warn("session rejected upload, stopping capture", zap.Int64("seq", chunk.Seq), zap.Error(err))
			return err
		case errors.Is(err, ingest.ErrPayloadTooLarge), errors.Is(err, ingest.ErrMissingBody):
			l.drop(chunk, err)
			return nil
		}

		l.logger.Warn("upload failed, backing off", zap.Int64("seq", chunk.Seq), zap.Duration("wait", wait), zap.Error(err))
		l.mu.Lock()
		l.stats.Retries++
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(2*wait, l.opts.MaxBackoff)
	}
}

func (l *Loop) observe(depth int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Depth = depth
	switch {
	case depth > l.opts.Threshold && !l.paused:
		l.paused = true
		l.stats.Pauses++
		l.recorder.Pause()
		l.logger.Info("queue deep, pausing capture", zap.Int("depth", depth))
	case depth <= l.opts.Threshold && l.paused:
		l.paused = false
		l.recorder.Resume()
		l.logger.Info("queue drained, resuming capture", zap.Int("depth", depth))
	}
}

func (l *Loop) drop(chunk Chunk, reason error) {
	l.mu.Lock()
	l.stats.Dropped++
	l.mu.Unlock()
	l.logger.Warn("dropping chunk", zap.Int64("seq", chunk.Seq), zap.Int("bytes", len(chunk.Data)), zap.Error(reason))
}

// Paused reports whether the recorder is currently paused.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func fatal(err error) bool {
	return errors.Is(err, session.ErrUnauthorized) || errors.Is(err, session.ErrNotFound)
}
