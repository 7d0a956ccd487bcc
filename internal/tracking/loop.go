package tracking

import (
	"context"
	"time"
)

// Renderer draws one frame of live tracks.
type Renderer interface {
	Render(frame int64, tracks []Track)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(frame int64, tracks []Track)

// Render calls f.
func (f RendererFunc) Render(frame int64, tracks []Track) { f(frame, tracks) }

// Loop redraws the track set at a fixed cadence. It never waits on the
// detector: each cycle prunes and draws whatever tracks exist.
type Loop struct {
	reconciler *Reconciler
	renderer   Renderer
	interval   time.Duration
}

// NewLoop creates a render loop. interval <= 0 means 60 cycles per second.
func NewLoop(r *Reconciler, renderer Renderer, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{reconciler: r, renderer: renderer, interval: interval}
}

// Run cycles until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Step()
		}
	}
}

// Step runs a single cycle.
func (l *Loop) Step() {
	tracks := l.reconciler.Tick()
	l.renderer.Render(l.reconciler.Frame(), tracks)
}
