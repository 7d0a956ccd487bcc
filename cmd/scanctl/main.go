// Package main is a command-line scanner: it replays a directory of frames
// through the capture loop and prints the reconciled overlay tracks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/capture"
	"github.com/garage-scan/backend/internal/client"
	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/tracking"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "scan server base URL")
	dir := flag.String("dir", "", "directory of image/video chunks to replay (required)")
	chunkMS := flag.Int("chunk-ms", 0, "milliseconds between chunks (0 = server setting)")
	repeat := flag.Bool("loop", false, "replay the directory until interrupted")
	transport := flag.String("events", "sse", "event transport: sse or ws")
	width := flag.Float64("width", 640, "viewport width in pixels")
	height := flag.Float64("height", 480, "viewport height in pixels")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintf(os.Stderr, "Error: -dir is required\n\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options{
		server: *server, dir: *dir, chunkMS: *chunkMS, repeat: *repeat,
		transport: *transport, width: *width, height: *height,
	}, logger); err != nil {
		color.Red("scan failed: %v", err)
		os.Exit(1)
	}
}

type options struct {
	server    string
	dir       string
	chunkMS   int
	repeat    bool
	transport string
	width     float64
	height    float64
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	c := client.New(opts.server, nil, logger)

	tuning, err := c.Config(ctx)
	if err != nil {
		return err
	}
	interval := time.Duration(tuning.ChunkMS) * time.Millisecond
	if opts.chunkMS > 0 {
		interval = time.Duration(opts.chunkMS) * time.Millisecond
	}

	rec, err := capture.NewDirRecorder(opts.dir, interval, opts.repeat)
	if err != nil {
		return err
	}

	id, err := c.Start(ctx)
	if err != nil {
		return err
	}
	color.Cyan("session %s started", id)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Stop(stopCtx); err != nil && !errors.Is(err, client.ErrNoSession) {
			color.Yellow("stop session: %v", err)
			return
		}
		color.Cyan("session %s stopped", id)
	}()

	reconciler := tracking.NewReconciler(tracking.Options{
		Alpha:       tuning.EMAAlpha,
		MatchIoU:    tuning.ServerMatchIoU,
		PruneFrames: int64(tuning.PruneFrames),
		Width:       opts.width,
		Height:      opts.height,
	})
	defer reconciler.Reset()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan error, 1)
	go func() {
		apply := func(b detector.Batch) { reconciler.ApplyBatch(b) }
		if opts.transport == "ws" {
			events <- c.EventsWS(scanCtx, apply)
			return
		}
		events <- c.Events(scanCtx, apply)
	}()

	go tracking.NewLoop(reconciler, &printer{}, 100*time.Millisecond).Run(scanCtx)
	go func() { _ = rec.Record(scanCtx) }()

	loop := capture.NewLoop(rec, c, capture.Options{Threshold: tuning.QueueThreshold}, logger)
	captureErr := loop.Run(scanCtx)

	st := loop.Stats()
	color.White("uploaded %d, dropped %d, retries %d, pauses %d", st.Uploaded, st.Dropped, st.Retries, st.Pauses)

	// let the last results arrive before tearing the stream down
	if captureErr == nil && ctx.Err() == nil {
		waitDrained(ctx, c)
	}
	cancel()
	if err := <-events; err != nil && captureErr == nil {
		captureErr = err
	}
	return captureErr
}

func waitDrained(ctx context.Context, c *client.Client) {
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if d, err := c.Depth(ctx); err != nil || d == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-tick.C:
		}
	}
}

// printer writes one line per change of the visible track set.
type printer struct {
	last string
}

func (p *printer) Render(frame int64, tracks []tracking.Track) {
	var b strings.Builder
	for _, t := range tracks {
		fmt.Fprintf(&b, "%s:%s:%.0f,%.0f ", t.ID, t.Label, t.BBox.X, t.BBox.Y)
	}
	line := b.String()
	if line == p.last {
		return
	}
	p.last = line

	if len(tracks) == 0 {
		color.HiBlack("[frame %d] no tracks", frame)
		return
	}
	fmt.Printf("[frame %d] ", frame)
	for _, t := range tracks {
		paint := color.New(color.FgYellow)
		if t.Authoritative {
			paint = color.New(color.FgGreen, color.Bold)
		}
		paint.Printf("%s %s %.0f%% ", t.ID, t.Label, t.Confidence*100)
		fmt.Printf("(%.0f,%.0f %.0fx%.0f)  ", t.BBox.X, t.BBox.Y, t.BBox.W, t.BBox.H)
	}
	fmt.Println()
}
