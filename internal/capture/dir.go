package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/garage-scan/backend/pkg/storage"
)

// DirRecorder replays the media files of a directory as chunks, one per interval.
type DirRecorder struct {
	files    []string
	interval time.Duration
	repeat   bool
	ch       chan Chunk

	mu     sync.Mutex
	paused bool
	wake   chan struct{}
}

// NewDirRecorder lists the files under dir whose extension maps to a known
// media type. With repeat set the files are replayed until ctx ends.
func NewDirRecorder(dir string, interval time.Duration, repeat bool) (*DirRecorder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read chunk dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if storage.ContentTypeFor(filepath.Ext(e.Name())) == "application/octet-stream" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no media files in %s", dir)
	}
	sort.Strings(files)
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &DirRecorder{files: files, interval: interval, repeat: repeat, ch: make(chan Chunk, 16), wake: make(chan struct{}, 1)}, nil
}

// Chunks implements Recorder.
func (r *DirRecorder) Chunks() <-chan Chunk { return r.ch }

// Pause implements Recorder. Chunks already queued are still delivered.
func (r *DirRecorder) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume implements Recorder.
func (r *DirRecorder) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *DirRecorder) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Record emits chunks until the files run out or ctx ends, then closes the channel.
func (r *DirRecorder) Record(ctx context.Context) error {
	defer close(r.ch)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var seq int64
	for {
		for _, path := range r.files {
			for r.isPaused() {
				select {
				case <-ctx.Done():
					return nil
				case <-r.wake:
				}
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read chunk: %w", err)
			}
			seq++
			chunk := Chunk{Seq: seq, ContentType: storage.ContentTypeFor(filepath.Ext(path)), Data: data}
			select {
			case <-ctx.Done():
				return nil
			case r.ch <- chunk:
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		if !r.repeat {
			return nil
		}
	}
}
