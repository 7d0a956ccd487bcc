package tracking

import (
	"strconv"
	"sync"

	"github.com/garage-scan/backend/internal/detector"
)

// Options tunes matching, smoothing and pruning.
type Options struct {
	Alpha       float64
	MatchIoU    float64
	PruneFrames int64
	Width       float64
	Height      float64
}

// DefaultOptions returns the reference tuning over a 640x480 viewport.
func DefaultOptions() Options {
	return Options{Alpha: 0.5, MatchIoU: 0.5, PruneFrames: 15, Width: 640, Height: 480}
}

// Observation is one detection already in viewport pixels.
type Observation struct {
	Label      string
	Confidence float64
	BBox       Rect
}

// Track is a reconciled object. Server detections make it authoritative.
type Track struct {
	ID            string  `json:"id"`
	BBox          Rect    `json:"bbox"`
	Label         string  `json:"label"`
	Confidence    float64 `json:"confidence"`
	Authoritative bool    `json:"authoritative"`
	LastSeen      int64   `json:"last_seen"`
}

// Reconciler owns the track set of one scan. Each Reconcile pass runs to
// completion before the next begins.
type Reconciler struct {
	mu     sync.Mutex
	opts   Options
	tracks []*Track
	frame  int64
	nextID int
}

// NewReconciler creates an empty track set. Zero option fields take defaults.
func NewReconciler(opts Options) *Reconciler {
	def := DefaultOptions()
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.MatchIoU <= 0 || opts.MatchIoU > 1 {
		opts.MatchIoU = def.MatchIoU
	}
	if opts.PruneFrames <= 0 {
		opts.PruneFrames = def.PruneFrames
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}
	return &Reconciler{opts: opts}
}

// ApplyBatch reconciles a server batch of normalized detections.
func (r *Reconciler) ApplyBatch(batch detector.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile(r.observations(batch.Detections), nil)
}

// ApplyPreview reconciles local detections as non-authoritative observations.
func (r *Reconciler) ApplyPreview(preview []Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile(nil, preview)
}

// Reconcile applies server and preview observations in one pass. Where both
// report an overlapping box, the server observation wins.
func (r *Reconciler) Reconcile(server, preview []Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile(server, preview)
}

func (r *Reconciler) reconcile(server, preview []Observation) {
	touched := make(map[*Track]bool, len(server))
	for _, obs := range server {
		t := r.match(obs.BBox)
		if t == nil {
			t = r.spawn(obs, true)
		} else {
			t.BBox = t.BBox.Blend(obs.BBox, r.opts.Alpha)
			t.Label = obs.Label
			t.Confidence = obs.Confidence
			t.Authoritative = true
			t.LastSeen = r.frame
		}
		touched[t] = true
	}
	for _, obs := range preview {
		t := r.match(obs.BBox)
		switch {
		case t == nil:
			r.spawn(obs, false)
		case touched[t]:
			// already refreshed by the server this pass
		default:
			t.BBox = t.BBox.Blend(obs.BBox, r.opts.Alpha)
			if !t.Authoritative {
				t.Label = obs.Label
				t.Confidence = obs.Confidence
			}
			t.LastSeen = r.frame
		}
	}
}

// match returns the track with the highest IoU at or above the threshold.
// Ties keep the earliest track.
func (r *Reconciler) match(box Rect) *Track {
	var best *Track
	bestIoU := 0.0
	for _, t := range r.tracks {
		if v := IoU(t.BBox, box); v > bestIoU {
			best, bestIoU = t, v
		}
	}
	if best == nil || bestIoU < r.opts.MatchIoU {
		return nil
	}
	return best
}

func (r *Reconciler) spawn(obs Observation, authoritative bool) *Track {
	r.nextID++
	t := &Track{
		ID:            "t-" + strconv.Itoa(r.nextID),
		BBox:          obs.BBox,
		Label:         obs.Label,
		Confidence:    obs.Confidence,
		Authoritative: authoritative,
		LastSeen:      r.frame,
	}
	r.tracks = append(r.tracks, t)
	return t
}

func (r *Reconciler) observations(dets []detector.Detection) []Observation {
	out := make([]Observation, 0, len(dets))
	for _, d := range dets {
		out = append(out, Observation{
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       FromBox(d.BBox, r.opts.Width, r.opts.Height),
		})
	}
	return out
}

// Tick advances the frame counter, prunes stale tracks and returns the survivors.
func (r *Reconciler) Tick() []Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame++
	live := r.tracks[:0]
	for _, t := range r.tracks {
		if r.frame-t.LastSeen <= r.opts.PruneFrames {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(r.tracks); i++ {
		r.tracks[i] = nil
	}
	r.tracks = live
	return r.snapshot()
}

// Tracks returns a copy of the live tracks in creation order.
func (r *Reconciler) Tracks() []Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Frame is the current frame counter.
func (r *Reconciler) Frame() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

// Reset empties the track set, as on scan stop.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = nil
	r.frame = 0
	r.nextID = 0
}

func (r *Reconciler) snapshot() []Track {
	out := make([]Track, len(r.tracks))
	for i, t := range r.tracks {
		out[i] = *t
	}
	return out
}
