// Package detector adapts external object detectors to the scan pipeline.
//
// Detectors return boxes normalized to [0,1] of the frame. Failures are never
// fatal to a session: Absorb turns them into an empty batch.
package detector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrDetectorFailure wraps any transport or parse failure of an external detector.
var ErrDetectorFailure = errors.New("detector failure")

// Box is a rectangle normalized to the frame size.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one labeled, scored box reported by a detector.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       Box     `json:"bbox"`
	TrackID    string  `json:"track_id,omitempty"`
}

// Batch is the set of detections produced for one chunk.
type Batch struct {
	Seq        int64       `json:"frame_id"`
	Detections []Detection `json:"detections"`
}

// Chunk is the detector input: one captured media unit.
type Chunk struct {
	SessionID   string
	Seq         int64
	ContentType string
	Data        []byte
}

// Detector runs object detection on a chunk. Latency and ordering are unspecified.
type Detector interface {
	Detect(ctx context.Context, chunk Chunk) ([]Detection, error)
}

// Absorb runs d and degrades any failure into an empty batch so a flaky detector
// never aborts the session.
func Absorb(ctx context.Context, d Detector, chunk Chunk, logger *zap.Logger) Batch {
	batch := Batch{Seq: chunk.Seq, Detections: []Detection{}}
	dets, err := d.Detect(ctx, chunk)
	if err != nil {
		if logger != nil {
			logger.Warn("detector failed, publishing empty batch",
				zap.String("session_id", chunk.SessionID),
				zap.Int64("seq", chunk.Seq),
				zap.Error(err),
			)
		}
		return batch
	}
	batch.Detections = Normalize(dets)
	return batch
}

// Normalize clamps boxes and confidences into [0,1] and drops boxes with no area.
func Normalize(dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		x0, y0 := clamp01(d.BBox.X), clamp01(d.BBox.Y)
		x1, y1 := clamp01(d.BBox.X+d.BBox.W), clamp01(d.BBox.Y+d.BBox.H)
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		d.BBox = Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
		d.Confidence = clamp01(d.Confidence)
		out = append(out, d)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func failure(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDetectorFailure, fmt.Sprintf(format, args...))
}
