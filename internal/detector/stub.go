package detector

import "context"

// Stub returns one fixed detection per chunk. Used for local development and tests.
type Stub struct {
	Label      string
	Confidence float64
	BBox       Box
}

// NewStub returns the default development detector.
func NewStub() *Stub {
	return &Stub{Label: "object", Confidence: 0.9, BBox: Box{X: 0, Y: 0, W: 0.1, H: 0.1}}
}

// Detect implements Detector.
func (s *Stub) Detect(ctx context.Context, chunk Chunk) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Detection{{Label: s.Label, Confidence: s.Confidence, BBox: s.BBox}}, nil
}
