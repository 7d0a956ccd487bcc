// Package tracking reconciles detection batches into stable on-screen tracks.
package tracking

import "github.com/garage-scan/backend/internal/detector"

// Rect is an axis-aligned box in pixels, origin top-left.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area is zero for degenerate rectangles.
func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// IoU is intersection over union of a and b, in [0,1].
func IoU(a, b Rect) float64 {
	if a.Area() == 0 || b.Area() == 0 {
		return 0
	}
	x0 := max(a.X, b.X)
	y0 := max(a.Y, b.Y)
	x1 := min(a.X+a.W, b.X+b.W)
	y1 := min(a.Y+a.H, b.Y+b.H)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	inter := (x1 - x0) * (y1 - y0)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// EMA moves prev toward next by alpha.
func EMA(prev, next, alpha float64) float64 {
	return prev + alpha*(next-prev)
}

// Blend applies EMA to each coordinate independently.
func (r Rect) Blend(next Rect, alpha float64) Rect {
	return Rect{
		X: EMA(r.X, next.X, alpha),
		Y: EMA(r.Y, next.Y, alpha),
		W: EMA(r.W, next.W, alpha),
		H: EMA(r.H, next.H, alpha),
	}
}

// FromBox scales a normalized detector box to a width x height viewport.
func FromBox(b detector.Box, width, height float64) Rect {
	return Rect{X: b.X * width, Y: b.Y * height, W: b.W * width, H: b.H * height}
}
