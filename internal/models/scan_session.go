package models

import "time"

// Scan session states.
const (
	ScanStateActive  = "active"
	ScanStateStopped = "stopped"
)

// ScanSession is the stored history of one capture session.
type ScanSession struct {
	ID              string     `json:"id"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ChunksAccepted  int        `json:"chunks_accepted"`
	BytesAccepted   int64      `json:"bytes_accepted"`
	FramesProcessed int        `json:"frames_processed"`
	DetectionsCount int        `json:"detections_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// LabelCount is how often a label was detected in a session.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
