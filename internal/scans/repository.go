package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/models"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository handles scan_sessions and detections persistence.
type Repository struct {
	db DB
}

// NewRepository creates a scan history repository.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, state, started_at, ended_at, chunks_accepted, bytes_accepted, frames_processed, detections_count, created_at, updated_at`

// Create inserts a new active scan session.
func (r *Repository) Create(ctx context.Context, id string) (*models.ScanSession, error) {
	q := `INSERT INTO scan_sessions (id, state, started_at) VALUES ($1, $2, NOW())
		RETURNING ` + sessionColumns
	return scanSession(r.db.QueryRow(ctx, q, id, models.ScanStateActive))
}

// Get returns a scan session, or nil if it does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*models.ScanSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM scan_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// End marks a session stopped.
func (r *Repository) End(ctx context.Context, id string) error {
	const q = `UPDATE scan_sessions SET state = $2, ended_at = NOW(), updated_at = NOW() WHERE id = $1 AND ended_at IS NULL`
	_, err := r.db.Exec(ctx, q, id, models.ScanStateStopped)
	return err
}

// IncrementAccepted counts one ingested chunk of size bytes.
func (r *Repository) IncrementAccepted(ctx context.Context, id string, size int) error {
	const q = `UPDATE scan_sessions SET chunks_accepted = chunks_accepted + 1, bytes_accepted = bytes_accepted + $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, size)
	return err
}

// RecordBatch stores the detections of one processed frame and bumps the
// session counters in a single transaction.
func (r *Repository) RecordBatch(ctx context.Context, id string, batch detector.Batch) error {
	const insert = `INSERT INTO detections (session_id, seq, label, confidence, bbox, track_id) VALUES ($1, $2, $3, $4, $5, $6)`
	const update = `UPDATE scan_sessions SET frames_processed = frames_processed + 1, detections_count = detections_count + $2, updated_at = NOW() WHERE id = $1`
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, d := range batch.Detections {
			bbox, err := json.Marshal(d.BBox)
			if err != nil {
				return fmt.Errorf("marshal bbox: %w", err)
			}
			var trackID *string
			if d.TrackID != "" {
				trackID = &d.TrackID
			}
			if _, err := tx.Exec(ctx, insert, id, batch.Seq, d.Label, d.Confidence, bbox, trackID); err != nil {
				return fmt.Errorf("insert detection: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, update, id, len(batch.Detections)); err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
		return nil
	})
}

// LabelCounts returns how often each label was detected in a session, most frequent first.
func (r *Repository) LabelCounts(ctx context.Context, id string, limit int) ([]models.LabelCount, error) {
	const q = `SELECT label, COUNT(*) FROM detections WHERE session_id = $1 GROUP BY label ORDER BY COUNT(*) DESC, label LIMIT $2`
	rows, err := r.db.Query(ctx, q, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LabelCount
	for rows.Next() {
		var lc models.LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*models.ScanSession, error) {
	var s models.ScanSession
	err := row.Scan(&s.ID, &s.State, &s.StartedAt, &s.EndedAt, &s.ChunksAccepted, &s.BytesAccepted, &s.FramesProcessed, &s.DetectionsCount, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
