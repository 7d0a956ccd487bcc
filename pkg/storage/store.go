// Package storage keeps chunk payloads between ingest and a detector worker.
package storage

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a chunk key does not exist.
var ErrNotFound = errors.New("chunk not found")

// ChunkStore holds chunk bytes by key until a worker consumes them.
type ChunkStore interface {
	Put(ctx context.Context, sessionID string, seq int64, contentType string, data []byte) (key string, err error)
	Get(ctx context.Context, key string, limit int64) (data []byte, contentType string, err error)
	Delete(ctx context.Context, key string) error
}

// SessionCleaner is implemented by stores that keep per-session state to
// discard once a session stops.
type SessionCleaner interface {
	RemoveSession(sessionID string) error
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/jpg":       ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/webm":      ".webm",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mp4",
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".webm": "video/webm",
	".mp4":  "video/mp4",
}

// ExtensionFor maps a chunk MIME type to a file extension; unknown types are stored as .webm.
func ExtensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	return ".webm"
}

// ContentTypeFor maps a file extension back to its MIME type.
func ContentTypeFor(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Open returns the S3 store when a chunks bucket is configured, otherwise a
// disk store under dataDir.
func Open(ctx context.Context, s3cfg S3Config, dataDir string, logger *zap.Logger) (ChunkStore, error) {
	if s3cfg.ChunksBucket != "" {
		s, err := NewS3(ctx, s3cfg, logger)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Info("chunk store on s3", zap.String("bucket", s.Bucket()))
		}
		return s, nil
	}
	d, err := NewDisk(dataDir)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("chunk store on local disk", zap.String("dir", dataDir))
	}
	return d, nil
}
