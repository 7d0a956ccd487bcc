package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Disk stores chunks under <root>/streams/<session_id>/<seq>_chunk<ext>.
type Disk struct {
	root string
}

// NewDisk creates a disk store rooted at dir, creating it if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(filepath.Join(dir, "streams"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Disk{root: dir}, nil
}

// DiskKey returns the relative key of a chunk on disk.
func DiskKey(sessionID string, seq int64, contentType string) string {
	return filepath.ToSlash(filepath.Join("streams", sessionID, fmt.Sprintf("%d_chunk%s", seq, ExtensionFor(contentType))))
}

// Put writes a chunk and returns its key.
func (d *Disk) Put(_ context.Context, sessionID string, seq int64, contentType string, data []byte) (string, error) {
	key := DiskKey(sessionID, seq, contentType)
	p, err := d.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write chunk: %w", err)
	}
	return key, nil
}

// Get reads a chunk; reads are capped at limit bytes when limit > 0.
func (d *Disk) Get(_ context.Context, key string, limit int64) ([]byte, string, error) {
	p, err := d.resolve(key)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()
	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read chunk: %w", err)
	}
	return data, ContentTypeFor(filepath.Ext(p)), nil
}

// Delete removes a chunk. Missing chunks are not an error.
func (d *Disk) Delete(_ context.Context, key string) error {
	p, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove chunk: %w", err)
	}
	return nil
}

// RemoveSession deletes every stored chunk of a session.
func (d *Disk) RemoveSession(sessionID string) error {
	p, err := d.resolve(filepath.Join("streams", sessionID))
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (d *Disk) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid chunk key %q", key)
	}
	return filepath.Join(d.root, clean), nil
}
