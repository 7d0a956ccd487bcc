// Package client talks to the scan server: session lifecycle, chunk upload
// and the detection event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/capture"
	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/session"
)

// ErrNoSession is returned by session calls made before Start or Attach.
var ErrNoSession = errors.New("no active session")

// Tuning mirrors GET /api/stream/config.
type Tuning struct {
	ChunkMS         int     `json:"chunk_ms"`
	QueueThreshold  int     `json:"queue_threshold"`
	MaxChunkBytes   int64   `json:"max_chunk_bytes"`
	TokenRequired   bool    `json:"token_required"`
	EMAAlpha        float64 `json:"ema_alpha"`
	ServerMatchIoU  float64 `json:"server_match_iou"`
	PruneFrames     int     `json:"prune_frames"`
	PreviewFPS      int     `json:"preview_fps"`
	PreviewDetector string  `json:"preview_detector"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client is bound to at most one session at a time.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger

	mu        sync.RWMutex
	sessionID string
	token     string
}

// New creates a client for the server at baseURL. A nil httpClient gets a
// 30 second timeout; event streams use their own timeout-free client.
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient, logger: logger}
}

// Attach binds the client to an existing session.
func (c *Client) Attach(sessionID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID, c.token = sessionID, token
}

// Session returns the bound session id and token.
func (c *Client) Session() (id, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.token
}

// Start creates a session on the server and binds to it.
func (c *Client) Start(ctx context.Context) (string, error) {
	var out struct {
		SessionID   string `json:"session_id"`
		IngestToken string `json:"ingest_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/stream/start", "", nil, "", &out); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	c.Attach(out.SessionID, out.IngestToken)
	return out.SessionID, nil
}

// Stop destroys the bound session.
func (c *Client) Stop(ctx context.Context) error {
	id, token := c.Session()
	if id == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]string{"session_id": id, "ingest_token": token})
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, "/api/stream/stop", "", bytes.NewReader(body), "application/json", nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// Upload implements capture.Uploader.
func (c *Client) Upload(ctx context.Context, chunk capture.Chunk) (int, error) {
	id, token := c.Session()
	if id == "" {
		return 0, ErrNoSession
	}
	q := url.Values{"session_id": {id}, "seq": {strconv.FormatInt(chunk.Seq, 10)}}
	ct := chunk.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	var out struct {
		Queued int `json:"queued"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/stream/ingest?"+q.Encode(), token, bytes.NewReader(chunk.Data), ct, &out); err != nil {
		return 0, fmt.Errorf("upload chunk %d: %w", chunk.Seq, err)
	}
	return out.Queued, nil
}

// Status reports the bound session's queue depth and listener count.
type Status struct {
	Queued      int `json:"queued"`
	Subscribers int `json:"subscribers"`
}

// Status fetches GET /api/stream/:id/status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	id, token := c.Session()
	if id == "" {
		return Status{}, ErrNoSession
	}
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/stream/"+url.PathEscape(id)+"/status", token, nil, "", &st); err != nil {
		return Status{}, fmt.Errorf("session status: %w", err)
	}
	return st, nil
}

// Depth implements capture.Uploader.
func (c *Client) Depth(ctx context.Context) (int, error) {
	st, err := c.Status(ctx)
	return st.Queued, err
}

// Config fetches the server's overlay and capture tuning.
func (c *Client) Config(ctx context.Context) (Tuning, error) {
	var t Tuning
	if err := c.do(ctx, http.MethodGet, "/api/stream/config", "", nil, "", &t); err != nil {
		return Tuning{}, fmt.Errorf("load config: %w", err)
	}
	return t, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil && resp.StatusCode < 300 {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// statusError maps an HTTP failure back onto the server's error taxonomy.
func statusError(code int, msg string) error {
	switch code {
	case http.StatusUnauthorized:
		return session.ErrUnauthorized
	case http.StatusNotFound:
		return session.ErrNotFound
	case http.StatusRequestEntityTooLarge:
		return ingest.ErrPayloadTooLarge
	case http.StatusBadRequest:
		if strings.Contains(msg, "missing body") {
			return ingest.ErrMissingBody
		}
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	return fmt.Errorf("server returned %d: %s", code, msg)
}
