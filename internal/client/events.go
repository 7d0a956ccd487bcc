package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/session"
)

// BatchHandler receives detection batches in arrival order. Calls never overlap.
type BatchHandler func(batch detector.Batch)

type wireEvent struct {
	Type       string               `json:"type"`
	FrameID    int64                `json:"frame_id"`
	Detections []detector.Detection `json:"detections"`
}

// Events follows the SSE stream of the bound session until the server closes
// it (nil), ctx ends, or the connection fails.
func (c *Client) Events(ctx context.Context, handle BatchHandler) error {
	id, _ := c.Session()
	if id == "" {
		return ErrNoSession
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/stream/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, "")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 || name != "" {
				if done := c.dispatch(name, data.String(), handle); done {
					return nil
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// dispatch handles one SSE message and reports whether the stream is done.
func (c *Client) dispatch(name, data string, handle BatchHandler) bool {
	if name == session.EventClose {
		return true
	}
	var ev wireEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		c.logger.Warn("malformed event", zap.String("event", name), zap.Error(err))
		return false
	}
	if ev.Type == session.EventClose {
		return true
	}
	if ev.Type == session.EventDetections {
		handle(detector.Batch{Seq: ev.FrameID, Detections: ev.Detections})
	}
	return false
}

// EventsWS follows the WebSocket transport of the same stream.
func (c *Client) EventsWS(ctx context.Context, handle BatchHandler) error {
	id, _ := c.Session()
	if id == "" {
		return ErrNoSession
	}
	u, err := url.Parse(c.base + "/api/stream/" + url.PathEscape(id) + "/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return statusError(resp.StatusCode, "")
		}
		return fmt.Errorf("dial event socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if realtime.IsClosed(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event socket: %w", err)
		}
		if done := c.dispatch("", string(msg), handle); done {
			return nil
		}
	}
}
