package realtime

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/internal/session"
	"github.com/garage-scan/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware governs browser origins
	},
}

// Client is one WebSocket listener on a session's event channel.
type Client struct {
	SessionID string
	hub       *Hub
	sub       *session.Subscriber
	conn      *websocket.Conn
	logger    *zap.Logger
}

// ServeWs upgrades to a WebSocket carrying the same JSON events as the SSE stream.
func ServeWs(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		sub, err := hub.Subscribe(sessionID)
		if err != nil {
			response.NotFound(c, "session not found")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.Unsubscribe(sessionID, sub)
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{SessionID: sessionID, hub: hub, sub: sub, conn: conn, logger: logger}
		go client.writePump()
		client.readPump()
	}
}

// readPump only watches for disconnects; listeners never send data.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.SessionID, c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// released without a close event
				_ = c.conn.WriteMessage(websocket.TextMessage, session.CloseEvent.Data)
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, ev.Data); err != nil {
				return
			}
			if ev.Type == session.EventClose {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeSSE streams a session's events as Server-Sent Events until the session
// closes or the client disconnects. Idle streams get a keepalive comment.
func ServeSSE(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		sub, err := hub.Subscribe(sessionID)
		if err != nil {
			response.NotFound(c, "session not found")
			return
		}
		defer hub.Unsubscribe(sessionID, sub)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache, no-transform")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		keepalive := time.NewTicker(KeepaliveInterval * time.Second)
		defer keepalive.Stop()

		closed := c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					c.SSEvent(session.EventClose, string(session.CloseEvent.Data))
					return false
				}
				c.SSEvent(ev.Type, string(ev.Data))
				return ev.Type != session.EventClose
			case <-keepalive.C:
				_, err := io.WriteString(w, ": keepalive\n\n")
				return err == nil
			case <-c.Request.Context().Done():
				return false
			}
		})
		if closed {
			logger.Debug("event stream client gone", zap.String("session_id", sessionID))
		}
	}
}

// IsClosed reports whether err came from a normally closed WebSocket.
func IsClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}
