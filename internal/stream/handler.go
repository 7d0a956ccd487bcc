package stream

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/config"
	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/middleware"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/scans"
	"github.com/garage-scan/backend/internal/session"
	"github.com/garage-scan/backend/pkg/response"
)

// Lifecycle observes session start and stop (scan history).
type Lifecycle interface {
	Started(id string)
	Stopped(id string)
}

// Summaries serves stored session history.
type Summaries interface {
	Summary(ctx context.Context, id string) (*scans.Summary, error)
}

// StartResponse is the body of POST /api/stream/start.
type StartResponse struct {
	SessionID   string `json:"session_id"`
	IngestToken string `json:"ingest_token,omitempty"`
}

// StopRequest is the body for POST /api/stream/stop.
type StopRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	IngestToken string `json:"ingest_token"`
}

// IngestResponse is the body of POST /api/stream/ingest.
type IngestResponse struct {
	Accepted bool  `json:"accepted"`
	Queued   int   `json:"queued"`
	Seq      int64 `json:"seq"`
}

// StatusResponse is the body of GET /api/stream/:id/status.
type StatusResponse struct {
	Queued      int `json:"queued"`
	Subscribers int `json:"subscribers"`
}

// ClientConfig is the overlay and capture tuning served to scanners.
type ClientConfig struct {
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

// NewClientConfig derives the client tuning from the server config.
func NewClientConfig(cfg *config.Config) ClientConfig {
	return ClientConfig{
		ChunkMS:         cfg.Capture.ChunkMS,
		QueueThreshold:  cfg.Capture.QueueThreshold,
		MaxChunkBytes:   cfg.Ingest.MaxBytes,
		TokenRequired:   cfg.Ingest.Token != "",
		EMAAlpha:        cfg.Overlay.EMAAlpha,
		ServerMatchIoU:  cfg.Overlay.ServerMatchIoU,
		PruneFrames:     cfg.Overlay.PruneFrames,
		PreviewFPS:      cfg.Overlay.PreviewFPS,
		PreviewDetector: cfg.Overlay.PreviewDetector,
	}
}

// Handler handles the capture session HTTP endpoints.
type Handler struct {
	registry  *session.Registry
	ingest    *ingest.Controller
	client    ClientConfig
	lifecycle Lifecycle
	summaries Summaries
	logger    *zap.Logger
}

// NewHandler creates a stream handler.
func NewHandler(registry *session.Registry, ctrl *ingest.Controller, client ClientConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, ingest: ctrl, client: client, logger: logger}
}

// SetHistory attaches scan history; without it summaries report 503.
func (h *Handler) SetHistory(lifecycle Lifecycle, summaries Summaries) {
	h.lifecycle = lifecycle
	h.summaries = summaries
}

// Register mounts the stream routes on r.
func Register(r gin.IRouter, h *Handler, hub *realtime.Hub, logger *zap.Logger) {
	g := r.Group("/api/stream")
	g.POST("/start", h.Start)
	g.POST("/stop", h.Stop)
	g.POST("/ingest", middleware.BearerToken(), h.Ingest)
	g.GET("/config", h.Config)
	g.GET("/:id/events", realtime.ServeSSE(hub, logger))
	g.GET("/:id/ws", realtime.ServeWs(hub, logger))
	g.GET("/:id/status", middleware.BearerToken(), h.Status)
	g.GET("/:id/summary", h.Summary)
}

// Start handles POST /api/stream/start.
func (h *Handler) Start(c *gin.Context) {
	id, token := h.registry.Create()
	if h.lifecycle != nil {
		h.lifecycle.Started(id)
	}
	response.Created(c, StartResponse{SessionID: id, IngestToken: token})
}

// Stop handles POST /api/stream/stop.
func (h *Handler) Stop(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := h.registry.Authorize(req.SessionID, req.IngestToken); err != nil {
		h.fail(c, err)
		return
	}
	h.registry.Destroy(req.SessionID)
	h.ingest.Release(req.SessionID)
	if h.lifecycle != nil {
		h.lifecycle.Stopped(req.SessionID)
	}
	response.OK(c, gin.H{"stopped": true})
}

// Ingest handles POST /api/stream/ingest?session_id=. The raw body is the chunk.
func (h *Handler) Ingest(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.BadRequest(c, "session_id required")
		return
	}
	if raw := c.Query("seq"); raw != "" {
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			response.BadRequest(c, "invalid seq")
			return
		}
	}
	contentType := c.ContentType()
	if contentType == "" {
		contentType = "video/webm"
	}

	ticket, err := h.ingest.Accept(c.Request.Context(), sessionID, middleware.IngestToken(c), c.Request.Body, c.Request.ContentLength, contentType)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, IngestResponse{Accepted: true, Queued: ticket.Depth, Seq: ticket.Seq})
}

// Status handles GET /api/stream/:id/status so a paused producer can poll depth.
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Authorize(id, middleware.IngestToken(c)); err != nil {
		h.fail(c, err)
		return
	}
	depth, err := h.registry.Depth(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, StatusResponse{Queued: depth, Subscribers: h.registry.Subscribers(id)})
}

// Summary handles GET /api/stream/:id/summary.
func (h *Handler) Summary(c *gin.Context) {
	if h.summaries == nil {
		response.ServiceUnavailable(c, "scan history disabled")
		return
	}
	sum, err := h.summaries.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("load summary", zap.String("session_id", c.Param("id")), zap.Error(err))
		response.Internal(c, "failed to load summary")
		return
	}
	if sum == nil {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, sum)
}

// Config handles GET /api/stream/config.
func (h *Handler) Config(c *gin.Context) {
	response.OK(c, h.client)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok", "sessions": h.registry.Len()})
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, session.ErrNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, session.ErrUnauthorized):
		response.Unauthorized(c, "unauthorized")
	case errors.Is(err, ingest.ErrPayloadTooLarge):
		response.PayloadTooLarge(c, "payload too large")
	case errors.Is(err, ingest.ErrMissingBody):
		response.BadRequest(c, "missing body")
	default:
		h.logger.Error("stream request failed", zap.Error(err))
		response.Internal(c, "internal error")
	}
}
