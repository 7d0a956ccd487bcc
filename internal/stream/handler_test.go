package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/models"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/scans"
	"github.com/garage-scan/backend/internal/session"
	"github.com/garage-scan/backend/internal/tracking"
)

// holdDispatcher accepts every chunk and never finishes it.
type holdDispatcher struct {
	mu       sync.Mutex
	chunks   []detector.Chunk
	released []string
}

func (d *holdDispatcher) Dispatch(_ context.Context, chunk detector.Chunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, chunk)
	return nil
}

func (d *holdDispatcher) Release(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, sessionID)
}

type env struct {
	router   *gin.Engine
	registry *session.Registry
	hub      *realtime.Hub
	handler  *Handler
	dispatch *holdDispatcher
}

func newEnv(t *testing.T, issueTokens bool) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := session.NewRegistry(issueTokens, nil)
	ctrl := ingest.NewController(reg, 16, nil)
	d := &holdDispatcher{}
	ctrl.SetDispatcher(d)
	hub := realtime.NewHub(reg, nil)
	h := NewHandler(reg, ctrl, ClientConfig{ChunkMS: 500, QueueThreshold: 5, MaxChunkBytes: 16}, nil)

	r := gin.New()
	r.GET("/health", h.Health)
	Register(r, h, hub, nil)
	return &env{router: r, registry: reg, hub: hub, handler: h, dispatch: d}
}

type body struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *env) do(t *testing.T, method, path, token, payload string) (int, body) {
	t.Helper()
	var req *http.Request
	if payload == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(payload))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var b body
	_ = json.Unmarshal(w.Body.Bytes(), &b)
	return w.Code, b
}

func (e *env) start(t *testing.T) StartResponse {
	t.Helper()
	code, b := e.do(t, http.MethodPost, "/api/stream/start", "", "")
	require.Equal(t, http.StatusCreated, code)
	var out StartResponse
	require.NoError(t, json.Unmarshal(b.Data, &out))
	require.NotEmpty(t, out.SessionID)
	return out
}

func TestStartIssuesTokenWhenConfigured(t *testing.T) {
	s := newEnv(t, true).start(t)
	assert.NotEmpty(t, s.IngestToken)

	s = newEnv(t, false).start(t)
	assert.Empty(t, s.IngestToken)
}

func TestStop(t *testing.T) {
	e := newEnv(t, true)
	s := e.start(t)

	code, _ := e.do(t, http.MethodPost, "/api/stream/stop", "", `{"session_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/api/stream/stop", "", `{"session_id":"`+s.SessionID+`","ingest_token":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Empty(t, e.dispatch.released)

	code, _ = e.do(t, http.MethodPost, "/api/stream/stop", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/stream/stop", "", `{"session_id":"`+s.SessionID+`","ingest_token":"`+s.IngestToken+`"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, e.registry.Exists(s.SessionID))
	assert.Equal(t, []string{s.SessionID}, e.dispatch.released)
}

func TestIngestErrors(t *testing.T) {
	e := newEnv(t, true)
	s := e.start(t)
	path := "/api/stream/ingest?session_id=" + s.SessionID

	tests := []struct {
		name    string
		path    string
		token   string
		payload string
		want    int
	}{
		{"missing session id", "/api/stream/ingest", s.IngestToken, "abc", http.StatusBadRequest},
		{"bad seq", path + "&seq=x", s.IngestToken, "abc", http.StatusBadRequest},
		{"no token", path, "", "abc", http.StatusUnauthorized},
		{"wrong token", path, "nope", "abc", http.StatusUnauthorized},
		{"unknown session", "/api/stream/ingest?session_id=ghost", s.IngestToken, "abc", http.StatusUnauthorized},
		{"too large", path, s.IngestToken, strings.Repeat("x", 17), http.StatusRequestEntityTooLarge},
		{"empty body", path, s.IngestToken, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, b := e.do(t, http.MethodPost, tt.path, tt.token, tt.payload)
			assert.Equal(t, tt.want, code)
			assert.False(t, b.Success)
		})
	}

	depth, err := e.registry.Depth(s.SessionID)
	require.NoError(t, err)
	assert.Zero(t, depth, "rejected chunks never count")
}

func TestIngestAndStatus(t *testing.T) {
	e := newEnv(t, true)
	s := e.start(t)

	for want := 1; want <= 2; want++ {
		code, b := e.do(t, http.MethodPost, "/api/stream/ingest?session_id="+s.SessionID+"&seq=9", s.IngestToken, "chunk")
		require.Equal(t, http.StatusOK, code)
		var out IngestResponse
		require.NoError(t, json.Unmarshal(b.Data, &out))
		assert.True(t, out.Accepted)
		assert.Equal(t, want, out.Queued)
		assert.Equal(t, int64(want), out.Seq)
	}

	code, b := e.do(t, http.MethodGet, "/api/stream/"+s.SessionID+"/status", s.IngestToken, "")
	require.Equal(t, http.StatusOK, code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(b.Data, &st))
	assert.Equal(t, 2, st.Queued)

	code, _ = e.do(t, http.MethodGet, "/api/stream/"+s.SessionID+"/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	require.Len(t, e.dispatch.chunks, 2)
	assert.Equal(t, "video/webm", e.dispatch.chunks[0].ContentType)
}

func TestConfigAndHealth(t *testing.T) {
	e := newEnv(t, false)
	code, b := e.do(t, http.MethodGet, "/api/stream/config", "", "")
	require.Equal(t, http.StatusOK, code)
	var cfg ClientConfig
	require.NoError(t, json.Unmarshal(b.Data, &cfg))
	assert.Equal(t, 5, cfg.QueueThreshold)

	e.start(t)
	code, b = e.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, string(b.Data))
}

type fakeSummaries struct{ sum *scans.Summary }

func (f fakeSummaries) Summary(context.Context, string) (*scans.Summary, error) { return f.sum, nil }

type lifecycle struct{ started, stopped []string }

func (l *lifecycle) Started(id string) { l.started = append(l.started, id) }
func (l *lifecycle) Stopped(id string) { l.stopped = append(l.stopped, id) }

func TestSummary(t *testing.T) {
	e := newEnv(t, false)
	code, _ := e.do(t, http.MethodGet, "/api/stream/x/summary", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	lc := &lifecycle{}
	e.handler.SetHistory(lc, fakeSummaries{})
	code, _ = e.do(t, http.MethodGet, "/api/stream/x/summary", "", "")
	assert.Equal(t, http.StatusNotFound, code)

	e.handler.SetHistory(lc, fakeSummaries{sum: &scans.Summary{Session: &models.ScanSession{ID: "x"}, TopLabels: []models.LabelCount{}}})
	code, _ = e.do(t, http.MethodGet, "/api/stream/x/summary", "", "")
	assert.Equal(t, http.StatusOK, code)

	s := e.start(t)
	e.do(t, http.MethodPost, "/api/stream/stop", "", `{"session_id":"`+s.SessionID+`"}`)
	assert.Equal(t, []string{s.SessionID}, lc.started)
	assert.Equal(t, []string{s.SessionID}, lc.stopped)
}

func TestScanRoundTrip(t *testing.T) {
	e := newEnv(t, true)
	s := e.start(t)

	code, b := e.do(t, http.MethodPost, "/api/stream/ingest?session_id="+s.SessionID, s.IngestToken, "frame")
	require.Equal(t, http.StatusOK, code)
	var in IngestResponse
	require.NoError(t, json.Unmarshal(b.Data, &in))
	assert.Equal(t, 1, in.Queued)

	sub, err := e.hub.Subscribe(s.SessionID)
	require.NoError(t, err)
	require.NoError(t, e.hub.Publish(s.SessionID, detector.Batch{Seq: 1, Detections: []detector.Detection{
		{Label: "drill", Confidence: 0.9, BBox: detector.Box{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}},
	}}))

	var ev struct {
		Type       string               `json:"type"`
		FrameID    int64                `json:"frame_id"`
		Detections []detector.Detection `json:"detections"`
	}
	select {
	case got := <-sub.Events():
		require.NoError(t, json.Unmarshal(got.Data, &ev))
	case <-time.After(time.Second):
		t.Fatal("no detections event")
	}
	assert.Equal(t, session.EventDetections, ev.Type)

	rec := tracking.NewReconciler(tracking.DefaultOptions())
	rec.ApplyBatch(detector.Batch{Seq: ev.FrameID, Detections: ev.Detections})
	tracks := rec.Tracks()
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].Authoritative)

	code, _ = e.do(t, http.MethodPost, "/api/stream/stop", "", `{"session_id":"`+s.SessionID+`","ingest_token":"`+s.IngestToken+`"}`)
	require.Equal(t, http.StatusOK, code)

	_, err = e.hub.Subscribe(s.SessionID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	code, _ = e.do(t, http.MethodGet, "/api/stream/"+s.SessionID+"/events", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}
