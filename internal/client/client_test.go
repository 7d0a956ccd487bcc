package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garage-scan/backend/internal/capture"
	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/pipeline"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/session"
	"github.com/garage-scan/backend/internal/stream"
	"github.com/garage-scan/backend/internal/tracking"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := session.NewRegistry(true, nil)
	ctrl := ingest.NewController(reg, 64, nil)
	hub := realtime.NewHub(reg, nil)
	bus := pipeline.NewBus(detector.NewStub(), pipeline.NewSink(hub, ctrl, nil), 1, 8, nil)
	ctrl.SetDispatcher(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	require.Eventually(t, bus.Running, time.Second, 5*time.Millisecond)

	r := gin.New()
	stream.Register(r, stream.NewHandler(reg, ctrl, stream.ClientConfig{QueueThreshold: 5, MaxChunkBytes: 64}, nil), hub, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		reg.DestroyAll()
		srv.Close()
		cancel()
		<-done
		_ = bus.Close()
	})
	return srv
}

type sliceRecorder struct{ ch chan capture.Chunk }

func (r sliceRecorder) Chunks() <-chan capture.Chunk { return r.ch }
func (sliceRecorder) Pause()                         {}
func (sliceRecorder) Resume()                        {}

type batches struct {
	mu  sync.Mutex
	all []detector.Batch
}

func (b *batches) add(batch detector.Batch) {
	b.mu.Lock()
	b.all = append(b.all, batch)
	b.mu.Unlock()
}

func (b *batches) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

func TestCaptureToOverlay(t *testing.T) {
	for _, transport := range []string{"sse", "ws"} {
		t.Run(transport, func(t *testing.T) {
			srv := newServer(t)
			c := New(srv.URL, srv.Client(), nil)
			ctx := context.Background()

			id, err := c.Start(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got := &batches{}
			rec := tracking.NewReconciler(tracking.DefaultOptions())
			events := make(chan error, 1)
			handle := func(b detector.Batch) {
				got.add(b)
				rec.ApplyBatch(b)
			}
			go func() {
				if transport == "ws" {
					events <- c.EventsWS(ctx, handle)
					return
				}
				events <- c.Events(ctx, handle)
			}()
			require.Eventually(t, func() bool {
				st, err := c.Status(ctx)
				return err == nil && st.Subscribers == 1
			}, time.Second, 5*time.Millisecond)

			chunks := make(chan capture.Chunk, 3)
			for i := 1; i <= 3; i++ {
				chunks <- capture.Chunk{Seq: int64(i), ContentType: "image/jpeg", Data: []byte("frame")}
			}
			close(chunks)
			loop := capture.NewLoop(sliceRecorder{chunks}, c, capture.Options{}, nil)
			require.NoError(t, loop.Run(ctx))
			assert.Equal(t, 3, loop.Stats().Uploaded)

			require.Eventually(t, func() bool { return got.len() == 3 }, 2*time.Second, 10*time.Millisecond)
			tracks := rec.Tracks()
			require.Len(t, tracks, 1)
			assert.Equal(t, "object", tracks[0].Label)

			require.Eventually(t, func() bool {
				d, err := c.Depth(ctx)
				return err == nil && d == 0
			}, time.Second, 10*time.Millisecond)

			require.NoError(t, c.Stop(ctx))
			select {
			case err := <-events:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("event stream did not end on stop")
			}

			_, err = c.Upload(ctx, capture.Chunk{Seq: 4, Data: []byte("late")})
			assert.ErrorIs(t, err, session.ErrUnauthorized)
			assert.ErrorIs(t, c.Stop(ctx), session.ErrNotFound)
		})
	}
}

func TestUploadErrorMapping(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, nil, nil)
	ctx := context.Background()
	_, err := c.Start(ctx)
	require.NoError(t, err)

	_, err = c.Upload(ctx, capture.Chunk{Seq: 1, Data: make([]byte, 65)})
	assert.ErrorIs(t, err, ingest.ErrPayloadTooLarge)

	_, err = c.Upload(ctx, capture.Chunk{Seq: 1})
	assert.ErrorIs(t, err, ingest.ErrMissingBody)

	id, _ := c.Session()
	c.Attach(id, "forged")
	_, err = c.Upload(ctx, capture.Chunk{Seq: 1, Data: []byte("x")})
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	c.Attach("ghost", "")
	assert.ErrorIs(t, c.Events(ctx, func(detector.Batch) {}), session.ErrNotFound)
}

func TestNoSession(t *testing.T) {
	c := New("http://127.0.0.1:0", nil, nil)
	_, err := c.Depth(context.Background())
	assert.True(t, errors.Is(err, ErrNoSession))
	assert.ErrorIs(t, c.Stop(context.Background()), ErrNoSession)
}

func TestStatusError(t *testing.T) {
	assert.ErrorIs(t, statusError(http.StatusNotFound, ""), session.ErrNotFound)
	assert.ErrorIs(t, statusError(http.StatusBadRequest, "missing body"), ingest.ErrMissingBody)
	err := statusError(http.StatusServiceUnavailable, "")
	assert.EqualError(t, err, "server returned 503: Service Unavailable")
}
