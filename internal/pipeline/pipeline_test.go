package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/session"
	"github.com/garage-scan/backend/pkg/queue"
	"github.com/garage-scan/backend/pkg/storage"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches map[string][]detector.Batch
}

func (r *batchRecorder) RecordBatch(_ context.Context, sessionID string, batch detector.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = make(map[string][]detector.Batch)
	}
	r.batches[sessionID] = append(r.batches[sessionID], batch)
}

func (r *batchRecorder) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[sessionID])
}

type flakyDetector struct{}

func (flakyDetector) Detect(context.Context, detector.Chunk) ([]detector.Detection, error) {
	return nil, errors.New("model unavailable")
}

func startBus(t *testing.T, det detector.Detector) (*session.Registry, *ingest.Controller, *batchRecorder) {
	t.Helper()
	reg := session.NewRegistry(false, nil)
	ctrl := ingest.NewController(reg, 1024, nil)
	sink := NewSink(realtime.NewHub(reg, nil), ctrl, nil)
	rec := &batchRecorder{}
	sink.SetRecorder(rec)
	bus := NewBus(det, sink, 2, 8, nil)
	ctrl.SetDispatcher(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = bus.Close()
	})
	require.Eventually(t, bus.Running, time.Second, 5*time.Millisecond)
	return reg, ctrl, rec
}

func TestBusPublishesAndDrainsDepth(t *testing.T) {
	reg, ctrl, rec := startBus(t, detector.NewStub())
	id, _ := reg.Create()
	sub, err := reg.Subscribe(id)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := ctrl.Accept(context.Background(), id, "", strings.NewReader("frame"), -1, "image/jpeg")
		require.NoError(t, err)
	}

	seen := 0
	timeout := time.After(2 * time.Second)
	for seen < 4 {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, session.EventDetections, ev.Type)
			assert.Contains(t, string(ev.Data), `"label":"object"`)
			seen++
		case <-timeout:
			t.Fatalf("received %d of 4 batches", seen)
		}
	}
	assert.Eventually(t, func() bool {
		d, _ := reg.Depth(id)
		return d == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, rec.count(id))
}

func TestBusDetectorFailurePublishesEmptyBatch(t *testing.T) {
	reg, ctrl, _ := startBus(t, flakyDetector{})
	id, _ := reg.Create()
	sub, err := reg.Subscribe(id)
	require.NoError(t, err)

	_, err = ctrl.Accept(context.Background(), id, "", strings.NewReader("frame"), -1, "")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.JSONEq(t, `{"type":"detections","frame_id":1,"detections":[]}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no batch published for failed detection")
	}
	assert.True(t, reg.Exists(id), "detector failure must not end the session")
}

func TestBusDispatchWithoutConsumer(t *testing.T) {
	bus := NewBus(detector.NewStub(), nil, 1, 1, nil)
	defer bus.Close()
	err := bus.Dispatch(context.Background(), detector.Chunk{SessionID: "s"})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSinkUnknownSessionStillCompletes(t *testing.T) {
	reg := session.NewRegistry(false, nil)
	ctrl := ingest.NewController(reg, 0, nil)
	sink := NewSink(realtime.NewHub(reg, nil), ctrl, nil)

	assert.NotPanics(t, func() {
		sink.Complete(context.Background(), "gone", detector.Batch{Seq: 1})
	})
}

func TestSharedResultsRecordedOnlyByOwner(t *testing.T) {
	newInstance := func() (*session.Registry, *Sink, *batchRecorder) {
		reg := session.NewRegistry(false, nil)
		sink := NewSink(realtime.NewHub(reg, nil), ingest.NewController(reg, 0, nil), nil)
		rec := &batchRecorder{}
		sink.SetRecorder(rec)
		sink.SetTombstones(reg)
		return reg, sink, rec
	}
	owner, ownerSink, ownerRec := newInstance()
	_, foreignSink, foreignRec := newInstance()

	id, _ := owner.Create()
	ticket, err := owner.Enqueue(id)
	require.NoError(t, err)
	require.Equal(t, 1, ticket.Depth)

	batch := detector.Batch{Seq: ticket.Seq, Detections: []detector.Detection{{Label: "wrench", Confidence: 0.7}}}
	ownerSink.Complete(context.Background(), id, batch)
	foreignSink.Complete(context.Background(), id, batch)

	assert.Equal(t, 1, ownerRec.count(id))
	assert.Zero(t, foreignRec.count(id))
	depth, err := owner.Depth(id)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// late results for a session the owner already stopped are still history
	owner.Destroy(id)
	ownerSink.Complete(context.Background(), id, batch)
	foreignSink.Complete(context.Background(), id, batch)
	assert.Equal(t, 2, ownerRec.count(id))
	assert.Zero(t, foreignRec.count(id))
}

type fakeQueue struct {
	payloads []queue.DetectPayload
	err      error
}

func (q *fakeQueue) EnqueueDetect(_ context.Context, p queue.DetectPayload) error {
	if q.err != nil {
		return q.err
	}
	q.payloads = append(q.payloads, p)
	return nil
}

func TestQueueDispatcher(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)
	q := &fakeQueue{}
	d := NewQueueDispatcher(store, q, nil)

	require.NoError(t, d.Dispatch(ctx, detector.Chunk{SessionID: "s", Seq: 2, ContentType: "image/png", Data: []byte("png")}))
	require.Len(t, q.payloads, 1)
	assert.Equal(t, "streams/s/2_chunk.png", q.payloads[0].ChunkKey)

	data, _, err := store.Get(ctx, q.payloads[0].ChunkKey, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
}

func TestStopRemovesSessionChunks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := storage.NewDisk(root)
	require.NoError(t, err)
	q := &fakeQueue{}

	reg := session.NewRegistry(false, nil)
	ctrl := ingest.NewController(reg, 1024, nil)
	ctrl.SetDispatcher(NewQueueDispatcher(store, q, nil))
	id, _ := reg.Create()

	_, err = ctrl.Accept(ctx, id, "", strings.NewReader("frame"), -1, "image/jpeg")
	require.NoError(t, err)
	require.Len(t, q.payloads, 1)
	assert.DirExists(t, filepath.Join(root, "streams", id))

	reg.Destroy(id)
	ctrl.Release(id)
	assert.NoDirExists(t, filepath.Join(root, "streams", id))
	_, _, err = store.Get(ctx, q.payloads[0].ChunkKey, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueueDispatcherCleansUpOnEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewDisk(t.TempDir())
	require.NoError(t, err)
	d := NewQueueDispatcher(store, &fakeQueue{err: errors.New("redis down")}, nil)

	err = d.Dispatch(ctx, detector.Chunk{SessionID: "s", Seq: 1, ContentType: "image/png", Data: []byte("png")})
	require.Error(t, err)

	_, _, err = store.Get(ctx, storage.DiskKey("s", 1, "image/png"), 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
