package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWithoutTokens(t *testing.T) {
	r := NewRegistry(false, nil)
	id, token := r.Create()

	assert.NotEmpty(t, id)
	assert.Empty(t, token)
	assert.True(t, r.Exists(id))

	depth, err := r.Depth(id)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, r.Subscribers(id))
}

func TestCreateIssuesDistinctIDs(t *testing.T) {
	r := NewRegistry(true, nil)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, token := r.Create()
		require.NotEmpty(t, token)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, r.Len())
}

func TestValidate(t *testing.T) {
	open := NewRegistry(false, nil)
	openID, _ := open.Create()

	locked := NewRegistry(true, nil)
	lockedID, token := locked.Create()

	tests := []struct {
		name      string
		registry  *Registry
		id        string
		presented string
		want      bool
	}{
		{"unknown id", open, "missing", "anything", false},
		{"unknown id with tokens", locked, "missing", token, false},
		{"open session empty credential", open, openID, "", true},
		{"open session any credential", open, openID, "whatever", true},
		{"wrong credential", locked, lockedID, "wrong", false},
		{"missing credential", locked, lockedID, "", false},
		{"correct credential", locked, lockedID, token, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.registry.Validate(tt.id, tt.presented))
		})
	}
}

func TestAuthorize(t *testing.T) {
	r := NewRegistry(true, nil)
	id, token := r.Create()

	assert.ErrorIs(t, r.Authorize("missing", token), ErrNotFound)
	assert.ErrorIs(t, r.Authorize(id, "bad"), ErrUnauthorized)
	assert.NoError(t, r.Authorize(id, token))
}

func TestDestroyClosesSubscribers(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	a, err := r.Subscribe(id)
	require.NoError(t, err)
	b, err := r.Subscribe(id)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Subscribers(id))

	r.Destroy(id)

	for _, sub := range []*Subscriber{a, b} {
		ev, ok := <-sub.Events()
		require.True(t, ok)
		assert.Equal(t, EventClose, ev.Type)
		_, ok = <-sub.Events()
		assert.False(t, ok, "channel must be closed after the close event")
	}

	assert.False(t, r.Exists(id))
	assert.True(t, r.Destroyed(id))
	_, err = r.Subscribe(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestroyIsIdempotent(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	r.Destroy(id)
	r.Destroy(id)
	r.Destroy("never-existed")

	assert.Zero(t, r.Len())
}

func TestDestroyedIDNotReused(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()
	r.Destroy(id)

	for i := 0; i < 50; i++ {
		next, _ := r.Create()
		assert.NotEqual(t, id, next)
	}
}

func TestQueueDepthCounter(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	for i := 1; i <= 5; i++ {
		ticket, err := r.Enqueue(id)
		require.NoError(t, err)
		assert.Equal(t, i, ticket.Depth)
		assert.Equal(t, int64(i), ticket.Seq)
	}
	assert.Equal(t, 4, r.Complete(id))
	assert.Equal(t, 3, r.Complete(id))

	depth, err := r.Depth(id)
	require.NoError(t, err)
	assert.Equal(t, 5-2, depth)
}

func TestQueueDepthNeverNegative(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	_, err := r.Enqueue(id)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Complete(id))
	assert.Equal(t, 0, r.Complete(id), "stray late completion must clamp at zero")
	assert.Equal(t, 0, r.Complete("unknown"))

	ticket, err := r.Enqueue(id)
	require.NoError(t, err)
	assert.Equal(t, 1, ticket.Depth)
}

func TestEnqueueUnknownSession(t *testing.T) {
	r := NewRegistry(false, nil)
	_, err := r.Enqueue("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentDepthAccounting(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = r.Enqueue(id)
		}()
	}
	wg.Wait()

	wg.Add(n / 2)
	for i := 0; i < n/2; i++ {
		go func() {
			defer wg.Done()
			r.Complete(id)
		}()
	}
	wg.Wait()

	depth, err := r.Depth(id)
	require.NoError(t, err)
	assert.Equal(t, n/2, depth)
}

func TestPublishOrderAndLateJoiners(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	early, err := r.Subscribe(id)
	require.NoError(t, err)

	for _, payload := range []string{"1", "2", "3"} {
		delivered, dropped, err := r.Publish(id, Event{Type: EventDetections, Data: []byte(payload)})
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)
		assert.Zero(t, dropped)
	}

	late, err := r.Subscribe(id)
	require.NoError(t, err)

	for _, want := range []string{"1", "2", "3"} {
		ev := <-early.Events()
		assert.Equal(t, want, string(ev.Data))
	}
	select {
	case ev := <-late.Events():
		t.Fatalf("late subscriber received earlier event %q", ev.Data)
	default:
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()

	delivered, dropped, err := r.Publish(id, Event{Type: EventDetections})
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Zero(t, dropped)

	_, _, err = r.Publish("missing", Event{Type: EventDetections})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()
	sub, err := r.Subscribe(id)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer; i++ {
		_, _, err := r.Publish(id, Event{Type: EventDetections})
		require.NoError(t, err)
	}
	delivered, dropped, err := r.Publish(id, Event{Type: EventDetections})
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 1, dropped)

	// the oldest batch makes room for the close event
	r.Destroy(id)
	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, EventClose, got[len(got)-1].Type)
	assert.Equal(t, EventDetections, got[0].Type)
}

func TestCloseReachesSubscriberWithFullBuffer(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()
	full, err := r.Subscribe(id)
	require.NoError(t, err)
	idle, err := r.Subscribe(id)
	require.NoError(t, err)

	for i := 1; i <= subscriberBuffer; i++ {
		_, _, err := r.Publish(id, Event{Type: EventDetections, Data: []byte{byte(i)}})
		require.NoError(t, err)
		if i == 1 {
			<-idle.Events()
		}
	}
	r.Destroy(id)

	var last Event
	count := 0
	for ev := range full.Events() {
		if count == 0 {
			assert.Equal(t, []byte{2}, ev.Data, "oldest batch evicted")
		}
		last = ev
		count++
	}
	assert.Equal(t, subscriberBuffer, count)
	assert.Equal(t, CloseEvent, last)

	var idleLast Event
	for ev := range idle.Events() {
		idleLast = ev
	}
	assert.Equal(t, EventClose, idleLast.Type)
}

func TestUnsubscribeReleasesChannel(t *testing.T) {
	r := NewRegistry(false, nil)
	id, _ := r.Create()
	sub, err := r.Subscribe(id)
	require.NoError(t, err)

	r.Unsubscribe(id, sub)
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, r.Subscribers(id))

	// after destroy, a second unsubscribe is harmless
	r.Destroy(id)
	r.Unsubscribe(id, sub)
}

func TestDestroyAll(t *testing.T) {
	r := NewRegistry(false, nil)
	for i := 0; i < 3; i++ {
		r.Create()
	}
	r.DestroyAll()
	assert.Zero(t, r.Len())
}
