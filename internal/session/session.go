package session

import (
	"sync"
	"time"
)

// Event types delivered to subscribers.
const (
	EventDetections = "detections"
	EventClose      = "close"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events are dropped for it.
const subscriberBuffer = 64

// Event is one serialized message on a session's push channel.
type Event struct {
	Type string
	Data []byte // JSON document including the "type" discriminator
}

// Subscriber is one listener on a session's event channel.
// Events are delivered in publish order; the channel is closed after the
// terminal close event or when the subscriber is removed.
type Subscriber struct {
	id     uint64
	events chan Event
	once   sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscriber) Events() <-chan Event { return s.events }

func (s *Subscriber) shutdown() {
	s.once.Do(func() { close(s.events) })
}

// Session is one capture session: its credential, queue depth and subscribers.
// All mutable state is guarded by the session's own mutex.
type Session struct {
	ID        string
	CreatedAt time.Time
	token     string

	mu          sync.Mutex
	depth       int
	accepted    int64
	subscribers map[uint64]*Subscriber
	nextSub     uint64
	closed      bool
}

func newSession(id, token string) *Session {
	return &Session{
		ID:          id,
		CreatedAt:   time.Now(),
		token:       token,
		subscribers: make(map[uint64]*Subscriber),
	}
}

// Ticket describes a chunk accepted into a session's queue.
type Ticket struct {
	Seq   int64
	Depth int
}

func (s *Session) enqueue() (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, false
	}
	s.accepted++
	s.depth++
	return Ticket{Seq: s.accepted, Depth: s.depth}, true
}

func (s *Session) complete() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth > 0 {
		s.depth--
	}
	return s.depth
}

func (s *Session) currentDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

func (s *Session) subscribe() (*Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.nextSub++
	sub := &Subscriber{id: s.nextSub, events: make(chan Event, subscriberBuffer)}
	s.subscribers[sub.id] = sub
	return sub, true
}

func (s *Session) unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.id]; ok {
		delete(s.subscribers, sub.id)
		sub.shutdown()
	}
}

// publish delivers ev to every current subscriber without blocking.
// Returns how many subscribers received it and how many were skipped because their buffer was full.
func (s *Session) publish(ev Event) (delivered, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0
	}
	for _, sub := range s.subscribers {
		select {
		case sub.events <- ev:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// close sends the terminal event to every subscriber and closes their channels.
func (s *Session) close(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subscribers {
		select {
		case sub.events <- ev:
		default:
			// full buffer: evict the oldest batch so close is always the last event
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- ev:
			default:
			}
		}
		sub.shutdown()
		delete(s.subscribers, id)
	}
}

func (s *Session) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
