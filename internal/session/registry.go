package session

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown or destroyed sessions.
	ErrNotFound = errors.New("session not found")
	// ErrUnauthorized is returned when the presented credential does not match.
	ErrUnauthorized = errors.New("unauthorized")
)

// tombstoneTTL is how long destroyed ids are remembered for late-arriving traffic.
const tombstoneTTL = time.Hour

// CloseEvent is the terminal event sent to subscribers on destroy.
var CloseEvent = Event{Type: EventClose, Data: []byte(`{"type":"close"}`)}

// Registry creates, validates and destroys capture sessions (thread-safe).
// It owns every Session and its queue state; callers never mutate them directly.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	destroyed   *cache.Cache
	issueTokens bool
	logger      *zap.Logger
}

// NewRegistry creates an empty registry. When issueTokens is true every session gets its own credential.
func NewRegistry(issueTokens bool, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		destroyed:   cache.New(tombstoneTTL, 10*time.Minute),
		issueTokens: issueTokens,
		logger:      logger,
	}
}

// Create allocates a fresh session with no subscribers and zero queue depth.
// token is empty when ingest protection is not configured.
func (r *Registry) Create() (id, token string) {
	if r.issueTokens {
		token = uuid.NewString()
	}
	r.mu.Lock()
	for {
		id = uuid.NewString()
		if _, live := r.sessions[id]; live {
			continue
		}
		if _, gone := r.destroyed.Get(id); gone {
			continue
		}
		break
	}
	r.sessions[id] = newSession(id, token)
	r.mu.Unlock()

	r.logger.Info("session created", zap.String("session_id", id), zap.Bool("token_issued", token != ""))
	return id, token
}

// Validate fails closed: unknown ids and mismatched credentials are rejected.
// Sessions created without a credential accept any presented value.
func (r *Registry) Validate(id, presented string) bool {
	s, ok := r.get(id)
	if !ok {
		return false
	}
	if s.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(s.token), []byte(presented)) == 1
}

// Authorize is Validate with the failure reason: ErrNotFound or ErrUnauthorized.
func (r *Registry) Authorize(id, presented string) error {
	if !r.Exists(id) {
		return ErrNotFound
	}
	if !r.Validate(id, presented) {
		return ErrUnauthorized
	}
	return nil
}

// Exists reports whether id names a live session.
func (r *Registry) Exists(id string) bool {
	_, ok := r.get(id)
	return ok
}

// Destroyed reports whether id named a session that has since been destroyed.
func (r *Registry) Destroyed(id string) bool {
	_, ok := r.destroyed.Get(id)
	return ok
}

// Destroy signals close to every subscriber, then removes the session and its queue state.
// Unknown ids are a no-op so duplicate stop calls are tolerated.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.destroyed.Set(id, struct{}{}, cache.DefaultExpiration)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close(CloseEvent)
	r.logger.Info("session destroyed", zap.String("session_id", id), zap.Int("pending", s.currentDepth()))
}

// Enqueue counts one accepted chunk against the session and returns its sequence number and the new depth.
func (r *Registry) Enqueue(id string) (Ticket, error) {
	s, ok := r.get(id)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	t, ok := s.enqueue()
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

// Complete counts one chunk as processed or dropped. Depth never goes below zero;
// unknown sessions report zero.
func (r *Registry) Complete(id string) int {
	s, ok := r.get(id)
	if !ok {
		return 0
	}
	return s.complete()
}

// Depth returns the current queue depth of a session.
func (r *Registry) Depth(id string) (int, error) {
	s, ok := r.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	return s.currentDepth(), nil
}

// Subscribe registers a listener on the session's event channel.
func (r *Registry) Subscribe(id string) (*Subscriber, error) {
	s, ok := r.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	sub, ok := s.subscribe()
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

// Unsubscribe releases a listener; safe after the session is gone.
func (r *Registry) Unsubscribe(id string, sub *Subscriber) {
	if sub == nil {
		return
	}
	if s, ok := r.get(id); ok {
		s.unsubscribe(sub)
		return
	}
	sub.shutdown()
}

// Publish fans ev out to the session's current subscribers.
func (r *Registry) Publish(id string, ev Event) (delivered, dropped int, err error) {
	s, ok := r.get(id)
	if !ok {
		return 0, 0, ErrNotFound
	}
	delivered, dropped = s.publish(ev)
	return delivered, dropped, nil
}

// Subscribers returns the number of listeners attached to a session.
func (r *Registry) Subscribers(id string) int {
	s, ok := r.get(id)
	if !ok {
		return 0
	}
	return s.subscriberCount()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DestroyAll tears down every live session (used on shutdown).
func (r *Registry) DestroyAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Destroy(id)
	}
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}
