// Package hub owns live connection endpoints and fans session events out to them.
//
// Sessions never hold transport handles. They address participants by id and resolve the
// current endpoint through the Registry at send time.
package hub

import (
	"sync"
	"time"

	"github.com/kauschie/knewit/internal/domain"
	"go.uber.org/zap"
)

// Transport is the physical connection behind an endpoint. Send must not block for long; the
// websocket adapter enqueues onto a bounded buffer and reports domain.ErrBackpressure when full.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Endpoint binds a transport to a participant of a session.
type Endpoint struct {
	SessionID     string
	ParticipantID string
	Role          domain.Role

	transport Transport

	mu        sync.Mutex
	createdAt time.Time
	lastSeen  time.Time
	rtt       time.Duration
	dead      bool
	closeOnce sync.Once
}

func newEndpoint(sessionID, participantID string, role domain.Role, t Transport, now time.Time) *Endpoint {
	return &Endpoint{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Role:          role,
		transport:     t,
		createdAt:     now,
		lastSeen:      now,
	}
}

// Send writes a frame unless the endpoint is already dead.
func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	dead := e.dead
	e.mu.Unlock()
	if dead {
		return domain.ErrConnectionClosed
	}
	return e.transport.Send(data)
}

// Seen records inbound activity.
func (e *Endpoint) Seen(now time.Time) {
	e.mu.Lock()
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	e.mu.Unlock()
}

// Ack records a probe acknowledgment and its round-trip time.
func (e *Endpoint) Ack(sentAt, now time.Time) time.Duration {
	rtt := now.Sub(sentAt)
	if rtt < 0 {
		rtt = 0
	}
	e.mu.Lock()
	e.rtt = rtt
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
	e.mu.Unlock()
	return rtt
}

// LastSeen returns the last inbound activity time.
func (e *Endpoint) LastSeen() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// RTT returns the last measured round trip.
func (e *Endpoint) RTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rtt
}

// Dead reports whether the endpoint was marked dead.
func (e *Endpoint) Dead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}

func (e *Endpoint) markDead() {
	e.mu.Lock()
	e.dead = true
	e.mu.Unlock()
}

func (e *Endpoint) close() {
	e.markDead()
	e.closeOnce.Do(func() {
		_ = e.transport.Close()
	})
}

// Registry tracks endpoints per session and participant.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Endpoint
	now      func() time.Time
	log      *zap.Logger
	onDead   func(*Endpoint)
}

func NewRegistry(logger *zap.Logger) *Registry {
	return NewRegistryWithClock(logger, time.Now)
}

// NewRegistryWithClock allows deterministic liveness timestamps in tests.
func NewRegistryWithClock(logger *zap.Logger, now func() time.Time) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]map[string]*Endpoint),
		now:      now,
		log:      logger.With(zap.String("module", "hub")),
	}
}

// OnDead registers a callback run asynchronously for every endpoint removed after a failed send.
func (r *Registry) OnDead(fn func(*Endpoint)) {
	r.mu.Lock()
	r.onDead = fn
	r.mu.Unlock()
}

// Attach registers t as the participant's endpoint. A previous endpoint for the same
// participant is closed and replaced.
func (r *Registry) Attach(sessionID, participantID string, role domain.Role, t Transport) *Endpoint {
	ep := newEndpoint(sessionID, participantID, role, t, r.now())

	r.mu.Lock()
	conns, ok := r.sessions[sessionID]
	if !ok {
		conns = make(map[string]*Endpoint)
		r.sessions[sessionID] = conns
	}
	previous := conns[participantID]
	conns[participantID] = ep
	r.mu.Unlock()

	if previous != nil {
		previous.close()
		r.log.Info("replaced endpoint", zap.String("session_id", sessionID), zap.String("participant_id", participantID))
	}
	return ep
}

// Lookup returns the current endpoint of a participant.
func (r *Registry) Lookup(sessionID, participantID string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.sessions[sessionID][participantID]
	return ep, ok
}

// Release drops ep if it is still current. It reports false when a newer endpoint has
// replaced ep, in which case the participant is still connected.
func (r *Registry) Release(ep *Endpoint) bool {
	r.mu.Lock()
	conns := r.sessions[ep.SessionID]
	current, ok := conns[ep.ParticipantID]
	superseded := ok && current != ep
	if ok && current == ep {
		delete(conns, ep.ParticipantID)
		if len(conns) == 0 {
			delete(r.sessions, ep.SessionID)
		}
	}
	r.mu.Unlock()

	ep.close()
	return !superseded
}

// Disconnect force-closes a participant's endpoint.
func (r *Registry) Disconnect(sessionID, participantID string) {
	r.mu.Lock()
	ep, ok := r.sessions[sessionID][participantID]
	if ok {
		r.removeLocked(ep)
	}
	r.mu.Unlock()
	if ok {
		ep.close()
	}
}

// Detach unregisters a participant's endpoint without closing its transport.
func (r *Registry) Detach(sessionID, participantID string) {
	r.mu.Lock()
	if ep, ok := r.sessions[sessionID][participantID]; ok {
		r.removeLocked(ep)
	}
	r.mu.Unlock()
}

// DropSession closes every endpoint of a session.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	conns := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, ep := range conns {
		ep.close()
	}
	if len(conns) > 0 {
		r.log.Info("dropped session endpoints", zap.String("session_id", sessionID), zap.Int("count", len(conns)))
	}
}

// Count returns the number of live endpoints in a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Endpoints returns a snapshot of a session's endpoints.
func (r *Registry) Endpoints(sessionID string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.sessions[sessionID]))
	for _, ep := range r.sessions[sessionID] {
		out = append(out, ep)
	}
	return out
}

// All returns a snapshot of every endpoint across sessions.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Endpoint
	for _, conns := range r.sessions {
		for _, ep := range conns {
			out = append(out, ep)
		}
	}
	return out
}

// Evict removes ep if still current and closes it. It reports whether ep was current.
func (r *Registry) Evict(ep *Endpoint) bool {
	r.mu.Lock()
	current, ok := r.sessions[ep.SessionID][ep.ParticipantID]
	evicted := ok && current == ep
	if evicted {
		r.removeLocked(ep)
	}
	r.mu.Unlock()
	ep.close()
	return evicted
}

func (r *Registry) removeLocked(ep *Endpoint) {
	conns := r.sessions[ep.SessionID]
	if conns[ep.ParticipantID] != ep {
		return
	}
	delete(conns, ep.ParticipantID)
	if len(conns) == 0 {
		delete(r.sessions, ep.SessionID)
	}
}
