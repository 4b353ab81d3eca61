// Package relay holds the connection registry, the per-session protocol
// logic, and the wire envelope for the relay gateway.
package relay

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the duplex byte channel backing one session. The registry
// references it but does not own it; sends to a since-closed transport must
// come back as an error, never a panic.
type Transport interface {
	SendFrame(p []byte) error
	Close() error
}

// session is one live connection. Fields are only touched while holding the
// registry lock; the transport itself is safe to use outside it.
type session struct {
	identity  string
	role      string
	token     string
	group     string
	transport Transport
}

// Registry is the in-memory table of live sessions, keyed by identity.
// It is shared between every session goroutine and every broker consumer
// callback, so all access goes through the mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		logger:   logger,
	}
}

// Add inserts the session and returns a fresh session token for directory
// correlation. A reconnect under the same identity replaces the old entry;
// the prior transport is force-closed so it cannot linger half-alive. The
// replaced session's teardown is harmless because Remove is token-guarded.
func (r *Registry) Add(identity, role string, transport Transport) string {
	token := uuid.NewString()

	r.mu.Lock()
	prior, existed := r.sessions[identity]
	r.sessions[identity] = &session{
		identity:  identity,
		role:      role,
		token:     token,
		transport: transport,
	}
	r.mu.Unlock()

	if existed {
		r.logger.Info("replacing existing session", zap.String("identity", identity))
		if err := prior.transport.Close(); err != nil {
			r.logger.Warn("failed to close replaced transport",
				zap.String("identity", identity), zap.Error(err))
		}
	}
	return token
}

// Remove deletes the entry and reports the group it was in, so the caller
// can emit a departure notice and revoke the directory entry. It only
// removes the entry whose token matches: a teardown racing a reconnect must
// not evict the newer session. Removing an absent identity is a no-op.
func (r *Registry) Remove(identity, token string) (priorGroup string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok || s.token != token {
		return "", false
	}
	delete(r.sessions, identity)
	return s.group, true
}

// UpdateGroup sets or clears (empty string) the session's group id.
func (r *Registry) UpdateGroup(identity, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok {
		r.logger.Warn("group update for unknown identity", zap.String("identity", identity))
		return
	}
	s.group = groupID
}

// GroupOf returns the session's current group id, or "" if ungrouped or absent.
func (r *Registry) GroupOf(identity string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[identity]; ok {
		return s.group
	}
	return ""
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BroadcastAll delivers the payload to every live session. A failed send is
// logged and skipped; it never aborts delivery to the remaining sessions.
func (r *Registry) BroadcastAll(p []byte) {
	for _, s := range r.snapshot() {
		r.send(s, p)
	}
}

// SendToOne delivers only if the identity is present. Absent is a no-op.
func (r *Registry) SendToOne(identity string, p []byte) {
	r.mu.RLock()
	s, ok := r.sessions[identity]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("private delivery for offline identity", zap.String("identity", identity))
		return
	}
	r.send(s, p)
}

// SendToGroup delivers to every session currently assigned to the group.
func (r *Registry) SendToGroup(groupID string, p []byte) {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.group == groupID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		r.send(s, p)
	}
}

// snapshot copies the session list so delivery loops run outside the lock.
// A session removed mid-loop just turns into one failed send.
func (r *Registry) snapshot() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) send(s *session, p []byte) {
	if err := s.transport.SendFrame(p); err != nil {
		r.logger.Warn("frame delivery failed",
			zap.String("identity", s.identity), zap.Error(err))
	}
}
