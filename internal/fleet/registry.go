package fleet

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultSessionBuffer = 256

// SessionRegistry tracks connected viewers and tears down everything a
// viewer owns when it goes away.
type SessionRegistry struct {
	broadcaster *Broadcaster
	subs        *SubscriptionManager
	buffer      int
	log         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionRegistry(b *Broadcaster, subs *SubscriptionManager, buffer int, log zerolog.Logger) *SessionRegistry {
	if buffer <= 0 {
		buffer = DefaultSessionBuffer
	}
	return &SessionRegistry{
		broadcaster: b,
		subs:        subs,
		buffer:      buffer,
		log:         log.With().Str("component", "sessions").Logger(),
		sessions:    make(map[string]*Session),
	}
}

func (r *SessionRegistry) Register() *Session {
	s := newSession(uuid.NewString(), r.buffer)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	sessionsActive.Inc()
	r.log.Info().Str("session", s.ID()).Msg("viewer connected")
	return s
}

// Deregister closes s and, before returning, removes it from the broadcast
// set and releases all of its subscriptions. Only the first call for a
// session does any work. Subscribe calls racing with it fail once the
// session is closed, so teardown always wins.
func (r *SessionRegistry) Deregister(s *Session) {
	if !s.close() {
		return
	}

	r.broadcaster.UnsubscribeList(s)
	released := r.subs.ReleaseSession(s)

	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()

	sessionsActive.Dec()
	r.log.Info().Str("session", s.ID()).Int("released", released).Msg("viewer disconnected")
}

func (r *SessionRegistry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll deregisters every session. Used on shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.Deregister(s)
	}
}
