package fleet

import (
	"sync"

	"github.com/rs/zerolog"
)

// Broadcaster fans fleet snapshots out to every list-subscribed session.
type Broadcaster struct {
	mu      sync.RWMutex
	members map[string]*Session
	latest  Snapshot
	hasLast bool
	log     zerolog.Logger
}

func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		members: make(map[string]*Session),
		log:     log.With().Str("component", "broadcaster").Logger(),
	}
}

// SubscribeList adds s to the fan-out set and hands it the latest snapshot,
// if any has been published yet. The closed check happens under the lock so
// that a subscribe racing with UnsubscribeList on a closing session cannot
// leave it behind as a member.
func (b *Broadcaster) SubscribeList(s *Session) error {
	b.mu.Lock()
	if s.Closed() {
		b.mu.Unlock()
		return ErrSessionClosed
	}
	b.members[s.ID()] = s
	latest, ok := b.latest, b.hasLast
	b.mu.Unlock()

	if ok {
		s.deliverSnapshot(latest)
	}
	return nil
}

// UnsubscribeList removes s. Removing a session that is not a member is a
// no-op.
func (b *Broadcaster) UnsubscribeList(s *Session) {
	b.mu.Lock()
	delete(b.members, s.ID())
	b.mu.Unlock()
}

// Publish delivers snap to every member. Closed sessions and sessions that
// already hold a newer snapshot are skipped.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	if b.hasLast && snap.Version <= b.latest.Version {
		b.mu.Unlock()
		return
	}
	b.latest, b.hasLast = snap, true
	members := make([]*Session, 0, len(b.members))
	for _, s := range b.members {
		members = append(members, s)
	}
	b.mu.Unlock()

	dropped := 0
	for _, s := range members {
		if s.Closed() {
			continue
		}
		if !s.deliverSnapshot(snap) {
			dropped++
		}
	}
	if dropped > 0 {
		b.log.Debug().Uint64("version", snap.Version).Int("dropped", dropped).Msg("snapshot not delivered to every viewer")
	}
}

func (b *Broadcaster) IsMember(s *Session) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.members[s.ID()]
	return ok
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}
