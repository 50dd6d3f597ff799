package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/aetherdock/backend/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultLogTail       = 100
	DefaultStatsInterval = 2 * time.Second
	MinStatsInterval     = 500 * time.Millisecond

	minSampleTimeout = 5 * time.Second
)

type subKind string

const (
	kindLogs  subKind = "logs"
	kindStats subKind = "stats"
)

type subKey struct {
	container string
	kind      subKind
}

// handle is one running subscription. done is closed after its goroutine has
// returned and it has stopped touching the session.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type SubscriptionConfig struct {
	Clock            clockwork.Clock
	StatsInterval    time.Duration
	MinStatsInterval time.Duration
}

// SubscriptionManager owns every log stream and stats poller opened on behalf
// of a session. Each (session, container) pair holds at most one of each.
type SubscriptionManager struct {
	runtime Runtime
	clock   clockwork.Clock
	cfg     SubscriptionConfig
	log     zerolog.Logger

	mu        sync.Mutex
	bySession map[string]map[subKey]*handle
}

func NewSubscriptionManager(rt Runtime, cfg SubscriptionConfig, log zerolog.Logger) *SubscriptionManager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.MinStatsInterval <= 0 {
		cfg.MinStatsInterval = MinStatsInterval
	}
	return &SubscriptionManager{
		runtime:   rt,
		clock:     cfg.Clock,
		cfg:       cfg,
		log:       log.With().Str("component", "subscriptions").Logger(),
		bySession: make(map[string]map[subKey]*handle),
	}
}

// StartLogs follows the logs of container id for s, beginning with the last
// tail lines. An existing log subscription for the pair is replaced; the new
// stream is only opened once the old forwarder has exited.
func (m *SubscriptionManager) StartLogs(s *Session, id string, tail int) error {
	return m.start(s, subKey{container: id, kind: kindLogs}, func(ctx context.Context) {
		m.forwardLogs(ctx, s, id, tail)
	})
}

// StopLogs cancels the log subscription for the pair and waits for its
// forwarder to exit. It is a no-op when nothing is subscribed.
func (m *SubscriptionManager) StopLogs(s *Session, id string) {
	m.stop(s, subKey{container: id, kind: kindLogs})
}

// SubscribeStats samples container id every interval and forwards each
// successful sample to s. Zero selects the default interval; values below
// the configured floor are raised to it.
func (m *SubscriptionManager) SubscribeStats(s *Session, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.StatsInterval
	}
	if interval < m.cfg.MinStatsInterval {
		interval = m.cfg.MinStatsInterval
	}
	return m.start(s, subKey{container: id, kind: kindStats}, func(ctx context.Context) {
		m.pollStats(ctx, s, id, interval)
	})
}

func (m *SubscriptionManager) UnsubscribeStats(s *Session, id string) {
	m.stop(s, subKey{container: id, kind: kindStats})
}

// ReleaseSession cancels every subscription held by s and waits until all of
// them have exited. It returns how many were released.
func (m *SubscriptionManager) ReleaseSession(s *Session) int {
	m.mu.Lock()
	subs := m.bySession[s.ID()]
	delete(m.bySession, s.ID())
	for key := range subs {
		subscriptionsActive.WithLabelValues(string(key.kind)).Dec()
	}
	m.mu.Unlock()

	for _, h := range subs {
		h.cancel()
	}
	for _, h := range subs {
		<-h.done
	}
	if len(subs) > 0 {
		m.log.Debug().Str("session", s.ID()).Int("released", len(subs)).Msg("session subscriptions released")
	}
	return len(subs)
}

func (m *SubscriptionManager) LogsActive(s *Session, id string) bool {
	return m.has(s, subKey{container: id, kind: kindLogs})
}

func (m *SubscriptionManager) StatsActive(s *Session, id string) bool {
	return m.has(s, subKey{container: id, kind: kindStats})
}

// Count returns the number of live subscriptions held by s.
func (m *SubscriptionManager) Count(s *Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession[s.ID()])
}

func (m *SubscriptionManager) has(s *Session, key subKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bySession[s.ID()][key]
	return ok
}

func (m *SubscriptionManager) start(s *Session, key subKey, run func(ctx context.Context)) error {
	m.mu.Lock()
	if s.Closed() {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	subs := m.bySession[s.ID()]
	if subs == nil {
		subs = make(map[subKey]*handle)
		m.bySession[s.ID()] = subs
	}
	prev := subs[key]
	if prev != nil {
		prev.cancel()
	} else {
		subscriptionsActive.WithLabelValues(string(key.kind)).Inc()
	}
	ctx, cancel := context.WithCancel(s.Context())
	h := &handle{cancel: cancel, done: make(chan struct{})}
	subs[key] = h
	m.mu.Unlock()

	go func() {
		defer close(h.done)
		defer m.remove(s.ID(), key, h)
		defer cancel()

		if prev != nil {
			<-prev.done
		}
		if ctx.Err() != nil {
			return
		}
		run(ctx)
	}()
	return nil
}

func (m *SubscriptionManager) stop(s *Session, key subKey) {
	m.mu.Lock()
	h := m.bySession[s.ID()][key]
	if h != nil {
		m.deleteLocked(s.ID(), key)
	}
	m.mu.Unlock()

	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// remove drops h from the live set if it is still the current handle for key.
func (m *SubscriptionManager) remove(sessionID string, key subKey, h *handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySession[sessionID][key] == h {
		m.deleteLocked(sessionID, key)
	}
}

func (m *SubscriptionManager) deleteLocked(sessionID string, key subKey) {
	subs := m.bySession[sessionID]
	delete(subs, key)
	if len(subs) == 0 {
		delete(m.bySession, sessionID)
	}
	subscriptionsActive.WithLabelValues(string(key.kind)).Dec()
}

func (m *SubscriptionManager) forwardLogs(ctx context.Context, s *Session, id string, tail int) {
	log := m.log.With().Str("session", s.ID()).Str("container", id).Logger()

	stream, err := m.runtime.OpenLogStream(ctx, id, models.LogOptions{Follow: true, Tail: tail})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("failed to open log stream")
		s.deliver(ctx, logErrorEvent(id, err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-stream.Chunks:
			if ok {
				if !s.deliver(ctx, logChunkEvent(id, chunk)) {
					return
				}
				logChunksTotal.Inc()
				continue
			}

			var streamErr error
			select {
			case streamErr = <-stream.Err:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			if streamErr == nil {
				streamErr = ErrStreamEnded
			}
			log.Info().Err(streamErr).Msg("log stream terminated")
			s.deliver(ctx, logErrorEvent(id, streamErr.Error()))
			return
		}
	}
}

func (m *SubscriptionManager) pollStats(ctx context.Context, s *Session, id string, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	timeout := interval
	if timeout < minSampleTimeout {
		timeout = minSampleTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			sampleCtx, cancel := context.WithTimeout(ctx, timeout)
			sample, err := m.runtime.SampleStats(sampleCtx, id)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				statSamplesTotal.WithLabelValues("error").Inc()
				m.log.Debug().Err(err).Str("container", id).Msg("stats sample failed")
				continue
			}
			statSamplesTotal.WithLabelValues("ok").Inc()
			if sample.ContainerID == "" {
				sample.ContainerID = id
			}
			s.offer(statsEvent(sample))
		}
	}
}
