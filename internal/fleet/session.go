package fleet

import (
	"context"
	"sync"
)

// Session is one connected viewer. Outbound events travel on three lanes:
//
//   - a bounded stream queue for log chunks, log errors and action results,
//     filled with backpressure;
//   - a bounded sample queue for stats samples and notices, which drops when
//     full;
//   - a single fleet snapshot slot, overwritten by newer snapshots and never
//     dropped.
//
// Next merges the lanes in the order events were queued, so a saturated log
// stream cannot keep snapshots or samples from the viewer. Channels are never
// closed; consumers stop once Done is closed.
type Session struct {
	id     string
	stream chan Event
	sample chan Event
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	seq         uint64
	barrier     uint64
	pending     *Event
	lastVersion uint64

	// consumer side, guarded by readMu
	readMu     sync.Mutex
	headStream *Event
	headSample *Event

	closeOnce sync.Once
}

func newSession(id string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		stream: make(chan Event, buffer),
		sample: make(chan Event, buffer),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has been deregistered.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Closed() bool { return s.ctx.Err() != nil }

// Context is cancelled when the session closes. Every resource opened on
// behalf of the session derives from it.
func (s *Session) Context() context.Context { return s.ctx }

// Ready receives a value whenever new events may be available from TryNext.
func (s *Session) Ready() <-chan struct{} { return s.wake }

// close reports whether this call closed the session.
func (s *Session) close() bool {
	closed := false
	s.closeOnce.Do(func() {
		s.cancel()
		closed = true
	})
	return closed
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stamp assigns the next queue position to ev. Action results also raise the
// barrier that keeps a later snapshot behind them.
func (s *Session) stamp(ev *Event) {
	s.mu.Lock()
	s.seq++
	ev.seq = s.seq
	if ev.Type == EventActionResult {
		s.barrier = ev.seq
	}
	s.mu.Unlock()
}

// offer queues ev on the sample lane without blocking. A full lane or a
// closed session drops it.
func (s *Session) offer(ev Event) bool {
	if s.Closed() {
		return false
	}
	s.stamp(&ev)
	select {
	case s.sample <- ev:
		s.signal()
		return true
	default:
		return false
	}
}

// deliver queues ev on the stream lane, waiting for room until ctx or the
// session ends.
func (s *Session) deliver(ctx context.Context, ev Event) bool {
	if s.Closed() || ctx.Err() != nil {
		return false
	}
	s.stamp(&ev)
	select {
	case s.stream <- ev:
		s.signal()
		return true
	case <-s.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// deliverSnapshot places snap in the snapshot slot unless the session has
// already been handed the same or a newer version. An undelivered older
// snapshot is replaced and keeps its place in line, unless an action result
// was queued after it.
func (s *Session) deliverSnapshot(snap Snapshot) bool {
	if s.Closed() {
		return false
	}

	s.mu.Lock()
	if snap.Version <= s.lastVersion {
		s.mu.Unlock()
		return false
	}
	ev := snapshotEvent(snap)
	if s.pending != nil && s.barrier < s.pending.seq {
		ev.seq = s.pending.seq
	} else {
		s.seq++
		ev.seq = s.seq
	}
	s.pending = &ev
	s.lastVersion = snap.Version
	s.mu.Unlock()

	s.signal()
	return true
}

// Notify queues an error event for the viewer, dropping it if the sample lane
// is full.
func (s *Session) Notify(reason string) bool {
	return s.offer(errorEvent(reason))
}

// TryNext returns the oldest queued event without blocking.
func (s *Session) TryNext() (Event, bool) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.headStream == nil {
		s.headStream = poll(s.stream)
	}
	if s.headSample == nil {
		s.headSample = poll(s.sample)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &s.headStream
	if s.headSample != nil && (*next == nil || s.headSample.seq < (*next).seq) {
		next = &s.headSample
	}
	if s.pending != nil && (*next == nil || s.pending.seq < (*next).seq) {
		next = &s.pending
	}
	if *next == nil {
		return Event{}, false
	}
	ev := **next
	*next = nil
	return ev, true
}

// Next blocks until an event is available, the session closes or ctx is
// done.
func (s *Session) Next(ctx context.Context) (Event, bool) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, true
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return Event{}, false
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func poll(ch chan Event) *Event {
	select {
	case ev := <-ch:
		return &ev
	default:
		return nil
	}
}
