package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aetherdock/backend/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const eventWait = 2 * time.Second

// fakeRuntime is an in-memory Runtime with hooks for ordering and
// cancellation assertions.
type fakeRuntime struct {
	mu sync.Mutex

	containers []models.ContainerSummary
	listErr    error
	listCalls  int
	listHook   func(call int)

	actionErr   map[string]error
	actionHook  func(id string, verb models.ActionVerb)
	actions     []string
	inflight    map[string]int
	maxInflight map[string]int

	openErr      error
	streams      []*fakeStream
	maxLiveLogs  int
	statsFn      func(id string, call int) (models.StatsSnapshot, error)
	statsCalls   map[string]int
	tailContents map[string][]byte
}

type fakeStream struct {
	id     string
	opts   models.LogOptions
	ctx    context.Context
	chunks chan []byte
	errc   chan error
	once   sync.Once
}

func newFakeRuntime(containers ...models.ContainerSummary) *fakeRuntime {
	return &fakeRuntime{
		containers:   containers,
		actionErr:    make(map[string]error),
		inflight:     make(map[string]int),
		maxInflight:  make(map[string]int),
		statsCalls:   make(map[string]int),
		tailContents: make(map[string][]byte),
	}
}

func (f *fakeRuntime) ListContainers(ctx context.Context, all bool) ([]models.ContainerSummary, error) {
	f.mu.Lock()
	f.listCalls++
	call := f.listCalls
	hook := f.listHook
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.ContainerSummary, len(f.containers))
	copy(out, f.containers)
	return out, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	return f.act(id, models.VerbStart, models.StateRunning)
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	return f.act(id, models.VerbStop, models.StateExited)
}

func (f *fakeRuntime) RestartContainer(ctx context.Context, id string) error {
	return f.act(id, models.VerbRestart, models.StateRunning)
}

func (f *fakeRuntime) act(id string, verb models.ActionVerb, next models.ContainerState) error {
	f.mu.Lock()
	f.inflight[id]++
	if f.inflight[id] > f.maxInflight[id] {
		f.maxInflight[id] = f.inflight[id]
	}
	hook := f.actionHook
	f.mu.Unlock()

	if hook != nil {
		hook(id, verb)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[id]--
	f.actions = append(f.actions, id+":"+string(verb))
	if err := f.actionErr[id]; err != nil {
		return err
	}
	for i := range f.containers {
		if f.containers[i].ID == id {
			f.containers[i].State = next
		}
	}
	return nil
}

func (f *fakeRuntime) OpenLogStream(ctx context.Context, id string, opts models.LogOptions) (models.LogStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return models.LogStream{}, f.openErr
	}

	if !opts.Follow {
		chunks := make(chan []byte, 1)
		errc := make(chan error, 1)
		if data, ok := f.tailContents[id]; ok {
			chunks <- data
		}
		close(chunks)
		close(errc)
		return models.LogStream{Chunks: chunks, Err: errc}, nil
	}

	live := 1
	for _, st := range f.streams {
		if st.id == id && st.ctx.Err() == nil {
			live++
		}
	}
	if live > f.maxLiveLogs {
		f.maxLiveLogs = live
	}

	st := &fakeStream{
		id:     id,
		opts:   opts,
		ctx:    ctx,
		chunks: make(chan []byte),
		errc:   make(chan error, 1),
	}
	f.streams = append(f.streams, st)
	return models.LogStream{Chunks: st.chunks, Err: st.errc}, nil
}

func (f *fakeRuntime) SampleStats(ctx context.Context, id string) (models.StatsSnapshot, error) {
	f.mu.Lock()
	f.statsCalls[id]++
	call := f.statsCalls[id]
	fn := f.statsFn
	f.mu.Unlock()

	if fn == nil {
		return models.StatsSnapshot{ContainerID: id}, nil
	}
	return fn(id, call)
}

func (f *fakeRuntime) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

func (f *fakeRuntime) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeRuntime) statsCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsCalls[id]
}

func (f *fakeRuntime) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeRuntime) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

// cancelledStreams counts follow streams whose context has been cancelled.
func (f *fakeRuntime) cancelledStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.streams {
		if st.ctx.Err() != nil {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) maxConcurrent(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight[id]
}

func (f *fakeRuntime) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

// emit hands data to the forwarder. It reports false if the stream was
// cancelled first.
func (st *fakeStream) emit(data string) bool {
	select {
	case st.chunks <- []byte(data):
		return true
	case <-st.ctx.Done():
		return false
	}
}

// fail ends the stream with err (nil for a clean end).
func (st *fakeStream) fail(err error) {
	st.once.Do(func() {
		close(st.chunks)
		if err != nil {
			st.errc <- err
		}
		close(st.errc)
	})
}

type countingTrigger struct {
	mu sync.Mutex
	n  int
}

func (c *countingTrigger) TriggerNow() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type memoryJournal struct {
	mu     sync.Mutex
	events []models.ActionEvent
	err    error
}

func (j *memoryJournal) Record(_ context.Context, ev models.ActionEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.events = append(j.events, ev)
	return nil
}

func (j *memoryJournal) all() []models.ActionEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.ActionEvent(nil), j.events...)
}

var errBoom = errors.New("boom")

func running(id string) models.ContainerSummary {
	return models.ContainerSummary{ID: id, Name: id, Image: "busybox:latest", State: models.StateRunning}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()
	ev, ok := s.Next(ctx)
	if !ok {
		t.Fatalf("timed out waiting for an event on session %s", s.ID())
	}
	return ev
}

func requireNoEvent(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if ev, ok := s.Next(ctx); ok {
		t.Fatalf("unexpected event %s for %q", ev.Type, ev.ContainerID)
	}
}

func waitStreams(t *testing.T, rt *fakeRuntime, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rt.streamCount() >= n }, eventWait, 5*time.Millisecond)
}

// waitForWaiters blocks until exactly n tickers are registered on clk, so a
// test never advances time before the goroutine under test is listening.
func waitForWaiters(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, n))
}
