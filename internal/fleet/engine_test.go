package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aetherdock/backend/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, rt Runtime, opts Options) (*Engine, *clockwork.FakeClock, func()) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	opts.Clock = clk
	e := NewEngine(rt, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, err := e.Snapshot()
		return err == nil
	}, eventWait, 5*time.Millisecond)

	return e, clk, func() {
		cancel()
		<-done
	}
}

// A viewer stopping a container gets the action result before the snapshot
// that shows the container exited.
func TestActionResultPrecedesResultingSnapshot(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	e, _, stop := startEngine(t, rt, Options{})
	defer stop()

	s := e.Connect()
	require.NoError(t, e.Handle(s, Command{Type: CmdSubscribeList}))
	ev := nextEvent(t, s)
	require.Equal(t, EventFleetSnapshot, ev.Type)
	assert.Equal(t, models.StateRunning, ev.Snapshot.Containers[0].State)

	require.NoError(t, e.Handle(s, Command{Type: CmdDispatchAction, ID: "c1", Verb: models.VerbStop}))

	ev = nextEvent(t, s)
	require.Equal(t, EventActionResult, ev.Type)
	assert.True(t, ev.OK)
	assert.Equal(t, "c1", ev.ContainerID)
	assert.Equal(t, models.VerbStop, ev.Verb)

	ev = nextEvent(t, s)
	require.Equal(t, EventFleetSnapshot, ev.Type)
	assert.Equal(t, uint64(2), ev.Snapshot.Version)
	assert.Equal(t, models.StateExited, ev.Snapshot.Containers[0].State)
}

func TestRejectedActionReportsReason(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	rt.actionErr["c1"] = errors.New("permission denied")
	e, _, stop := startEngine(t, rt, Options{})
	defer stop()

	s := e.Connect()
	require.NoError(t, e.Handle(s, Command{Type: CmdDispatchAction, ID: "c1", Verb: models.VerbRestart}))

	ev := nextEvent(t, s)
	require.Equal(t, EventActionResult, ev.Type)
	assert.False(t, ev.OK)
	assert.Equal(t, "permission denied", ev.Reason)
	requireNoEvent(t, s, 50*time.Millisecond)
}

func TestHandleReportsBadCommands(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	e, _, stop := startEngine(t, rt, Options{})
	defer stop()
	s := e.Connect()

	err := e.Handle(s, Command{Type: "shutdown"})
	require.Error(t, err)
	ev := nextEvent(t, s)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Reason, "shutdown")

	err = e.Handle(s, Command{Type: CmdStartLogs})
	assert.ErrorIs(t, err, ErrNoContainerID)
	assert.Equal(t, EventError, nextEvent(t, s).Type)

	err = e.Handle(s, Command{Type: CmdDispatchAction, ID: "c1", Verb: "kill"})
	assert.ErrorIs(t, err, ErrUnknownVerb)
	assert.Equal(t, EventError, nextEvent(t, s).Type)
	assert.Empty(t, rt.actionLog())
}

func TestHandleStartLogsTail(t *testing.T) {
	rt := newFakeRuntime(running("c1"), running("c2"))
	e, _, stop := startEngine(t, rt, Options{})
	defer stop()
	s := e.Connect()

	require.NoError(t, e.Handle(s, Command{Type: CmdStartLogs, ID: "c1"}))
	waitStreams(t, rt, 1)
	assert.Equal(t, DefaultLogTail, rt.stream(0).opts.Tail)

	zero := 0
	require.NoError(t, e.Handle(s, Command{Type: CmdStartLogs, ID: "c2", Tail: &zero}))
	waitStreams(t, rt, 2)
	assert.Equal(t, 0, rt.stream(1).opts.Tail)

	require.NoError(t, e.Handle(s, Command{Type: CmdStopLogs, ID: "c1"}))
	assert.False(t, e.Subscriptions.LogsActive(s, "c1"))
	assert.True(t, e.Subscriptions.LogsActive(s, "c2"))
}

func TestConfiguredZeroLogTailIsHonoured(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	zero := 0
	e, _, stop := startEngine(t, rt, Options{LogTail: &zero})
	defer stop()
	s := e.Connect()

	require.NoError(t, e.Handle(s, Command{Type: CmdStartLogs, ID: "c1"}))
	waitStreams(t, rt, 1)
	assert.Equal(t, 0, rt.stream(0).opts.Tail)
}

func TestHandleStatsSubscription(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	e, clk, stop := startEngine(t, rt, Options{})
	defer stop()
	s := e.Connect()

	// The reconciler already holds one ticker.
	require.NoError(t, e.Handle(s, Command{Type: CmdSubscribeStats, ID: "c1", IntervalMs: 1000}))
	waitForWaiters(t, clk, 2)

	clk.Advance(time.Second)
	ev := nextEvent(t, s)
	assert.Equal(t, EventStatsSample, ev.Type)

	require.NoError(t, e.Handle(s, Command{Type: CmdUnsubscribeStats, ID: "c1"}))
	assert.False(t, e.Subscriptions.StatsActive(s, "c1"))
}

func TestRefreshCommandReconciles(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	e, _, stop := startEngine(t, rt, Options{})
	defer stop()
	s := e.Connect()

	require.NoError(t, e.Handle(s, Command{Type: CmdSubscribeList}))
	assert.Equal(t, uint64(1), nextEvent(t, s).Snapshot.Version)

	require.NoError(t, e.Handle(s, Command{Type: CmdRefresh}))
	assert.Equal(t, uint64(2), nextEvent(t, s).Snapshot.Version)

	require.NoError(t, e.Handle(s, Command{Type: CmdUnsubscribeList}))
	require.NoError(t, e.Handle(s, Command{Type: CmdRefresh}))
	requireNoEvent(t, s, 50*time.Millisecond)
}

func TestDisconnectReleasesSession(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	e, _, stop := startEngine(t, rt, Options{})
	defer stop()
	s := e.Connect()

	require.NoError(t, e.Handle(s, Command{Type: CmdSubscribeList}))
	require.NoError(t, e.Handle(s, Command{Type: CmdStartLogs, ID: "c1"}))
	waitStreams(t, rt, 1)

	e.Disconnect(s)

	assert.Equal(t, 1, rt.cancelledStreams())
	assert.Equal(t, 0, e.Broadcaster.Count())
	assert.Equal(t, 0, e.Sessions.Count())
	assert.ErrorIs(t, e.Handle(s, Command{Type: CmdSubscribeList}), ErrSessionClosed)
}

func TestRunShutdownClosesSessions(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	e, _, stop := startEngine(t, rt, Options{})
	s := e.Connect()

	stop()

	assert.True(t, s.Closed())
	assert.Equal(t, 0, e.Sessions.Count())
}

func TestTailLogs(t *testing.T) {
	rt := newFakeRuntime(running("c1"))
	rt.tailContents["c1"] = []byte("a\nb\n")
	e := NewEngine(rt, Options{}, zerolog.Nop())

	out, err := e.TailLogs(context.Background(), "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(out))

	rt.openErr = errBoom
	_, err = e.TailLogs(context.Background(), "c1", 2)
	assert.ErrorIs(t, err, errBoom)
}

func TestSnapshotBeforeFirstReconcile(t *testing.T) {
	e := NewEngine(newFakeRuntime(), Options{}, zerolog.Nop())
	_, err := e.Snapshot()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
