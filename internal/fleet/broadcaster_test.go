package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversLatestOnSubscribe(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	b.Publish(Snapshot{Version: 3})

	s := newSession("s1", 8)
	require.NoError(t, b.SubscribeList(s))

	ev := nextEvent(t, s)
	assert.Equal(t, EventFleetSnapshot, ev.Type)
	assert.Equal(t, uint64(3), ev.Snapshot.Version)
	assert.True(t, b.IsMember(s))
}

func TestBroadcasterDropsStaleSnapshots(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	s := newSession("s1", 8)
	require.NoError(t, b.SubscribeList(s))

	b.Publish(Snapshot{Version: 2})
	assert.Equal(t, uint64(2), nextEvent(t, s).Snapshot.Version)

	b.Publish(Snapshot{Version: 1})
	b.Publish(Snapshot{Version: 2})
	requireNoEvent(t, s, 20*time.Millisecond)

	b.Publish(Snapshot{Version: 4})
	assert.Equal(t, uint64(4), nextEvent(t, s).Snapshot.Version)
	requireNoEvent(t, s, 20*time.Millisecond)
}

func TestBroadcasterResubscribeDoesNotRepeat(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	s := newSession("s1", 8)
	b.Publish(Snapshot{Version: 1})

	require.NoError(t, b.SubscribeList(s))
	require.NoError(t, b.SubscribeList(s))

	assert.Equal(t, uint64(1), nextEvent(t, s).Snapshot.Version)
	requireNoEvent(t, s, 20*time.Millisecond)
	assert.Equal(t, 1, b.Count())
}

func TestBroadcasterUndrainedSnapshotIsReplaced(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	s := newSession("s1", 1)
	require.NoError(t, b.SubscribeList(s))

	b.Publish(Snapshot{Version: 1})
	b.Publish(Snapshot{Version: 2})

	assert.Equal(t, uint64(2), nextEvent(t, s).Snapshot.Version)
	requireNoEvent(t, s, 20*time.Millisecond)

	b.Publish(Snapshot{Version: 3})
	assert.Equal(t, uint64(3), nextEvent(t, s).Snapshot.Version)
}

func TestBroadcasterSnapshotsPassSaturatedLogStream(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	s := newSession("s1", 4)
	require.NoError(t, b.SubscribeList(s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for s.deliver(ctx, logChunkEvent("c1", []byte("line\n"))) {
		}
	}()
	require.Eventually(t, func() bool { return len(s.stream) == cap(s.stream) }, eventWait, time.Millisecond)

	snapshots, chunks := 0, 0
	for v := uint64(1); v <= 200; v++ {
		b.Publish(Snapshot{Version: v})
		switch nextEvent(t, s).Type {
		case EventFleetSnapshot:
			snapshots++
		case EventLogChunk:
			chunks++
		}
	}

	assert.Greater(t, snapshots, 0)
	assert.Greater(t, chunks, 0)
}

func TestBroadcasterUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	s := newSession("s1", 8)
	require.NoError(t, b.SubscribeList(s))

	b.UnsubscribeList(s)
	b.UnsubscribeList(s)
	assert.False(t, b.IsMember(s))
	assert.Equal(t, 0, b.Count())

	b.Publish(Snapshot{Version: 1})
	requireNoEvent(t, s, 20*time.Millisecond)
}

func TestBroadcasterSkipsClosedSessions(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	open, closed := newSession("open", 8), newSession("closed", 8)
	require.NoError(t, b.SubscribeList(open))
	require.NoError(t, b.SubscribeList(closed))
	closed.close()

	b.Publish(Snapshot{Version: 1})

	assert.Equal(t, uint64(1), nextEvent(t, open).Snapshot.Version)
	requireNoEvent(t, closed, 20*time.Millisecond)
	assert.ErrorIs(t, b.SubscribeList(closed), ErrSessionClosed)
}
