package advancer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/watchroom-live/backend/internal/v1/playback"
	"github.com/watchroom-live/backend/internal/v1/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type nopDurable struct {
	persisted int
}

func (d *nopDurable) GetRoom(context.Context, string) (*store.RoomRecord, error) { return nil, nil }
func (d *nopDurable) CreateRoom(context.Context, store.RoomRecord) error         { return nil }
func (d *nopDurable) PersistSnapshot(context.Context, playback.Snapshot) error {
	d.persisted++
	return nil
}
func (d *nopDurable) StageRoleFor(context.Context, string, string) (string, error) { return "", nil }
func (d *nopDurable) Ping(context.Context) error                                   { return nil }

func newTestAdvancer(t *testing.T) (*Advancer, *store.Store, *nopDurable) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	durable := &nopDurable{}
	st := store.New(store.NewHot(rc), durable, 0)
	a := New(st)
	t.Cleanup(a.Stop)
	return a, st, durable
}

func scheduleAction(t *testing.T, st *store.Store, roomID string, snap playback.Snapshot, cmd playback.Command, execAtMs, seq int64) playback.Action {
	t.Helper()
	next := playback.Apply(snap, cmd, execAtMs, seq)
	a := playback.Action{
		Seq:      seq,
		ExecAtMs: execAtMs,
		Command:  cmd,
		Patch:    playback.PatchOf(next),
	}
	require.NoError(t, st.Hot.AddPending(context.Background(), roomID, a))
	return a
}

func TestAdvance_AppliesDueActions(t *testing.T) {
	a, st, durable := newTestAdvancer(t)
	ctx := context.Background()

	snap, err := st.GetOrCreate(ctx, "room-1", "user-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	video := "abc123"
	scheduleAction(t, st, "room-1", snap,
		playback.Command{Type: playback.CommandVideoSet, VideoID: &video}, now-10, 1)

	a.Schedule("room-1", now-10)

	require.Eventually(t, func() bool {
		got, ok, err := st.Hot.GetSnapshot(ctx, "room-1")
		return err == nil && ok && got.Seq == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, _, err := st.Hot.GetSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, playback.StatePlaying, got.PlaybackState)
	require.NotNil(t, got.VideoID)
	assert.Equal(t, "abc123", *got.VideoID)
	assert.GreaterOrEqual(t, durable.persisted, 1)

	// Queue is drained
	require.Eventually(t, func() bool {
		_, pending, err := st.Hot.PeekNextDueAt(ctx, "room-1")
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdvance_DropsStaleActions(t *testing.T) {
	a, st, _ := newTestAdvancer(t)
	ctx := context.Background()

	snap, err := st.GetOrCreate(ctx, "room-1", "user-1")
	require.NoError(t, err)
	snap.Seq = 5
	require.NoError(t, st.Hot.SetSnapshot(ctx, snap))

	// A replayed action at or below the snapshot seq must be a no-op
	now := time.Now().UnixMilli()
	scheduleAction(t, st, "room-1", snap,
		playback.Command{Type: playback.CommandVideoPlay}, now-10, 3)

	a.Schedule("room-1", now-10)

	require.Eventually(t, func() bool {
		_, pending, err := st.Hot.PeekNextDueAt(ctx, "room-1")
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)

	got, _, err := st.Hot.GetSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Seq)
	assert.Equal(t, playback.StatePaused, got.PlaybackState)
}

func TestAdvance_LeavesFutureActionsQueued(t *testing.T) {
	a, st, _ := newTestAdvancer(t)
	ctx := context.Background()

	snap, err := st.GetOrCreate(ctx, "room-1", "user-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	scheduleAction(t, st, "room-1", snap,
		playback.Command{Type: playback.CommandVideoPlay}, now-10, 1)
	scheduleAction(t, st, "room-1", snap,
		playback.Command{Type: playback.CommandVideoPause}, now+60_000, 2)

	a.Schedule("room-1", now-10)

	require.Eventually(t, func() bool {
		got, ok, err := st.Hot.GetSnapshot(ctx, "room-1")
		return err == nil && ok && got.Seq == 1
	}, 2*time.Second, 10*time.Millisecond)

	at, pending, err := st.Hot.PeekNextDueAt(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, now+60_000, at)

	a.Evict("room-1")
}

func TestSchedule_TightensNotLoosens(t *testing.T) {
	a, _, _ := newTestAdvancer(t)

	far := time.Now().UnixMilli() + 120_000
	a.Schedule("room-1", far)
	a.Schedule("room-1", far+60_000) // later deadline must not replace the earlier one

	a.mu.Lock()
	rt := a.timers["room-1"]
	a.mu.Unlock()
	require.NotNil(t, rt)
	assert.Equal(t, far, rt.dueAt)

	a.Schedule("room-1", far-60_000)
	a.mu.Lock()
	rt = a.timers["room-1"]
	a.mu.Unlock()
	assert.Equal(t, far-60_000, rt.dueAt)

	a.Evict("room-1")
}

func TestAdvance_RetriesWhenLockHeld(t *testing.T) {
	a, st, _ := newTestAdvancer(t)
	ctx := context.Background()

	snap, err := st.GetOrCreate(ctx, "room-1", "user-1")
	require.NoError(t, err)

	ok, release, err := st.Hot.AcquireAdvanceLock(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UnixMilli()
	scheduleAction(t, st, "room-1", snap,
		playback.Command{Type: playback.CommandVideoPlay}, now-10, 1)

	a.Schedule("room-1", now-10)

	// While the lock is held elsewhere the action stays queued
	time.Sleep(100 * time.Millisecond)
	got, _, err := st.Hot.GetSnapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Seq)

	release()

	require.Eventually(t, func() bool {
		got, ok, err := st.Hot.GetSnapshot(ctx, "room-1")
		return err == nil && ok && got.Seq == 1
	}, 3*time.Second, 25*time.Millisecond)
}
