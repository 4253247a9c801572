// Package advancer applies pending room actions at their scheduled execution
// instant. Every node schedules a local timer for the rooms it hosts; a
// per-room advisory lock in Redis ensures exactly one node performs the
// authoritative apply-and-persist for each due batch.
package advancer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
	"github.com/watchroom-live/backend/internal/v1/playback"
	"github.com/watchroom-live/backend/internal/v1/store"
)

// lockRetryDelay is how long a node waits before re-checking a room whose
// advance lock another node held.
const lockRetryDelay = 250 * time.Millisecond

// Advancer owns one timer per room with pending actions.
type Advancer struct {
	store *store.Store

	mu     sync.Mutex
	timers map[string]*roomTimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// nowMs is the clock, replaceable in tests.
	nowMs func() int64
}

type roomTimer struct {
	timer *time.Timer
	dueAt int64
}

// New builds an advancer over the combined store.
func New(st *store.Store) *Advancer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Advancer{
		store:  st,
		timers: make(map[string]*roomTimer),
		ctx:    ctx,
		cancel: cancel,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Schedule arms (or tightens) the room's timer so it fires no later than
// execAtMs. Later deadlines than an already armed timer are ignored; the
// advance pass reschedules from the queue after each firing.
func (a *Advancer) Schedule(roomID string, execAtMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rt, ok := a.timers[roomID]; ok {
		if rt.dueAt <= execAtMs {
			return
		}
		rt.timer.Stop()
	}

	delay := time.Duration(execAtMs-a.nowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	a.timers[roomID] = &roomTimer{
		dueAt: execAtMs,
		timer: time.AfterFunc(delay, func() { a.fire(roomID) }),
	}
}

// Evict drops the room's timer, e.g. when the last local subscriber leaves.
// Pending actions survive in Redis; any node that still hosts the room keeps
// its own timer.
func (a *Advancer) Evict(roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.timers[roomID]; ok {
		rt.timer.Stop()
		delete(a.timers, roomID)
	}
}

// Stop cancels all timers and waits for in-flight advances.
func (a *Advancer) Stop() {
	a.cancel()
	a.mu.Lock()
	for roomID, rt := range a.timers {
		rt.timer.Stop()
		delete(a.timers, roomID)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Advancer) fire(roomID string) {
	a.mu.Lock()
	delete(a.timers, roomID)
	a.mu.Unlock()

	if a.ctx.Err() != nil {
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()

	a.advance(roomID)
}

// advance drains the room's due actions under the advisory lock, persists the
// resulting snapshot and re-arms the timer for the next pending action.
func (a *Advancer) advance(roomID string) {
	ctx, cancelCtx := context.WithTimeout(a.ctx, 4*time.Second)
	defer cancelCtx()
	ctx = context.WithValue(ctx, logging.RoomIDKey, roomID)

	ok, release, err := a.store.Hot.AcquireAdvanceLock(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Advance lock acquisition failed", zap.Error(err))
		a.rescheduleAfter(roomID, lockRetryDelay)
		return
	}
	if !ok {
		// Another node is advancing this room; verify its result shortly.
		metrics.AdvanceLockMisses.Inc()
		a.rescheduleAfter(roomID, lockRetryDelay)
		return
	}
	defer release()

	snap, found, err := a.store.Hot.GetSnapshot(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Advance snapshot load failed", zap.Error(err))
		a.rescheduleAfter(roomID, lockRetryDelay)
		return
	}
	if !found {
		snap, err = a.store.GetOrCreate(ctx, roomID, "")
		if err != nil {
			logging.Error(ctx, "Advance snapshot hydrate failed", zap.Error(err))
			a.rescheduleAfter(roomID, lockRetryDelay)
			return
		}
	}

	now := a.nowMs()
	due, raws, err := a.store.Hot.DueActions(ctx, roomID, now)
	if err != nil {
		logging.Error(ctx, "Advance due-action read failed", zap.Error(err))
		a.rescheduleAfter(roomID, lockRetryDelay)
		return
	}

	if len(due) > 0 {
		next := playback.Advance(snap, due)
		applied := next.Seq - snap.Seq
		if applied > 0 {
			if err := a.store.Persist(ctx, next); err != nil {
				// Leave the queue intact so the next firing retries the batch.
				logging.Error(ctx, "Advance persist failed", zap.Error(err))
				a.rescheduleAfter(roomID, lockRetryDelay)
				return
			}
			metrics.ActionsApplied.Add(float64(len(due)))
		}
	}
	if err := a.store.Hot.RemovePending(ctx, roomID, raws); err != nil {
		logging.Error(ctx, "Advance queue cleanup failed", zap.Error(err))
	}

	nextAt, pending, err := a.store.Hot.PeekNextDueAt(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Advance peek failed", zap.Error(err))
		return
	}
	if pending {
		a.Schedule(roomID, nextAt)
	}
}

func (a *Advancer) rescheduleAfter(roomID string, d time.Duration) {
	if a.ctx.Err() != nil {
		return
	}
	a.Schedule(roomID, a.nowMs()+d.Milliseconds())
}
