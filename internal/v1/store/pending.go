package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/watchroom-live/backend/internal/v1/playback"
)

// AddPending enqueues a scheduled action in the room's pending set, scored by
// its execution time. The set TTL is refreshed on every write.
func (h *Hot) AddPending(ctx context.Context, roomID string, a playback.Action) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.ZAdd(ctx, pendingKey(roomID), redis.Z{Score: float64(a.ExecAtMs), Member: raw})
	pipe.Expire(ctx, pendingKey(roomID), PendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

// PeekNextDueAt returns the execution time of the earliest pending action.
// The second return is false when the set is empty.
func (h *Hot) PeekNextDueAt(ctx context.Context, roomID string) (int64, bool, error) {
	zs, err := h.client.ZRangeWithScores(ctx, pendingKey(roomID), 0, 0).Result()
	if err != nil {
		return 0, false, fmt.Errorf("peek pending: %w", err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return int64(zs[0].Score), true, nil
}

// DueActions returns every pending action with execAtMs <= nowMs, ordered by
// (execAtMs, seq), together with the raw members needed to remove them.
// Malformed members are returned only in the raw slice so callers can purge
// them without applying anything.
func (h *Hot) DueActions(ctx context.Context, roomID string, nowMs int64) ([]playback.Action, []string, error) {
	raws, err := h.client.ZRangeByScore(ctx, pendingKey(roomID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", nowMs),
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("range due: %w", err)
	}
	actions := make([]playback.Action, 0, len(raws))
	for _, raw := range raws {
		var a playback.Action
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].ExecAtMs != actions[j].ExecAtMs {
			return actions[i].ExecAtMs < actions[j].ExecAtMs
		}
		return actions[i].Seq < actions[j].Seq
	})
	return actions, raws, nil
}

// UpcomingActions returns up to limit pending actions with execAtMs > nowMs,
// soonest first. Used to seed joining clients with the in-flight schedule.
func (h *Hot) UpcomingActions(ctx context.Context, roomID string, nowMs int64, limit int64) ([]playback.Action, error) {
	raws, err := h.client.ZRangeByScore(ctx, pendingKey(roomID), &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", nowMs),
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range upcoming: %w", err)
	}
	actions := make([]playback.Action, 0, len(raws))
	for _, raw := range raws {
		var a playback.Action
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].ExecAtMs != actions[j].ExecAtMs {
			return actions[i].ExecAtMs < actions[j].ExecAtMs
		}
		return actions[i].Seq < actions[j].Seq
	})
	return actions, nil
}

// RemovePending deletes the given raw members from the pending set.
func (h *Hot) RemovePending(ctx context.Context, roomID string, raws []string) error {
	if len(raws) == 0 {
		return nil
	}
	members := make([]any, len(raws))
	for i, r := range raws {
		members[i] = r
	}
	if err := h.client.ZRem(ctx, pendingKey(roomID), members...).Err(); err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}
