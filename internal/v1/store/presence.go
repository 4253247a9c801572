package store

import (
	"context"
	"fmt"
)

// PresenceIncr records one more live connection for the user in the room and
// marks the room dirty for the next presence broadcast tick.
func (h *Hot) PresenceIncr(ctx context.Context, roomID, userID string) error {
	pipe := h.client.TxPipeline()
	pipe.HIncrBy(ctx, presenceKey(roomID), userID, 1)
	pipe.Expire(ctx, presenceKey(roomID), PresenceTTL)
	pipe.SAdd(ctx, presenceDirtyKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence incr: %w", err)
	}
	return nil
}

// PresenceDecr records one fewer connection for the user. When the user's
// count reaches zero the field is removed so HLen stays an exact distinct
// user count.
func (h *Hot) PresenceDecr(ctx context.Context, roomID, userID string) error {
	n, err := h.client.HIncrBy(ctx, presenceKey(roomID), userID, -1).Result()
	if err != nil {
		return fmt.Errorf("presence decr: %w", err)
	}
	if n <= 0 {
		if err := h.client.HDel(ctx, presenceKey(roomID), userID).Err(); err != nil {
			return fmt.Errorf("presence hdel: %w", err)
		}
	}
	pipe := h.client.TxPipeline()
	pipe.Expire(ctx, presenceKey(roomID), PresenceTTL)
	pipe.SAdd(ctx, presenceDirtyKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence mark dirty: %w", err)
	}
	return nil
}

// PresenceCount returns the number of distinct users with at least one live
// connection in the room.
func (h *Hot) PresenceCount(ctx context.Context, roomID string) (int64, error) {
	n, err := h.client.HLen(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return n, nil
}

// PopDirtyRooms drains the set of rooms whose presence changed since the
// previous broadcast tick.
func (h *Hot) PopDirtyRooms(ctx context.Context) ([]string, error) {
	rooms, err := h.client.SMembers(ctx, presenceDirtyKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read dirty rooms: %w", err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	members := make([]any, len(rooms))
	for i, r := range rooms {
		members[i] = r
	}
	if err := h.client.SRem(ctx, presenceDirtyKey, members...).Err(); err != nil {
		return nil, fmt.Errorf("clear dirty rooms: %w", err)
	}
	return rooms, nil
}
