package store

import (
	"context"
	"fmt"
	"sort"
)

func callKey(roomID string) string { return fmt.Sprintf("room:call:%s", roomID) }

// CallJoin records a user in the room's active media call.
func (h *Hot) CallJoin(ctx context.Context, roomID, userID string) error {
	pipe := h.client.TxPipeline()
	pipe.SAdd(ctx, callKey(roomID), userID)
	pipe.Expire(ctx, callKey(roomID), PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("call join: %w", err)
	}
	return nil
}

// CallLeave removes a user from the room's call membership.
func (h *Hot) CallLeave(ctx context.Context, roomID, userID string) error {
	if err := h.client.SRem(ctx, callKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("call leave: %w", err)
	}
	return nil
}

// CallMembers returns the users currently in the room's call, sorted for
// stable broadcast payloads.
func (h *Hot) CallMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := h.client.SMembers(ctx, callKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("call members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}
