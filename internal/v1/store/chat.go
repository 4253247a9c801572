package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ChatMessage is one chat entry as stored and as sent on the wire.
type ChatMessage struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Message     string `json:"message"`
	AtMs        int64  `json:"atMs"`
}

// AppendChat pushes a message onto the room's history, trims the history to
// maxMessages and refreshes the TTL.
func (h *Hot) AppendChat(ctx context.Context, msg ChatMessage, maxMessages int64, ttl time.Duration) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, chatKey(msg.RoomID), raw)
	pipe.LTrim(ctx, chatKey(msg.RoomID), -maxMessages, -1)
	pipe.Expire(ctx, chatKey(msg.RoomID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append chat: %w", err)
	}
	return nil
}

// LoadChat returns the most recent messages, oldest first. Malformed entries
// are skipped.
func (h *Hot) LoadChat(ctx context.Context, roomID string, limit int64) ([]ChatMessage, error) {
	raws, err := h.client.LRange(ctx, chatKey(roomID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	msgs := make([]ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var m ChatMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].AtMs < msgs[j].AtMs })
	return msgs, nil
}
