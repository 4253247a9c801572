// Package store owns room state persistence: the hot path in the shared
// Redis store (snapshot cache, sequence counter, pending-action queue,
// presence, chat history, advisory lock) and the cold path in the durable
// Postgres store (canonical room rows, stage roles).
package store

import (
	"fmt"
	"time"
)

const (
	// StateTTL bounds how long an idle room stays in the hot cache.
	StateTTL = 6 * time.Hour
	// PendingTTL bounds orphaned pending actions.
	PendingTTL = 10 * time.Minute
	// PresenceTTL bounds stale presence hashes after an unclean shutdown.
	PresenceTTL = 20 * time.Minute
	// AdvanceLockTTL is the advisory lock lifetime for the durable write path.
	AdvanceLockTTL = 5 * time.Second
)

func stateKey(roomID string) string    { return fmt.Sprintf("room:state:%s", roomID) }
func seqKey(roomID string) string      { return fmt.Sprintf("room:seq:%s", roomID) }
func pendingKey(roomID string) string  { return fmt.Sprintf("room:pending:%s", roomID) }
func chatKey(roomID string) string     { return fmt.Sprintf("room:chat:%s", roomID) }
func presenceKey(roomID string) string { return fmt.Sprintf("presence:%s", roomID) }
func lockKey(roomID string) string     { return fmt.Sprintf("lock:roomAdvance:%s", roomID) }

const presenceDirtyKey = "presence:dirty"
