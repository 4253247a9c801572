package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/watchroom-live/backend/internal/v1/playback"
)

// Hot wraps the shared Redis store for the room hot path.
type Hot struct {
	client *redis.Client
}

// NewHot wraps a Redis client.
func NewHot(client *redis.Client) *Hot {
	return &Hot{client: client}
}

// Client exposes the underlying Redis client for collaborators that share
// the connection pool (rate limiter, bus).
func (h *Hot) Client() *redis.Client {
	return h.client
}

// GetSnapshot reads the cached snapshot. The second return is false on a
// cache miss.
func (h *Hot) GetSnapshot(ctx context.Context, roomID string) (playback.Snapshot, bool, error) {
	fields, err := h.client.HGetAll(ctx, stateKey(roomID)).Result()
	if err != nil {
		return playback.Snapshot{}, false, fmt.Errorf("hgetall snapshot: %w", err)
	}
	if len(fields) == 0 {
		return playback.Snapshot{}, false, nil
	}
	return snapshotFromFields(roomID, fields), true, nil
}

// SetSnapshot upserts the snapshot into the hot cache and refreshes its TTL.
func (h *Hot) SetSnapshot(ctx context.Context, s playback.Snapshot) error {
	pipe := h.client.TxPipeline()
	pipe.HSet(ctx, stateKey(s.RoomID), snapshotFields(s))
	pipe.Expire(ctx, stateKey(s.RoomID), StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

// EvictSnapshot drops the cached snapshot.
func (h *Hot) EvictSnapshot(ctx context.Context, roomID string) error {
	return h.client.Del(ctx, stateKey(roomID)).Err()
}

// NextSeq atomically increments the room's sequence counter. Values are
// strictly increasing for a room across all nodes.
func (h *Hot) NextSeq(ctx context.Context, roomID string) (int64, error) {
	n, err := h.client.Incr(ctx, seqKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr seq: %w", err)
	}
	return n, nil
}

// ensureSeqScript performs a monotonic set-if-greater on the counter.
var ensureSeqScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local target = tonumber(ARGV[1])
if target > current then
  redis.call('SET', KEYS[1], target)
  return target
end
return current
`)

// EnsureSeqAtLeast raises the counter to n if it is currently lower, so a
// rehydrated room never hands out sequences below its durable snapshot.
func (h *Hot) EnsureSeqAtLeast(ctx context.Context, roomID string, n int64) error {
	if err := ensureSeqScript.Run(ctx, h.client, []string{seqKey(roomID)}, n).Err(); err != nil {
		return fmt.Errorf("ensure seq: %w", err)
	}
	return nil
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireAdvanceLock attempts the per-room advisory lock (SET NX PX). On
// success it returns true and a release function; the lock also self-expires
// after AdvanceLockTTL so a crashed holder cannot wedge the room.
func (h *Hot) AcquireAdvanceLock(ctx context.Context, roomID string) (bool, func(), error) {
	token := uuid.NewString()
	ok, err := h.client.SetNX(ctx, lockKey(roomID), token, AdvanceLockTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire advance lock: %w", err)
	}
	if !ok {
		return false, nil, nil
	}
	release := func() {
		_ = releaseLockScript.Run(context.Background(), h.client, []string{lockKey(roomID)}, token).Err()
	}
	return true, release, nil
}

// --- snapshot <-> hash field mapping ---

// The videoId, controllerUserId and createdBy fields use the empty string as
// the null sentinel; validation guarantees no legitimate value is empty.
func snapshotFields(s playback.Snapshot) map[string]any {
	return map[string]any{
		"name":                 s.Name,
		"videoId":              derefOrEmpty(s.VideoID),
		"playbackState":        string(s.PlaybackState),
		"videoTimeAtRef":       strconv.FormatFloat(s.VideoTimeAtRef, 'f', -1, 64),
		"referenceTimeMs":      strconv.FormatInt(s.ReferenceTimeMs, 10),
		"playbackRate":         strconv.FormatFloat(s.PlaybackRate, 'f', -1, 64),
		"seq":                  strconv.FormatInt(s.Seq, 10),
		"controllerUserId":     derefOrEmpty(s.ControllerUserID),
		"audienceDelaySeconds": strconv.FormatFloat(s.AudienceDelaySeconds, 'f', -1, 64),
		"createdBy":            derefOrEmpty(s.CreatedBy),
	}
}

func snapshotFromFields(roomID string, fields map[string]string) playback.Snapshot {
	s := playback.Snapshot{
		RoomID:        roomID,
		Name:          fields["name"],
		VideoID:       emptyToNil(fields["videoId"]),
		PlaybackState: playback.State(fields["playbackState"]),
		ControllerUserID: emptyToNil(fields["controllerUserId"]),
		CreatedBy:        emptyToNil(fields["createdBy"]),
	}
	s.VideoTimeAtRef, _ = strconv.ParseFloat(fields["videoTimeAtRef"], 64)
	s.ReferenceTimeMs, _ = strconv.ParseInt(fields["referenceTimeMs"], 10, 64)
	s.PlaybackRate, _ = strconv.ParseFloat(fields["playbackRate"], 64)
	s.Seq, _ = strconv.ParseInt(fields["seq"], 10, 64)
	s.AudienceDelaySeconds, _ = strconv.ParseFloat(fields["audienceDelaySeconds"], 64)
	if s.PlaybackState != playback.StatePlaying {
		s.PlaybackState = playback.StatePaused
	}
	if s.PlaybackRate == 0 {
		s.PlaybackRate = 1
	}
	return s
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
