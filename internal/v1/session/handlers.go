package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
	"github.com/watchroom-live/backend/internal/v1/playback"
	"github.com/watchroom-live/backend/internal/v1/ratelimit"
	"github.com/watchroom-live/backend/internal/v1/store"
)

// MaxChatMessageLength caps a single chat message after sanitization.
const MaxChatMessageLength = 500

// upcomingActionsLimit is how many in-flight scheduled actions a joining
// client is seeded with.
const upcomingActionsLimit = 5

// chatWindowSize is how many recent messages a join returns.
const chatWindowSize = 50

// route dispatches one client envelope to its handler.
func (h *Hub) route(ctx context.Context, c *Client, env Envelope) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.WebsocketEvents.WithLabelValues(env.Event, status).Inc()
		metrics.EventProcessingDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	}()

	switch env.Event {
	case EventNtpPing:
		h.handleNtpPing(c, env)
	case EventRoomJoin:
		h.handleRoomJoin(ctx, c, env)
	case EventRoomStateRequest:
		h.handleStateRequest(ctx, c, env)
	case EventRoomCommand:
		h.handleRoomCommand(ctx, c, env)
	case EventChatSend:
		h.handleChatSend(ctx, c, env)
	case EventStageToken:
		h.handleStageToken(ctx, c, env)
	case EventTableToken:
		h.handleTableToken(ctx, c, env)
	case EventCallJoin:
		h.handleCallJoin(ctx, c, env)
	case EventCallLeave:
		h.handleCallLeave(ctx, c, env)
	case EventCallPresenceUpdate:
		h.handleCallPresenceUpdate(ctx, c, env)
	case EventCallSignal:
		h.handleCallSignal(ctx, c, env)
	default:
		status = "unknown_event"
		c.ackError(env.ID, ErrCodeInvalidMessage)
	}
}

// handleNtpPing answers the app-layer clock sync probe. Both server
// timestamps are captured inside the handler, so t1 <= t2 holds trivially.
func (h *Hub) handleNtpPing(c *Client, env Envelope) {
	var req ntpPingRequest
	if env.Data != nil {
		_ = json.Unmarshal(env.Data, &req)
	}
	now := h.nowMs()
	c.ack(env.ID, ntpPingAck{T0: req.T0, T1: now, T2: now})
}

// handleRoomJoin subscribes the client to a room: presence, fan-out, and the
// full late-join payload (snapshot advanced to now, upcoming actions, recent
// chat).
func (h *Hub) handleRoomJoin(ctx context.Context, c *Client, env Envelope) {
	var req joinRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.ackError(env.ID, ErrCodeInvalidMessage)
		return
	}
	if _, err := uuid.Parse(req.RoomID); err != nil {
		c.ackError(env.ID, ErrCodeInvalidRoomID)
		return
	}
	if req.DisplayName != "" {
		c.DisplayName = req.DisplayName
	}

	// Switching rooms leaves the previous one first.
	if prev := c.RoomID(); prev != "" && prev != req.RoomID {
		h.leaveRoom(ctx, c)
	}

	if c.RoomID() != req.RoomID {
		room := h.getOrCreateRoom(req.RoomID)
		room.add(c)
		c.setRoomID(req.RoomID)

		if err := h.store.Hot.PresenceIncr(ctx, req.RoomID, c.UserID); err != nil {
			logging.Warn(ctx, "Presence increment failed", zap.String("room_id", req.RoomID), zap.Error(err))
		}
	}

	h.ackRoomState(ctx, c, env.ID, req.RoomID)
}

// handleStateRequest returns the join payload without changing membership.
func (h *Hub) handleStateRequest(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}
	h.ackRoomState(ctx, c, env.ID, roomID)
}

func (h *Hub) ackRoomState(ctx context.Context, c *Client, id int64, roomID string) {
	snap, err := h.loadAdvanced(ctx, roomID, c.UserID)
	if err != nil {
		logging.Error(ctx, "Room state load failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(id, ErrCodeInternal)
		return
	}

	now := h.nowMs()
	pending, err := h.store.Hot.UpcomingActions(ctx, roomID, now, upcomingActionsLimit)
	if err != nil {
		logging.Warn(ctx, "Upcoming action read failed", zap.String("room_id", roomID), zap.Error(err))
		pending = nil
	}
	chat, err := h.store.Hot.LoadChat(ctx, roomID, chatWindowSize)
	if err != nil {
		logging.Warn(ctx, "Chat window read failed", zap.String("room_id", roomID), zap.Error(err))
		chat = nil
	}
	count, err := h.store.Hot.PresenceCount(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "Presence count failed", zap.String("room_id", roomID), zap.Error(err))
	}

	if pending == nil {
		pending = []playback.Action{}
	}
	if chat == nil {
		chat = []store.ChatMessage{}
	}
	c.ack(id, roomStateAck{
		OK:          true,
		State:       snap,
		Pending:     pending,
		OnlineCount: count,
		Chat:        chat,
	})
}

// loadAdvanced resolves the room snapshot and projects it to now by applying
// any due-but-undrained pending actions in memory. The authoritative drain
// stays with the advancer.
func (h *Hub) loadAdvanced(ctx context.Context, roomID, userID string) (playback.Snapshot, error) {
	snap, err := h.store.GetOrCreate(ctx, roomID, userID)
	if err != nil {
		return playback.Snapshot{}, err
	}
	due, _, err := h.store.Hot.DueActions(ctx, roomID, h.nowMs())
	if err != nil {
		return snap, nil
	}
	return playback.Advance(snap, due), nil
}

// handleRoomCommand validates, rate-limits, sequences and schedules one room
// command, fanning the resulting action out to every subscriber.
func (h *Hub) handleRoomCommand(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}

	var req commandRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.ackError(env.ID, ErrCodeInvalidCommand)
		return
	}
	cmd := req.Command
	if err := cmd.Validate(); err != nil {
		c.ackError(env.ID, ErrCodeInvalidCommand)
		return
	}

	now := h.nowMs()
	res := h.buckets.Consume(ctx, ratelimit.CommandKey(roomID, c.UserID), ratelimit.Policy{
		Capacity:     h.cfg.CmdBucketCapacity,
		RefillPerSec: h.cfg.CmdBucketRefill,
		TTL:          time.Minute,
	}, now)
	if !res.Allowed {
		metrics.RateLimitExceeded.WithLabelValues("room_command", "room_user").Inc()
		c.ack(env.ID, errorAck{OK: false, Error: ErrCodeRateLimited, RetryAfterMs: res.RetryAfterMs})
		return
	}

	// hand:raise broadcasts immediately and is never scheduled.
	if !cmd.IsScheduled() {
		h.fanOut(ctx, roomID, EventRoomHand, handPush{
			RoomID:      roomID,
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			AtMs:        now,
		})
		c.ack(env.ID, commandAck{OK: true})
		return
	}

	snap, err := h.loadAdvanced(ctx, roomID, c.UserID)
	if err != nil {
		logging.Error(ctx, "Command snapshot load failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}

	seq, err := h.store.Hot.NextSeq(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Sequence allocation failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}

	bufferMs := h.cfg.ExecBufferMs
	if cmd.Type == playback.CommandVideoSeek || cmd.Type == playback.CommandVideoSet {
		bufferMs = h.cfg.SeekBufferMs
	}
	execAt := now + bufferMs

	next := playback.Apply(snap, cmd, execAt, seq)
	action := playback.Action{
		Seq:         seq,
		ExecAtMs:    execAt,
		ServerNowMs: now,
		Command:     cmd,
		Patch:       playback.PatchOf(next),
	}

	if err := h.store.Hot.AddPending(ctx, roomID, action); err != nil {
		logging.Error(ctx, "Pending enqueue failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}
	metrics.ActionsScheduled.WithLabelValues(string(cmd.Type)).Inc()

	h.fanOut(ctx, roomID, EventRoomAction, action)
	h.advancer.Schedule(roomID, execAt)

	c.ack(env.ID, commandAck{OK: true, Action: &action})
}

// handleChatSend appends a sanitized message to the room history and fans it
// out.
func (h *Hub) handleChatSend(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}

	var req chatSendRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.ackError(env.ID, ErrCodeInvalidMessage)
		return
	}

	text := sanitizeChatMessage(req.Message)
	if text == "" {
		c.ackError(env.ID, ErrCodeInvalidMessage)
		return
	}

	now := h.nowMs()
	res := h.buckets.Consume(ctx, ratelimit.ChatKey(roomID, c.UserID), ratelimit.Policy{
		Capacity:     h.cfg.ChatBucketCapacity,
		RefillPerSec: h.cfg.ChatBucketRefill,
		TTL:          time.Minute,
	}, now)
	if !res.Allowed {
		metrics.RateLimitExceeded.WithLabelValues("chat_send", "room_user").Inc()
		c.ack(env.ID, errorAck{OK: false, Error: ErrCodeRateLimited, RetryAfterMs: res.RetryAfterMs})
		return
	}

	displayName := c.DisplayName
	if req.DisplayName != "" {
		displayName = req.DisplayName
	}
	msg := store.ChatMessage{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      c.UserID,
		DisplayName: displayName,
		Message:     text,
		AtMs:        now,
	}

	ttl := time.Duration(h.cfg.ChatTTLSec) * time.Second
	if err := h.store.Hot.AppendChat(ctx, msg, h.cfg.ChatMaxMessages, ttl); err != nil {
		logging.Error(ctx, "Chat append failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}
	metrics.ChatMessages.Inc()

	h.fanOut(ctx, roomID, EventChatMessage, msg)
	c.ack(env.ID, chatAck{OK: true, Message: msg})
}

// sanitizeChatMessage strips control characters, normalizes line endings,
// trims, and caps length.
func sanitizeChatMessage(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	s = strings.TrimSpace(b.String())
	if len(s) > MaxChatMessageLength {
		runes := []rune(s)
		if len(runes) > MaxChatMessageLength {
			runes = runes[:MaxChatMessageLength]
		}
		s = strings.TrimSpace(string(runes))
	}
	return s
}

// handleStageToken mints an SFU join token for the stage slot. The room
// creator always qualifies; anyone else needs a host or speaker role.
func (h *Hub) handleStageToken(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}
	if h.livekit == nil {
		c.ackError(env.ID, ErrCodeLiveKitUnconfigured)
		return
	}

	var req stageTokenRequest
	if env.Data != nil {
		_ = json.Unmarshal(env.Data, &req)
	}

	snap, err := h.store.GetOrCreate(ctx, roomID, c.UserID)
	if err != nil {
		logging.Error(ctx, "Stage token snapshot load failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}

	allowed := snap.CreatedBy != nil && *snap.CreatedBy == c.UserID
	if !allowed {
		role, err := h.store.Durable.StageRoleFor(ctx, roomID, c.UserID)
		if err != nil {
			logging.Error(ctx, "Stage role lookup failed", zap.String("room_id", roomID), zap.Error(err))
			c.ackError(env.ID, ErrCodeInternal)
			return
		}
		allowed = role == "host" || role == "speaker"
	}
	if !allowed {
		c.ackError(env.ID, ErrCodeForbidden)
		return
	}

	n, err := h.livekit.CountBySlot(ctx, roomID, "stage")
	if err != nil {
		logging.Error(ctx, "Stage capacity check failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}
	if int64(n) >= h.cfg.RoomMaxStage {
		c.ackError(env.ID, ErrCodeStageFull)
		return
	}

	h.ackToken(c, env.ID, roomID, "stage", req.TabID, req.DisplayName)
}

// handleTableToken mints an SFU join token for a table slot; any member may
// sit at a table.
func (h *Hub) handleTableToken(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}
	if h.livekit == nil {
		c.ackError(env.ID, ErrCodeLiveKitUnconfigured)
		return
	}

	var req tableTokenRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.TableID == "" {
		c.ackError(env.ID, ErrCodeInvalidMessage)
		return
	}

	slot := "table-" + req.TableID
	n, err := h.livekit.CountBySlot(ctx, roomID, slot)
	if err != nil {
		logging.Error(ctx, "Table capacity check failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}
	if int64(n) >= h.cfg.RoomMaxTable {
		c.ackError(env.ID, ErrCodeTableFull)
		return
	}

	h.ackToken(c, env.ID, roomID, slot, req.TabID, req.DisplayName)
}

// ackToken mints the token with a deterministic identity "userId:slot[-tab]"
// so one user can hold several concurrent devices.
func (h *Hub) ackToken(c *Client, id int64, roomID, slot, tabID, displayName string) {
	identity := c.UserID + ":" + slot
	if tabID != "" {
		identity += "-" + tabID
	}
	if displayName == "" {
		displayName = c.DisplayName
	}

	token, err := h.livekit.Minter().Mint(roomID, identity, displayName, true, 0)
	if err != nil {
		logging.Error(context.Background(), "Token minting failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(id, ErrCodeInternal)
		return
	}

	c.ack(id, tokenAck{
		OK:    true,
		Token: token,
		URL:   h.cfg.LiveKitURL,
		Room:  roomID,
	})
}

// --- call-layer relay ---

func (h *Hub) handleCallJoin(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}
	if err := h.store.Hot.CallJoin(ctx, roomID, c.UserID); err != nil {
		logging.Error(ctx, "Call join failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}
	c.setInCall(true)
	h.broadcastCallPresence(ctx, roomID)
	c.ack(env.ID, okAck{OK: true})
}

func (h *Hub) handleCallLeave(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}
	if err := h.store.Hot.CallLeave(ctx, roomID, c.UserID); err != nil {
		logging.Error(ctx, "Call leave failed", zap.String("room_id", roomID), zap.Error(err))
		c.ackError(env.ID, ErrCodeInternal)
		return
	}
	c.setInCall(false)
	h.broadcastCallPresence(ctx, roomID)
	c.ack(env.ID, okAck{OK: true})
}

// handleCallPresenceUpdate relays mute/camera state to the room unchanged.
func (h *Hub) handleCallPresenceUpdate(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}
	payload := map[string]json.RawMessage{
		"userId": json.RawMessage(`"` + c.UserID + `"`),
	}
	if env.Data != nil {
		payload["state"] = env.Data
	}
	h.fanOut(ctx, roomID, EventCallPresenceUpdate, payload)
	c.ack(env.ID, okAck{OK: true})
}

// handleCallSignal routes a WebRTC signal to one target user, wherever their
// connections live, via the per-user direct channel.
func (h *Hub) handleCallSignal(ctx context.Context, c *Client, env Envelope) {
	roomID := c.RoomID()
	if roomID == "" {
		c.ackError(env.ID, ErrCodeNotInRoom)
		return
	}

	var req callSignalRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.TargetUserID == "" {
		c.ackError(env.ID, ErrCodeInvalidMessage)
		return
	}

	push := callSignalPush{
		FromUserID: c.UserID,
		RoomID:     roomID,
		Signal:     req.Signal,
	}

	// Local connections of the target get it directly; the bus reaches the
	// target's connections on other nodes.
	h.deliverLocalUser(roomID, req.TargetUserID, EventCallSignal, push)
	if err := h.bus.PublishUser(ctx, req.TargetUserID, EventCallSignal, push); err != nil {
		logging.Warn(ctx, "Direct publish failed", zap.String("target", req.TargetUserID), zap.Error(err))
	}

	c.ack(env.ID, okAck{OK: true})
}

// deliverLocalUser sends an event to every local subscriber of roomID that
// belongs to userID.
func (h *Hub) deliverLocalUser(roomID, userID, event string, payload any) {
	h.mu.Lock()
	room := h.rooms[roomID]
	h.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.RLock()
	targets := make([]*Client, 0, 2)
	for sub := range room.subscribers {
		if sub.UserID == userID {
			targets = append(targets, sub)
		}
	}
	room.mu.RUnlock()

	for _, t := range targets {
		t.sendEvent(0, event, payload)
	}
}
