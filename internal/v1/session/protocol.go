package session

import (
	"encoding/json"

	"github.com/watchroom-live/backend/internal/v1/playback"
	"github.com/watchroom-live/backend/internal/v1/store"
)

// Envelope is the wire frame in both directions. Client requests carry an id
// that the matching ack echoes back; server pushes omit it.
type Envelope struct {
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-to-server events.
const (
	EventNtpPing            = "ntp:ping"
	EventRoomJoin           = "room:join"
	EventRoomStateRequest   = "room:state:request"
	EventRoomCommand        = "room:command"
	EventChatSend           = "chat:send"
	EventStageToken         = "stage:token"
	EventTableToken         = "table:token"
	EventCallJoin           = "call:join"
	EventCallLeave          = "call:leave"
	EventCallPresenceUpdate = "call:presence:update"
	EventCallSignal         = "call:signal"
)

// Server-to-client events.
const (
	EventAck            = "ack"
	EventPresenceUpdate = "presence:update"
	EventRoomHand       = "room:hand"
	EventRoomAction     = "room:action"
	EventChatMessage    = "chat:message"
	EventCallPresence   = "call:presence"
)

// Client-visible error codes.
const (
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeInvalidCommand      = "invalid_command"
	ErrCodeInvalidRoomID       = "invalid_room_id"
	ErrCodeInvalidMessage      = "invalid_message"
	ErrCodeNotInRoom           = "not_in_room"
	ErrCodeForbidden           = "forbidden"
	ErrCodeStageFull           = "stage_full"
	ErrCodeTableFull           = "table_full"
	ErrCodeLiveKitUnconfigured = "livekit_not_configured"
	ErrCodeNotConnected        = "not_connected"
	ErrCodeInternal            = "internal"
)

// --- request payloads ---

type ntpPingRequest struct {
	T0 int64 `json:"t0"`
}

type joinRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

type commandRequest struct {
	Command playback.Command `json:"command"`
}

type chatSendRequest struct {
	Message     string `json:"message"`
	DisplayName string `json:"displayName,omitempty"`
}

type stageTokenRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	TabID       string `json:"tabId,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
}

type tableTokenRequest struct {
	TableID     string `json:"tableId"`
	DisplayName string `json:"displayName,omitempty"`
	TabID       string `json:"tabId,omitempty"`
}

type callSignalRequest struct {
	TargetUserID string          `json:"targetUserId"`
	Signal       json.RawMessage `json:"signal"`
}

// --- ack payloads ---

type errorAck struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

type ntpPingAck struct {
	T0 int64 `json:"t0"`
	T1 int64 `json:"t1"`
	T2 int64 `json:"t2"`
}

type roomStateAck struct {
	OK          bool                `json:"ok"`
	State       playback.Snapshot   `json:"state"`
	Pending     []playback.Action   `json:"pending"`
	OnlineCount int64               `json:"onlineCount"`
	Chat        []store.ChatMessage `json:"chat"`
}

type commandAck struct {
	OK     bool             `json:"ok"`
	Action *playback.Action `json:"action,omitempty"`
}

type chatAck struct {
	OK      bool              `json:"ok"`
	Message store.ChatMessage `json:"message"`
}

type tokenAck struct {
	OK    bool   `json:"ok"`
	Token string `json:"token"`
	URL   string `json:"url"`
	Room  string `json:"room"`
}

type okAck struct {
	OK bool `json:"ok"`
}

// --- push payloads ---

type presencePush struct {
	RoomID      string `json:"roomId"`
	OnlineCount int64  `json:"onlineCount"`
}

type handPush struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AtMs        int64  `json:"atMs"`
}

type callPresencePush struct {
	RoomID       string   `json:"roomId"`
	Participants []string `json:"participants"`
}

type callSignalPush struct {
	FromUserID string          `json:"fromUserId"`
	RoomID     string          `json:"roomId,omitempty"`
	Signal     json.RawMessage `json:"signal"`
}
