package session

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchroom-live/backend/internal/v1/playback"
)

func TestNtpPing(t *testing.T) {
	env := newTestHub(t)
	env.hub.nowMs = func() int64 { return 5_000 }

	c, _ := newTestClient(env.hub, "user-1", "Alice")
	env.hub.route(context.Background(), c, mustEnvelope(t, 7, EventNtpPing, ntpPingRequest{T0: 4_200}))

	ack := recvEvent(t, c, EventAck)
	assert.Equal(t, int64(7), ack.ID)
	pong := decodeData[ntpPingAck](t, ack)
	assert.Equal(t, int64(4_200), pong.T0)
	assert.Equal(t, int64(5_000), pong.T1)
	assert.Equal(t, int64(5_000), pong.T2)
}

func TestRoomJoin_InvalidRoomID(t *testing.T) {
	env := newTestHub(t)

	c, _ := newTestClient(env.hub, "user-1", "Alice")
	env.hub.route(context.Background(), c, mustEnvelope(t, 1, EventRoomJoin, joinRequest{RoomID: "not-a-uuid"}))

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.False(t, payload.OK)
	assert.Equal(t, ErrCodeInvalidRoomID, payload.Error)
}

func TestRoomJoin_ReturnsFreshState(t *testing.T) {
	env := newTestHub(t)

	c, roomID := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 2, EventRoomStateRequest, struct{}{}))
	ack := recvEvent(t, c, EventAck)
	state := decodeData[roomStateAck](t, ack)

	require.True(t, state.OK)
	assert.Equal(t, roomID, state.State.RoomID)
	assert.Equal(t, playback.StatePaused, state.State.PlaybackState)
	assert.Equal(t, int64(0), state.State.Seq)
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Chat)
	assert.Equal(t, int64(1), state.OnlineCount)
	require.NotNil(t, state.State.CreatedBy)
	assert.Equal(t, "user-1", *state.State.CreatedBy)
}

func TestStateRequest_NotInRoom(t *testing.T) {
	env := newTestHub(t)

	c, _ := newTestClient(env.hub, "user-1", "Alice")
	env.hub.route(context.Background(), c, mustEnvelope(t, 3, EventRoomStateRequest, struct{}{}))

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeNotInRoom, payload.Error)
}

func TestRoomCommand_SchedulesAction(t *testing.T) {
	env := newTestHub(t)
	env.hub.nowMs = func() int64 { return 100_000 }

	c, roomID := joinedClient(t, env, "user-1", "Alice")

	pos := 120.0
	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventRoomCommand, commandRequest{
		Command: playback.Command{Type: playback.CommandVideoSeek, PositionSeconds: &pos},
	}))

	// The action broadcast and the ack both arrive; the ack carries the action.
	push := recvEvent(t, c, EventRoomAction)
	broadcast := decodeData[playback.Action](t, push)
	ack := recvEvent(t, c, EventAck)
	payload := decodeData[commandAck](t, ack)

	require.True(t, payload.OK)
	require.NotNil(t, payload.Action)
	assert.Equal(t, int64(1), payload.Action.Seq)
	// Seek uses the longer buffer
	assert.Equal(t, int64(102_500), payload.Action.ExecAtMs)
	assert.Equal(t, int64(100_000), payload.Action.ServerNowMs)
	assert.Equal(t, 120.0, payload.Action.Patch.VideoTimeAtRef)
	assert.Equal(t, broadcast.Seq, payload.Action.Seq)

	// The action is queued for the advancer
	at, pending, err := env.store.Hot.PeekNextDueAt(context.Background(), roomID)
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, int64(102_500), at)
}

func TestRoomCommand_PlayUsesExecBuffer(t *testing.T) {
	env := newTestHub(t)
	env.hub.nowMs = func() int64 { return 100_000 }

	c, _ := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventRoomCommand, commandRequest{
		Command: playback.Command{Type: playback.CommandVideoPlay},
	}))

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[commandAck](t, ack)
	require.True(t, payload.OK)
	assert.Equal(t, int64(102_000), payload.Action.ExecAtMs)
	assert.Equal(t, playback.StatePlaying, payload.Action.Patch.PlaybackState)
}

func TestRoomCommand_InvalidCommand(t *testing.T) {
	env := newTestHub(t)

	c, _ := joinedClient(t, env, "user-1", "Alice")

	rate := 5.0 // outside [0.25, 2.0]
	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventRoomCommand, commandRequest{
		Command: playback.Command{Type: playback.CommandVideoRate, PlaybackRate: &rate},
	}))

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeInvalidCommand, payload.Error)
}

func TestRoomCommand_NotInRoom(t *testing.T) {
	env := newTestHub(t)

	c, _ := newTestClient(env.hub, "user-1", "Alice")
	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventRoomCommand, commandRequest{
		Command: playback.Command{Type: playback.CommandVideoPlay},
	}))

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeNotInRoom, payload.Error)
}

func TestRoomCommand_RateLimited(t *testing.T) {
	env := newTestHub(t)
	env.hub.cfg.CmdBucketCapacity = 2
	env.hub.cfg.CmdBucketRefill = 0.5
	env.hub.nowMs = func() int64 { return 100_000 }

	c, _ := joinedClient(t, env, "user-1", "Alice")

	for i := 0; i < 2; i++ {
		env.hub.route(context.Background(), c, mustEnvelope(t, int64(10+i), EventRoomCommand, commandRequest{
			Command: playback.Command{Type: playback.CommandVideoPlay},
		}))
		ack := recvEvent(t, c, EventAck)
		payload := decodeData[commandAck](t, ack)
		require.True(t, payload.OK, "command %d should pass", i)
	}

	env.hub.route(context.Background(), c, mustEnvelope(t, 12, EventRoomCommand, commandRequest{
		Command: playback.Command{Type: playback.CommandVideoPlay},
	}))
	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeRateLimited, payload.Error)
	assert.Greater(t, payload.RetryAfterMs, int64(0))
}

func TestRoomCommand_HandRaiseBroadcastsImmediately(t *testing.T) {
	env := newTestHub(t)
	env.hub.nowMs = func() int64 { return 100_000 }

	c, roomID := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventRoomCommand, commandRequest{
		Command: playback.Command{Type: playback.CommandHandRaise},
	}))

	push := recvEvent(t, c, EventRoomHand)
	hand := decodeData[handPush](t, push)
	assert.Equal(t, roomID, hand.RoomID)
	assert.Equal(t, "user-1", hand.UserID)
	assert.Equal(t, "Alice", hand.DisplayName)

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[commandAck](t, ack)
	assert.True(t, payload.OK)
	assert.Nil(t, payload.Action)

	// Nothing was scheduled
	_, pending, err := env.store.Hot.PeekNextDueAt(context.Background(), roomID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCommandSequenceIncrements(t *testing.T) {
	env := newTestHub(t)
	env.hub.nowMs = func() int64 { return 100_000 }

	c, _ := joinedClient(t, env, "user-1", "Alice")

	for want := int64(1); want <= 3; want++ {
		env.hub.route(context.Background(), c, mustEnvelope(t, want, EventRoomCommand, commandRequest{
			Command: playback.Command{Type: playback.CommandVideoPlay},
		}))
		recvEvent(t, c, EventRoomAction)
		ack := recvEvent(t, c, EventAck)
		payload := decodeData[commandAck](t, ack)
		require.True(t, payload.OK)
		assert.Equal(t, want, payload.Action.Seq)
	}
}

func TestChatSend_RoundTrip(t *testing.T) {
	env := newTestHub(t)
	env.hub.nowMs = func() int64 { return 100_000 }

	c, roomID := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventChatSend, chatSendRequest{Message: "  hello room \r\n"}))

	push := recvEvent(t, c, EventChatMessage)
	ack := recvEvent(t, c, EventAck)
	payload := decodeData[chatAck](t, ack)

	require.True(t, payload.OK)
	assert.Equal(t, "hello room", payload.Message.Message)
	assert.Equal(t, "user-1", payload.Message.UserID)
	assert.Equal(t, "Alice", payload.Message.DisplayName)
	assert.NotEmpty(t, payload.Message.ID)
	assert.NotNil(t, push.Data)

	// Message is in the history for the next join
	msgs, err := env.store.Hot.LoadChat(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello room", msgs[0].Message)
}

func TestChatSend_EmptyRejected(t *testing.T) {
	env := newTestHub(t)

	c, _ := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventChatSend, chatSendRequest{Message: "   \r\n "}))
	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeInvalidMessage, payload.Error)
}

func TestSanitizeChatMessage(t *testing.T) {
	assert.Equal(t, "hello", sanitizeChatMessage("  hello  "))
	assert.Equal(t, "a\nb", sanitizeChatMessage("a\r\nb"))
	assert.Equal(t, "ab", sanitizeChatMessage("a\x00\x07b"))
	assert.Equal(t, "", sanitizeChatMessage("\x1b[2J"))

	long := strings.Repeat("x", 600)
	assert.Len(t, sanitizeChatMessage(long), MaxChatMessageLength)
}

func TestStageToken_NotConfigured(t *testing.T) {
	env := newTestHub(t)

	c, _ := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventStageToken, stageTokenRequest{}))
	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeLiveKitUnconfigured, payload.Error)
}

func TestCallJoinLeave(t *testing.T) {
	env := newTestHub(t)

	c, roomID := joinedClient(t, env, "user-1", "Alice")

	env.hub.route(context.Background(), c, mustEnvelope(t, 5, EventCallJoin, struct{}{}))
	push := recvEvent(t, c, EventCallPresence)
	presence := decodeData[callPresencePush](t, push)
	assert.Equal(t, []string{"user-1"}, presence.Participants)
	recvEvent(t, c, EventAck)

	env.hub.route(context.Background(), c, mustEnvelope(t, 6, EventCallLeave, struct{}{}))
	push = recvEvent(t, c, EventCallPresence)
	presence = decodeData[callPresencePush](t, push)
	assert.Empty(t, presence.Participants)

	members, err := env.store.Hot.CallMembers(context.Background(), roomID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestCallSignal_RoutedToTarget(t *testing.T) {
	env := newTestHub(t)

	sender, roomID := joinedClient(t, env, "user-1", "Alice")

	// Second user in the same room on the same node
	target, _ := newTestClient(env.hub, "user-2", "Bob")
	env.hub.route(context.Background(), target, mustEnvelope(t, 1, EventRoomJoin, joinRequest{RoomID: roomID}))
	recvEvent(t, target, EventAck)

	env.hub.route(context.Background(), sender, mustEnvelope(t, 5, EventCallSignal, map[string]any{
		"targetUserId": "user-2",
		"signal":       map[string]string{"type": "offer", "sdp": "v=0"},
	}))

	push := recvEvent(t, target, EventCallSignal)
	signal := decodeData[callSignalPush](t, push)
	assert.Equal(t, "user-1", signal.FromUserID)
	assert.Contains(t, string(signal.Signal), "offer")

	recvEvent(t, sender, EventAck)
}

func TestUnknownEvent(t *testing.T) {
	env := newTestHub(t)

	c, _ := newTestClient(env.hub, "user-1", "Alice")
	env.hub.route(context.Background(), c, Envelope{ID: 9, Event: "no:such:event"})

	ack := recvEvent(t, c, EventAck)
	payload := decodeData[errorAck](t, ack)
	assert.Equal(t, ErrCodeInvalidMessage, payload.Error)
}

func TestRoomJoin_SwitchingRoomsLeavesPrevious(t *testing.T) {
	env := newTestHub(t)

	c, firstRoom := joinedClient(t, env, "user-1", "Alice")

	secondRoom := uuid.NewString()
	env.hub.route(context.Background(), c, mustEnvelope(t, 2, EventRoomJoin, joinRequest{RoomID: secondRoom}))
	ack := recvEvent(t, c, EventAck)
	state := decodeData[roomStateAck](t, ack)
	require.True(t, state.OK)
	assert.Equal(t, secondRoom, state.State.RoomID)

	// Presence in the first room dropped to zero
	n, err := env.store.Hot.PresenceCount(context.Background(), firstRoom)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = env.store.Hot.PresenceCount(context.Background(), secondRoom)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
