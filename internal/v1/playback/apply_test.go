package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func playingSnapshot() Snapshot {
	return Snapshot{
		RoomID:          "room-1",
		VideoID:         strPtr("abc12345678"),
		PlaybackState:   StatePlaying,
		VideoTimeAtRef:  30,
		ReferenceTimeMs: 10000,
		PlaybackRate:    1,
		Seq:             5,
	}
}

func TestApply_VideoSet(t *testing.T) {
	s := playingSnapshot()
	next := Apply(s, Command{Type: CommandVideoSet, VideoID: strPtr("newvideo123")}, 20000, 6)

	assert.Equal(t, "newvideo123", *next.VideoID)
	assert.Equal(t, StatePlaying, next.PlaybackState)
	assert.Equal(t, 1.0, next.PlaybackRate)
	assert.Equal(t, 0.0, next.VideoTimeAtRef)
	assert.Equal(t, int64(20000), next.ReferenceTimeMs)
	assert.Equal(t, int64(6), next.Seq)
}

func TestApply_VideoSetNull(t *testing.T) {
	s := playingSnapshot()
	next := Apply(s, Command{Type: CommandVideoSet}, 20000, 6)

	assert.Nil(t, next.VideoID)
	assert.Equal(t, StatePaused, next.PlaybackState)
	assert.Equal(t, 0.0, next.VideoTimeAtRef)
}

func TestApply_PlayPreservesPosition(t *testing.T) {
	s := playingSnapshot()
	s.PlaybackState = StatePaused
	s.VideoTimeAtRef = 45

	execAt := int64(30000)
	before := s.TimeAt(execAt)
	next := Apply(s, Command{Type: CommandVideoPlay}, execAt, 6)

	assert.Equal(t, StatePlaying, next.PlaybackState)
	assert.InDelta(t, before, next.TimeAt(execAt), 1e-9)
	assert.Equal(t, execAt, next.ReferenceTimeMs)
}

func TestApply_PausePreservesPosition(t *testing.T) {
	s := playingSnapshot()

	execAt := int64(25000) // 15s after reference at rate 1 -> position 45
	before := s.TimeAt(execAt)
	next := Apply(s, Command{Type: CommandVideoPause}, execAt, 6)

	assert.Equal(t, StatePaused, next.PlaybackState)
	assert.InDelta(t, 45.0, before, 1e-9)
	assert.InDelta(t, before, next.TimeAt(execAt), 1e-9)
	assert.InDelta(t, before, next.TimeAt(execAt+60000), 1e-9)
}

func TestApply_SeekClampsNegative(t *testing.T) {
	s := playingSnapshot()
	next := Apply(s, Command{Type: CommandVideoSeek, PositionSeconds: floatPtr(-5)}, 20000, 6)

	assert.Equal(t, 0.0, next.VideoTimeAtRef)
	assert.Equal(t, int64(20000), next.ReferenceTimeMs)
	// playbackState preserved across seek
	assert.Equal(t, StatePlaying, next.PlaybackState)
}

func TestApply_SeekWhilePaused(t *testing.T) {
	s := playingSnapshot()
	s.PlaybackState = StatePaused

	next := Apply(s, Command{Type: CommandVideoSeek, PositionSeconds: floatPtr(120)}, 20000, 6)

	assert.Equal(t, 120.0, next.VideoTimeAtRef)
	assert.Equal(t, StatePaused, next.PlaybackState)
}

func TestApply_RateContinuity(t *testing.T) {
	s := playingSnapshot()

	execAt := int64(20000) // position 40 at execAt
	before := s.TimeAt(execAt)
	next := Apply(s, Command{Type: CommandVideoRate, PlaybackRate: floatPtr(2.0)}, execAt, 6)

	// Position unchanged at the execution instant
	assert.InDelta(t, before, next.TimeAt(execAt), 1e-9)
	// Derivative afterwards equals the new rate
	assert.InDelta(t, 2.0, next.TimeAt(execAt+1000)-next.TimeAt(execAt), 1e-9)
}

func TestApply_HandRaiseOnlyBumpsSeq(t *testing.T) {
	s := playingSnapshot()
	next := Apply(s, Command{Type: CommandHandRaise}, 20000, 6)

	assert.Equal(t, int64(6), next.Seq)
	next.Seq = s.Seq
	assert.Equal(t, s, next)
}

func TestApplyAction_IdempotentDrop(t *testing.T) {
	s := playingSnapshot() // seq 5

	stale := Action{
		Seq:      5,
		ExecAtMs: 20000,
		Command:  Command{Type: CommandVideoPause},
	}
	assert.Equal(t, s, ApplyAction(s, stale))

	older := stale
	older.Seq = 3
	assert.Equal(t, s, ApplyAction(s, older))
}

func TestAdvance_AppliesInOrder(t *testing.T) {
	s := NewSnapshot("room-1", nil, 0)

	actions := []Action{
		{Seq: 1, ExecAtMs: 1000, Command: Command{Type: CommandVideoSet, VideoID: strPtr("abc12345678")}},
		{Seq: 2, ExecAtMs: 2000, Command: Command{Type: CommandVideoSeek, PositionSeconds: floatPtr(60)}},
		{Seq: 3, ExecAtMs: 3000, Command: Command{Type: CommandVideoPause}},
	}

	next := Advance(s, actions)

	assert.Equal(t, int64(3), next.Seq)
	assert.Equal(t, StatePaused, next.PlaybackState)
	// set@1000 started at 0; seek@2000 jumped to 60; pause@3000 froze at 61
	assert.InDelta(t, 61.0, next.VideoTimeAtRef, 1e-9)
}

func TestAdvance_SkipsAppliedSeqs(t *testing.T) {
	s := NewSnapshot("room-1", nil, 0)
	s.Seq = 2
	s.VideoID = strPtr("abc12345678")
	s.PlaybackState = StatePlaying
	s.ReferenceTimeMs = 1000

	actions := []Action{
		{Seq: 1, ExecAtMs: 1000, Command: Command{Type: CommandVideoSet}},  // stale, dropped
		{Seq: 2, ExecAtMs: 2000, Command: Command{Type: CommandVideoSet}},  // stale, dropped
		{Seq: 3, ExecAtMs: 3000, Command: Command{Type: CommandVideoPause}},
	}

	next := Advance(s, actions)

	assert.Equal(t, int64(3), next.Seq)
	assert.Equal(t, StatePaused, next.PlaybackState)
	// The stale video:set actions did not unload the video
	assert.NotNil(t, next.VideoID)
}
