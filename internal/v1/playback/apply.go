package playback

// Apply is the pure state transition: given a snapshot, a validated command,
// the execution instant, and the newly assigned sequence, it produces the
// next snapshot.
//
// Continuity invariant: for every command except video:set and video:seek,
// the projected position at execAtMs is unchanged by the transition. play,
// pause, and rate therefore re-anchor the reference point at execAtMs before
// switching state.
func Apply(s Snapshot, cmd Command, execAtMs int64, seq int64) Snapshot {
	next := s
	next.Seq = seq

	switch cmd.Type {
	case CommandVideoSet:
		next.VideoID = cmd.VideoID
		if cmd.VideoID == nil {
			next.PlaybackState = StatePaused
		} else {
			next.PlaybackState = StatePlaying
		}
		next.PlaybackRate = 1
		next.VideoTimeAtRef = 0
		next.ReferenceTimeMs = execAtMs

	case CommandVideoPlay:
		t := s.TimeAt(execAtMs)
		next.PlaybackState = StatePlaying
		next.VideoTimeAtRef = t
		next.ReferenceTimeMs = execAtMs

	case CommandVideoPause:
		t := s.TimeAt(execAtMs)
		next.PlaybackState = StatePaused
		next.VideoTimeAtRef = t
		next.ReferenceTimeMs = execAtMs

	case CommandVideoSeek:
		p := 0.0
		if cmd.PositionSeconds != nil {
			p = *cmd.PositionSeconds
		}
		if p < 0 {
			p = 0
		}
		next.VideoTimeAtRef = p
		next.ReferenceTimeMs = execAtMs

	case CommandVideoRate:
		// Re-anchor first so TimeAt is continuous across the rate change.
		t := s.TimeAt(execAtMs)
		next.VideoTimeAtRef = t
		next.ReferenceTimeMs = execAtMs
		if cmd.PlaybackRate != nil {
			next.PlaybackRate = *cmd.PlaybackRate
		}

	case CommandHandRaise:
		// No snapshot mutation beyond the sequence bump.
	}

	return next
}

// ApplyAction replays a pending action onto a snapshot, honoring the
// idempotency rule: actions at or below the snapshot's sequence are dropped.
func ApplyAction(s Snapshot, a Action) Snapshot {
	if a.Seq <= s.Seq {
		return s
	}
	return Apply(s, a.Command, a.ExecAtMs, a.Seq)
}

// Advance replays every due action in (execAtMs, seq) order onto the
// snapshot. The actions slice must already be sorted; store reads return it
// sorted by score, with equal scores tie-broken by ascending seq.
func Advance(s Snapshot, actions []Action) Snapshot {
	for _, a := range actions {
		s = ApplyAction(s, a)
	}
	return s
}
