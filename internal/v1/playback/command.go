package playback

import (
	"errors"
	"fmt"
	"math"
)

// CommandType discriminates the closed set of room commands.
type CommandType string

const (
	CommandVideoSet   CommandType = "video:set"
	CommandVideoPlay  CommandType = "video:play"
	CommandVideoPause CommandType = "video:pause"
	CommandVideoSeek  CommandType = "video:seek"
	CommandVideoRate  CommandType = "video:rate"
	CommandHandRaise  CommandType = "hand:raise"
)

const (
	// MaxVideoIDLength bounds opaque video identifiers.
	MaxVideoIDLength = 32
	// MaxSeekSeconds bounds seek targets (24 hours).
	MaxSeekSeconds = 86400
	// MinPlaybackRate and MaxPlaybackRate bound the accepted rate range.
	MinPlaybackRate = 0.25
	MaxPlaybackRate = 2.0
)

// ErrInvalidCommand is returned for any shape or range violation.
var ErrInvalidCommand = errors.New("invalid_command")

// Command is the tagged variant a client submits. Exactly one payload field
// is meaningful depending on Type.
type Command struct {
	Type            CommandType `json:"type"`
	VideoID         *string     `json:"videoId,omitempty"`
	PositionSeconds *float64    `json:"positionSeconds,omitempty"`
	PlaybackRate    *float64    `json:"playbackRate,omitempty"`
}

// Validate performs shape-only validation at ingress. Out-of-range
// playbackRate is rejected rather than clamped; negative seek positions are
// accepted here and clamped to 0 by the applier.
func (c Command) Validate() error {
	switch c.Type {
	case CommandVideoSet:
		if c.VideoID != nil {
			if len(*c.VideoID) < 1 || len(*c.VideoID) > MaxVideoIDLength {
				return fmt.Errorf("%w: videoId length must be 1-%d", ErrInvalidCommand, MaxVideoIDLength)
			}
		}
	case CommandVideoSeek:
		if c.PositionSeconds == nil {
			return fmt.Errorf("%w: positionSeconds is required", ErrInvalidCommand)
		}
		p := *c.PositionSeconds
		if math.IsNaN(p) || math.IsInf(p, 0) || p > MaxSeekSeconds {
			return fmt.Errorf("%w: positionSeconds must be finite and at most %d", ErrInvalidCommand, MaxSeekSeconds)
		}
	case CommandVideoRate:
		if c.PlaybackRate == nil {
			return fmt.Errorf("%w: playbackRate is required", ErrInvalidCommand)
		}
		r := *c.PlaybackRate
		if math.IsNaN(r) || math.IsInf(r, 0) || r < MinPlaybackRate || r > MaxPlaybackRate {
			return fmt.Errorf("%w: playbackRate must be in [%g, %g]", ErrInvalidCommand, MinPlaybackRate, MaxPlaybackRate)
		}
	case CommandVideoPlay, CommandVideoPause, CommandHandRaise:
		// no payload
	default:
		return fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

// IsScheduled reports whether the command is enqueued as a pending action.
// hand:raise is broadcast immediately and never scheduled.
func (c Command) IsScheduled() bool {
	return c.Type != CommandHandRaise
}

// Action is a scheduled snapshot mutation: a command plus its assigned
// sequence, its execution instant, and the full prospective patch at that
// instant.
type Action struct {
	Seq         int64   `json:"seq"`
	ExecAtMs    int64   `json:"execAtMs"`
	ServerNowMs int64   `json:"serverNowMs"`
	Command     Command `json:"command"`
	Patch       Patch   `json:"patch"`
}
