// Package playback defines the authoritative room timeline: the snapshot of
// playback state, the time-base projection, and the pure command applier that
// produces the next snapshot at a scheduled execution instant.
package playback

// State is the play/pause discriminator of a snapshot.
type State string

const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// Snapshot is the authoritative observable state of a room's timeline.
//
// The time base is anchored: VideoTimeAtRef is the video position (seconds)
// at wall-clock instant ReferenceTimeMs. Every mutation re-anchors the
// reference so that TimeAt stays continuous across transitions.
type Snapshot struct {
	RoomID               string  `json:"roomId"`
	Name                 string  `json:"name"`
	VideoID              *string `json:"videoId"`
	PlaybackState        State   `json:"playbackState"`
	VideoTimeAtRef       float64 `json:"videoTimeAtRef"`
	ReferenceTimeMs      int64   `json:"referenceTimeMs"`
	PlaybackRate         float64 `json:"playbackRate"`
	Seq                  int64   `json:"seq"`
	ControllerUserID     *string `json:"controllerUserId"`
	AudienceDelaySeconds float64 `json:"audienceDelaySeconds"`
	CreatedBy            *string `json:"createdBy"`
}

// NewSnapshot returns a freshly initialized snapshot for a room that has no
// durable row yet: paused, position 0, rate 1, seq 0.
func NewSnapshot(roomID string, createdBy *string, audienceDelayDefault float64) Snapshot {
	return Snapshot{
		RoomID:               roomID,
		Name:                 "Watch Room",
		PlaybackState:        StatePaused,
		VideoTimeAtRef:       0,
		ReferenceTimeMs:      0,
		PlaybackRate:         1,
		Seq:                  0,
		AudienceDelaySeconds: audienceDelayDefault,
		CreatedBy:            createdBy,
		ControllerUserID:     nil,
	}
}

// TimeAt projects the video position (seconds) at wall-clock instant nowMs.
//
// Playing:  max(0, videoTimeAtRef + max(0, (nowMs - referenceTimeMs)/1000) * rate)
// Paused:   max(0, videoTimeAtRef)
func (s Snapshot) TimeAt(nowMs int64) float64 {
	if s.PlaybackState != StatePlaying {
		return max0(s.VideoTimeAtRef)
	}
	elapsed := float64(nowMs-s.ReferenceTimeMs) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	return max0(s.VideoTimeAtRef + elapsed*s.PlaybackRate)
}

// Patch is the dynamic subset of snapshot fields carried inside a pending
// action: the full prospective state of the timeline at the action's
// execution instant. Subscribers apply it verbatim at ExecAtMs.
type Patch struct {
	VideoID              *string `json:"videoId"`
	PlaybackState        State   `json:"playbackState"`
	VideoTimeAtRef       float64 `json:"videoTimeAtRef"`
	ReferenceTimeMs      int64   `json:"referenceTimeMs"`
	PlaybackRate         float64 `json:"playbackRate"`
	Seq                  int64   `json:"seq"`
	AudienceDelaySeconds float64 `json:"audienceDelaySeconds"`
}

// PatchOf extracts the dynamic fields of a snapshot.
func PatchOf(s Snapshot) Patch {
	return Patch{
		VideoID:              s.VideoID,
		PlaybackState:        s.PlaybackState,
		VideoTimeAtRef:       s.VideoTimeAtRef,
		ReferenceTimeMs:      s.ReferenceTimeMs,
		PlaybackRate:         s.PlaybackRate,
		Seq:                  s.Seq,
		AudienceDelaySeconds: s.AudienceDelaySeconds,
	}
}

// ApplyPatch overlays a patch onto a snapshot, preserving identity fields.
func ApplyPatch(s Snapshot, p Patch) Snapshot {
	s.VideoID = p.VideoID
	s.PlaybackState = p.PlaybackState
	s.VideoTimeAtRef = p.VideoTimeAtRef
	s.ReferenceTimeMs = p.ReferenceTimeMs
	s.PlaybackRate = p.PlaybackRate
	s.Seq = p.Seq
	s.AudienceDelaySeconds = p.AudienceDelaySeconds
	return s
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
