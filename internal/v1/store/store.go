package store

import (
	"context"
	"fmt"
	"time"

	"github.com/watchroom-live/backend/internal/v1/playback"
)

// Store combines the Redis hot path with the durable room database.
type Store struct {
	Hot     *Hot
	Durable Durable

	audienceDelayDefault float64
}

// New wires the hot cache and the durable store together.
func New(hot *Hot, durable Durable, audienceDelayDefault float64) *Store {
	return &Store{
		Hot:                  hot,
		Durable:              durable,
		audienceDelayDefault: audienceDelayDefault,
	}
}

// GetOrCreate resolves a room snapshot. Hot cache first; on a miss the
// durable row is hydrated into the cache, and a missing row is created fresh
// with createdBy as the owner. The sequence counter is raised to at least the
// snapshot's seq so rehydration never reissues sequence numbers.
func (s *Store) GetOrCreate(ctx context.Context, roomID, createdBy string) (playback.Snapshot, error) {
	snap, ok, err := s.Hot.GetSnapshot(ctx, roomID)
	if err != nil {
		return playback.Snapshot{}, err
	}
	if ok {
		return snap, nil
	}

	rec, err := s.Durable.GetRoom(ctx, roomID)
	if err != nil {
		return playback.Snapshot{}, err
	}
	if rec != nil {
		snap = snapshotFromRecord(roomID, rec)
	} else {
		snap = playback.NewSnapshot(roomID, emptyToNil(createdBy), s.audienceDelayDefault)
		if err := s.Durable.CreateRoom(ctx, recordFromSnapshot(snap)); err != nil {
			return playback.Snapshot{}, err
		}
	}

	if err := s.Hot.SetSnapshot(ctx, snap); err != nil {
		return playback.Snapshot{}, err
	}
	if snap.Seq > 0 {
		if err := s.Hot.EnsureSeqAtLeast(ctx, roomID, snap.Seq); err != nil {
			return playback.Snapshot{}, err
		}
	}
	return snap, nil
}

// Persist writes the snapshot to both the hot cache and the durable store.
func (s *Store) Persist(ctx context.Context, snap playback.Snapshot) error {
	if err := s.Hot.SetSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist hot: %w", err)
	}
	if err := s.Durable.PersistSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist durable: %w", err)
	}
	return nil
}

func snapshotFromRecord(roomID string, rec *RoomRecord) playback.Snapshot {
	snap := playback.Snapshot{
		RoomID:               roomID,
		Name:                 rec.Name,
		VideoID:              rec.CurrentVideoID,
		PlaybackState:        playback.State(rec.PlaybackState),
		VideoTimeAtRef:       rec.VideoTimeAtReference,
		ReferenceTimeMs:      referenceTimeMs(rec.ReferenceTime),
		PlaybackRate:         rec.PlaybackRate,
		Seq:                  rec.StateSeq,
		ControllerUserID:     rec.ControllerUserID,
		AudienceDelaySeconds: rec.AudienceDelaySeconds,
		CreatedBy:            rec.CreatedBy,
	}
	// Rows written before the extended columns existed carry only the legacy
	// pause flag and position.
	if snap.PlaybackState != playback.StatePlaying {
		snap.PlaybackState = playback.StatePaused
	}
	if rec.IsPaused {
		snap.PlaybackState = playback.StatePaused
	}
	if snap.VideoTimeAtRef == 0 && rec.PlaybackPositionSeconds > 0 {
		snap.VideoTimeAtRef = rec.PlaybackPositionSeconds
	}
	if snap.PlaybackRate == 0 {
		snap.PlaybackRate = 1
	}
	return snap
}

// referenceTimeMs converts the column value, treating a NULL/zero timestamp
// from a legacy row as an unset anchor.
func referenceTimeMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func recordFromSnapshot(s playback.Snapshot) RoomRecord {
	return RoomRecord{
		ID:                      s.RoomID,
		CreatedBy:               s.CreatedBy,
		Name:                    s.Name,
		CurrentVideoID:          s.VideoID,
		IsPaused:                s.PlaybackState != playback.StatePlaying,
		PlaybackPositionSeconds: s.VideoTimeAtRef,
		PlaybackRate:            s.PlaybackRate,
		StateSeq:                s.Seq,
		ReferenceTime:           time.UnixMilli(s.ReferenceTimeMs).UTC(),
		VideoTimeAtReference:    s.VideoTimeAtRef,
		PlaybackState:           string(s.PlaybackState),
		ControllerUserID:        s.ControllerUserID,
		AudienceDelaySeconds:    s.AudienceDelaySeconds,
	}
}
