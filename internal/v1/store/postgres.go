package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/playback"
)

// RoomRecord is the canonical room row. The table predates this service, so
// column names follow the existing schema rather than Go conventions.
type RoomRecord struct {
	ID                      string    `gorm:"column:id;primaryKey"`
	CreatedBy               *string   `gorm:"column:created_by"`
	Name                    string    `gorm:"column:name"`
	CurrentVideoID          *string   `gorm:"column:current_video_id"`
	IsPaused                bool      `gorm:"column:is_paused"`
	PlaybackPositionSeconds float64   `gorm:"column:playback_position_seconds"`
	PlaybackRate            float64   `gorm:"column:playback_rate"`
	StateSeq                int64     `gorm:"column:state_seq"`
	ReferenceTime           time.Time `gorm:"column:reference_time"`
	VideoTimeAtReference    float64   `gorm:"column:video_time_at_reference"`
	PlaybackState           string    `gorm:"column:playback_state"`
	ControllerUserID        *string   `gorm:"column:controller_user_id"`
	AudienceDelaySeconds    float64   `gorm:"column:audience_delay_seconds"`
	UpdatedAt               time.Time `gorm:"column:updated_at"`
}

// TableName sets the gorm table.
func (RoomRecord) TableName() string {
	return "rooms"
}

// StageRole grants a user a publishing role in a room.
type StageRole struct {
	RoomID string `gorm:"column:room_id;primaryKey"`
	UserID string `gorm:"column:user_id;primaryKey"`
	Role   string `gorm:"column:role"`
}

// TableName sets the gorm table.
func (StageRole) TableName() string {
	return "stage_roles"
}

// Durable is the cold storage behind the Redis hot path.
type Durable interface {
	GetRoom(ctx context.Context, roomID string) (*RoomRecord, error)
	CreateRoom(ctx context.Context, rec RoomRecord) error
	PersistSnapshot(ctx context.Context, s playback.Snapshot) error
	StageRoleFor(ctx context.Context, roomID, userID string) (string, error)
	Ping(ctx context.Context) error
}

// Postgres implements Durable on the shared rooms database.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres connects to the database, retrying for a short window so the
// service survives a database that comes up slightly after it.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	var db *gorm.DB
	err := retry.Do(
		func() error {
			var err error
			db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
				Logger: gormlogger.Default.LogMode(gormlogger.Silent),
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			logging.Warn(ctx, "Database connection failed, retrying",
				zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// GetRoom fetches the room row, or nil when the room does not exist.
func (p *Postgres) GetRoom(ctx context.Context, roomID string) (*RoomRecord, error) {
	var rec RoomRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", roomID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &rec, nil
}

// CreateRoom inserts the row, ignoring a concurrent create of the same id.
func (p *Postgres) CreateRoom(ctx context.Context, rec RoomRecord) error {
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// PersistSnapshot writes the full snapshot to the room row. Deployments that
// have not migrated to the extended columns get a reduced write of the legacy
// subset instead of an error.
func (p *Postgres) PersistSnapshot(ctx context.Context, s playback.Snapshot) error {
	now := time.Now().UTC()
	full := map[string]any{
		"current_video_id":          s.VideoID,
		"is_paused":                 s.PlaybackState != playback.StatePlaying,
		"playback_position_seconds": s.VideoTimeAtRef,
		"playback_rate":             s.PlaybackRate,
		"state_seq":                 s.Seq,
		"reference_time":            time.UnixMilli(s.ReferenceTimeMs).UTC(),
		"video_time_at_reference":   s.VideoTimeAtRef,
		"playback_state":            string(s.PlaybackState),
		"controller_user_id":        s.ControllerUserID,
		"audience_delay_seconds":    s.AudienceDelaySeconds,
		"updated_at":                now,
	}
	err := p.db.WithContext(ctx).Model(&RoomRecord{}).
		Where("id = ?", s.RoomID).Updates(full).Error
	if err == nil {
		return nil
	}
	if !isMissingColumnErr(err) {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	legacy := map[string]any{
		"current_video_id":          s.VideoID,
		"is_paused":                 s.PlaybackState != playback.StatePlaying,
		"playback_position_seconds": s.VideoTimeAtRef,
		"playback_rate":             s.PlaybackRate,
		"updated_at":                now,
	}
	if err := p.db.WithContext(ctx).Model(&RoomRecord{}).
		Where("id = ?", s.RoomID).Updates(legacy).Error; err != nil {
		return fmt.Errorf("persist snapshot (legacy columns): %w", err)
	}
	logging.Warn(ctx, "Persisted legacy snapshot subset, schema is missing extended columns",
		zap.String("room_id", s.RoomID))
	return nil
}

// isMissingColumnErr matches the Postgres undefined-column error so the
// persist path can retry with the legacy column subset.
func isMissingColumnErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 42703") ||
		strings.Contains(msg, "column") && strings.Contains(msg, "does not exist")
}

// StageRoleFor returns the user's publishing role in the room, or the empty
// string when none is granted.
func (p *Postgres) StageRoleFor(ctx context.Context, roomID, userID string) (string, error) {
	var role StageRole
	err := p.db.WithContext(ctx).
		First(&role, "room_id = ? AND user_id = ?", roomID, userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", fmt.Errorf("stage role: %w", err)
	}
	return role.Role, nil
}

// Ping verifies database connectivity for readiness checks.
func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
