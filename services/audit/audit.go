// Package audit records sync and migration outcomes in sync_audit.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Recorder stores one audit entry.
type Recorder interface {
	Record(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// Entry is one row of sync_audit.
type Entry struct {
	ID      int64          `json:"id" yaml:"id"`
	Actor   string         `json:"actor" yaml:"actor"`
	Action  string         `json:"action" yaml:"action"`
	Obj     string         `json:"obj" yaml:"obj"`
	Details map[string]any `json:"details" yaml:"details"`
	At      time.Time      `json:"at" yaml:"at"`
}

type auditModel struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (auditModel) TableName() string { return "sync_audit" }

func (m auditModel) entry() Entry {
	return Entry{
		ID:      m.ID,
		Actor:   m.Actor,
		Action:  m.Action,
		Obj:     m.Obj,
		Details: mapFromJSONMap(m.Details),
		At:      m.At.UTC(),
	}
}

// OpenGorm returns a gorm handle sharing pool's connections.
func OpenGorm(pool *pgxpool.Pool) (*gorm.DB, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// GormRecorder writes entries through gorm.
type GormRecorder struct {
	orm *gorm.DB
	now func() time.Time
}

// NewGormRecorder constructs a GormRecorder.
func NewGormRecorder(orm *gorm.DB) (*GormRecorder, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormRecorder{orm: orm, now: time.Now}, nil
}

// Record implements Recorder.
func (r *GormRecorder) Record(ctx context.Context, actor, action, obj string, details map[string]any) error {
	if strings.TrimSpace(action) == "" {
		return errors.New("audit action is required")
	}
	row := auditModel{
		Actor:   actor,
		Action:  action,
		Obj:     obj,
		Details: toJSONMap(details),
		At:      r.now().UTC(),
	}
	return r.orm.WithContext(ctx).Create(&row).Error
}

// Recent returns the newest entries, optionally filtered by action.
func (r *GormRecorder) Recent(ctx context.Context, action string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.orm.WithContext(ctx).Order("at DESC, id DESC").Limit(limit)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var rows []auditModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.entry())
	}
	return out, nil
}

// LogRecorder writes entries to a logger. It backs the memory store.
type LogRecorder struct {
	Log zerolog.Logger
}

// Record implements Recorder.
func (r LogRecorder) Record(_ context.Context, actor, action, obj string, details map[string]any) error {
	if strings.TrimSpace(action) == "" {
		return errors.New("audit action is required")
	}
	r.Log.Info().
		Str("component", "audit").
		Str("actor", actor).
		Str("action", action).
		Str("obj", obj).
		Fields(details).
		Msg("audit")
	return nil
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
