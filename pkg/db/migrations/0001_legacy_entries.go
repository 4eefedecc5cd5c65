package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upLegacyEntries, downLegacyEntries)
}

// SleepEntry is the first shape of sleep_entries: sharing went through the
// single shared_with_user_id column.
type SleepEntry struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID           uuid.UUID  `gorm:"type:uuid;not null;index;index:idx_sleep_entries_open,where:end_time IS NULL"`
	BabyID           *uuid.UUID `gorm:"type:uuid;index"`
	StartTime        time.Time  `gorm:"type:timestamptz;not null"`
	EndTime          *time.Time `gorm:"type:timestamptz"`
	DurationMinutes  *int       `gorm:"type:integer"`
	Notes            *string    `gorm:"type:text"`
	Quality          *string    `gorm:"type:text"`
	CreatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	SyncedAt         *time.Time `gorm:"type:timestamptz"`
	SharedWithUserID *uuid.UUID `gorm:"type:uuid;index"`
}

func (SleepEntry) TableName() string { return "sleep_entries" }

// AccountLink mirrors the link table owned by the invitation workflow.
type AccountLink struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatorID        uuid.UUID `gorm:"type:uuid;not null;index"`
	InvitedID        uuid.UUID `gorm:"type:uuid;not null;index"`
	RelationshipType string    `gorm:"type:text;not null;default:'partner'"`
	Status           string    `gorm:"type:text;not null;default:'pending'"`
	CreatedAt        time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AccountLink) TableName() string { return "account_links" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upLegacyEntries(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&SleepEntry{},
		&AccountLink{},
	)
}

func downLegacyEntries(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&AccountLink{},
		&SleepEntry{},
	)
}
