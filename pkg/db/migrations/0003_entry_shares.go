package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
)

func init() {
	goose.AddMigrationContext(upEntryShares, downEntryShares)
}

// SleepEntryShare is the explicit many-to-many share relation.
type SleepEntryShare struct {
	EntryID      uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SharedWithID uuid.UUID  `gorm:"type:uuid;primaryKey;index"`
	OwnerID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	CreatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Entry        SleepEntry `gorm:"foreignKey:EntryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// SyncAudit records reconciliation and migration outcomes.
type SyncAudit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null;index"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (SyncAudit) TableName() string { return "sync_audit" }

func upEntryShares(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&SleepEntryShare{},
		&SyncAudit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if !m.HasConstraint(&SleepEntryShare{}, "Entry") {
		if err := m.CreateConstraint(&SleepEntryShare{}, "Entry"); err != nil {
			return err
		}
	}
	return nil
}

func downEntryShares(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&SyncAudit{},
		&SleepEntryShare{},
	)
}
