package migrations

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upPartnerColumns, downPartnerColumns)
}

// sleepEntryPartner adds the partner_id sharing model and the updated_by
// audit column.
type sleepEntryPartner struct {
	PartnerID *uuid.UUID `gorm:"type:uuid;index:idx_sleep_entries_partner_id"`
	UpdatedBy *uuid.UUID `gorm:"type:uuid"`
}

func (sleepEntryPartner) TableName() string { return "sleep_entries" }

func upPartnerColumns(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, field := range []string{"PartnerID", "UpdatedBy"} {
		if m.HasColumn(&sleepEntryPartner{}, field) {
			continue
		}
		if err := m.AddColumn(&sleepEntryPartner{}, field); err != nil {
			return err
		}
	}
	if !m.HasIndex(&sleepEntryPartner{}, "idx_sleep_entries_partner_id") {
		if err := m.CreateIndex(&sleepEntryPartner{}, "idx_sleep_entries_partner_id"); err != nil {
			return err
		}
	}

	// Rows written before updated_by existed were last touched by their owner.
	_, err = tx.ExecContext(ctx, `UPDATE sleep_entries SET updated_by = user_id WHERE updated_by IS NULL`)
	return err
}

func downPartnerColumns(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, field := range []string{"UpdatedBy", "PartnerID"} {
		if !m.HasColumn(&sleepEntryPartner{}, field) {
			continue
		}
		if err := m.DropColumn(&sleepEntryPartner{}, field); err != nil {
			return err
		}
	}
	return nil
}
