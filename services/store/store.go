// Package store defines the persistence contracts the sync core reads and
// writes through. Implementations live in the postgres and memory packages.
package store

import (
	"context"
	"time"

	"nestsync/services/sleep"
)

// SessionFilter narrows ListSessions. Empty string fields are ignored; at
// least one of OwnerID, PartnerID or SharedWithID must be set.
type SessionFilter struct {
	OwnerID      string
	PartnerID    string
	SharedWithID string
	// FilterBaby enables BabyID matching; a nil BabyID then means "no baby".
	FilterBaby bool
	BabyID     *string
	InProgress bool
	Limit      int
}

// SessionStore persists sleep_entries rows.
type SessionStore interface {
	InsertSession(ctx context.Context, s sleep.Session) error
	UpdateSession(ctx context.Context, id string, patch sleep.Patch, updatedAt time.Time) (sleep.Session, error)
	DeleteSession(ctx context.Context, id string) (sleep.Session, error)
	GetSession(ctx context.Context, id string) (sleep.Session, error)
	// ListSessions returns matching rows ordered by start_time descending.
	ListSessions(ctx context.Context, f SessionFilter) ([]sleep.Session, error)
	// ListSharedSessions joins sleep_entry_shares for accountID.
	ListSharedSessions(ctx context.Context, accountID string) ([]sleep.Session, error)
}

// ShareStore persists sleep_entry_shares rows.
type ShareStore interface {
	// UpsertShare inserts the row unless (entry_id, shared_with_id) exists and
	// reports whether a row was created.
	UpsertShare(ctx context.Context, share sleep.Share) (bool, error)
	ListShareRecipients(ctx context.Context, sessionID string) ([]string, error)
	// ListUnmigratedLegacy returns sessions with shared_with_user_id set and no
	// matching share row. An empty ownerID scans every owner.
	ListUnmigratedLegacy(ctx context.Context, ownerID string) ([]sleep.Session, error)
	// ListLegacyOwners returns every owner with legacy-shared sessions.
	ListLegacyOwners(ctx context.Context) ([]string, error)
}

// LinkStore reads account_links rows.
type LinkStore interface {
	// ListLinks returns links where accountID is creator or invited, ordered by
	// created_at then id.
	ListLinks(ctx context.Context, accountID string) ([]sleep.Link, error)
}

// Backend bundles the stores a deployment provides.
type Backend interface {
	SessionStore
	ShareStore
	LinkStore
	Close() error
}
