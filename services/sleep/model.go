// Package sleep defines the sleep-session domain shared by every nestsync component.
package sleep

import (
	"fmt"
	"strings"
	"time"
)

// Quality grades a finished sleep session.
type Quality string

const (
	QualityUnset  Quality = ""
	QualityGood   Quality = "good"
	QualityMedium Quality = "medium"
	QualityBad    Quality = "bad"
)

// ParseQuality normalises user input into a Quality.
func ParseQuality(raw string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(raw))); q {
	case QualityUnset, QualityGood, QualityMedium, QualityBad:
		return q, nil
	case "unset":
		return QualityUnset, nil
	default:
		return QualityUnset, fmt.Errorf("unknown quality %q", raw)
	}
}

// Session is one sleep interval as stored in sleep_entries.
type Session struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"user_id"`
	BabyID          *string    `json:"baby_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationMinutes *int       `json:"duration_minutes"`
	Notes           *string    `json:"notes"`
	Quality         Quality    `json:"quality"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SyncedAt        *time.Time `json:"synced_at"`
	SharedWithID    *string    `json:"shared_with_user_id"`
	PartnerID       *string    `json:"partner_id"`
	UpdatedBy       string     `json:"updated_by"`
}

// InProgress reports whether the session is still being tracked.
func (s Session) InProgress() bool { return s.EndTime == nil }

// SameBaby reports whether the session is scoped to babyID. A nil babyID only
// matches sessions without a baby.
func (s Session) SameBaby(babyID *string) bool {
	if s.BabyID == nil || babyID == nil {
		return s.BabyID == nil && babyID == nil
	}
	return *s.BabyID == *babyID
}

// VisibleTo reports whether accountID reaches the session through the owner,
// partner or legacy share columns. Share-table access is resolved by the store.
func (s Session) VisibleTo(accountID string) bool {
	if accountID == "" {
		return false
	}
	if s.OwnerID == accountID {
		return true
	}
	if s.PartnerID != nil && *s.PartnerID == accountID {
		return true
	}
	return s.SharedWithID != nil && *s.SharedWithID == accountID
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	StartTime       *time.Time
	EndTime         *time.Time
	DurationMinutes *int
	Quality         *Quality
	Notes           *string
	PartnerID       *string
	UpdatedBy       *string
	SyncedAt        *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.StartTime == nil && p.EndTime == nil && p.DurationMinutes == nil &&
		p.Quality == nil && p.Notes == nil && p.PartnerID == nil &&
		p.UpdatedBy == nil && p.SyncedAt == nil
}

// Apply returns a copy of s with the patch applied and UpdatedAt set to now.
func (p Patch) Apply(s Session, now time.Time) Session {
	if p.StartTime != nil {
		s.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		end := *p.EndTime
		s.EndTime = &end
	}
	if p.DurationMinutes != nil {
		d := *p.DurationMinutes
		s.DurationMinutes = &d
	}
	if p.Quality != nil {
		s.Quality = *p.Quality
	}
	if p.Notes != nil {
		n := *p.Notes
		s.Notes = &n
	}
	if p.PartnerID != nil {
		id := *p.PartnerID
		s.PartnerID = &id
	}
	if p.UpdatedBy != nil {
		s.UpdatedBy = *p.UpdatedBy
	}
	if p.SyncedAt != nil {
		at := *p.SyncedAt
		s.SyncedAt = &at
	}
	s.UpdatedAt = now
	return s
}

// LinkStatus is the lifecycle state of an account link.
type LinkStatus string

const (
	LinkPending  LinkStatus = "pending"
	LinkAccepted LinkStatus = "accepted"
	LinkDeclined LinkStatus = "declined"
)

// Link is one row of account_links.
type Link struct {
	ID               string     `json:"id"`
	CreatorID        string     `json:"creator_id"`
	InvitedID        string     `json:"invited_id"`
	RelationshipType string     `json:"relationship_type"`
	Status           LinkStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Role is the position an account holds inside a link.
type Role string

const (
	RoleCreator Role = "creator"
	RoleInvited Role = "invited"
)

// Partner is a linked account as seen from one side of the link.
type Partner struct {
	AccountID        string     `json:"account_id"`
	Role             Role       `json:"role"`
	RelationshipType string     `json:"relationship_type"`
	Status           LinkStatus `json:"status"`
	LinkID           string     `json:"link_id"`
}

// Share is one row of sleep_entry_shares.
type Share struct {
	SessionID    string    `json:"entry_id"`
	OwnerID      string    `json:"owner_id"`
	SharedWithID string    `json:"shared_with_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// StringPtr returns nil for blank strings.
func StringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
