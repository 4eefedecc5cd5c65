package sleep

import "time"

// ChangeType names the kind of row change carried by a Change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one sleep_entries row change. It is also the realtime wire format.
type Change struct {
	Type ChangeType `json:"type"`
	New  *Session   `json:"new,omitempty"`
	Old  *Session   `json:"old,omitempty"`
	At   time.Time  `json:"at"`
}

// Row returns the row the change describes: New, or Old for deletes.
func (c Change) Row() *Session {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// Accounts returns every distinct account the changed row is visible to
// through its owner, partner and legacy columns, old and new.
func (c Change) Accounts() []string {
	var out []string
	seen := make(map[string]struct{}, 4)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, s := range []*Session{c.New, c.Old} {
		if s == nil {
			continue
		}
		add(s.OwnerID)
		add(Deref(s.PartnerID))
		add(Deref(s.SharedWithID))
	}
	return out
}

// ModifiedBy returns the updated_by of the changed row.
func (c Change) ModifiedBy() string {
	if row := c.Row(); row != nil {
		return row.UpdatedBy
	}
	return ""
}
