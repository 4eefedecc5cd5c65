package sessions

import (
	"context"

	"nestsync/services/sleep"
	"nestsync/services/store"
)

// Visibility is one query shape through which an account reaches sessions.
type Visibility struct {
	Name  string
	Query func(ctx context.Context, st store.SessionStore, accountID string) ([]sleep.Session, error)
}

// Visibility shape names, also used as metric labels.
const (
	ShapeOwned   = "owned"
	ShapePartner = "partner"
	ShapeLegacy  = "legacy"
	ShapeShares  = "shares"
)

// DefaultVisibility returns the shapes covering every sharing scheme in use:
// ownership, partner_id, the legacy shared_with_user_id column and the
// sleep_entry_shares table.
func DefaultVisibility() []Visibility {
	return []Visibility{
		{Name: ShapeOwned, Query: func(ctx context.Context, st store.SessionStore, accountID string) ([]sleep.Session, error) {
			return st.ListSessions(ctx, store.SessionFilter{OwnerID: accountID})
		}},
		{Name: ShapePartner, Query: func(ctx context.Context, st store.SessionStore, accountID string) ([]sleep.Session, error) {
			return st.ListSessions(ctx, store.SessionFilter{PartnerID: accountID})
		}},
		{Name: ShapeLegacy, Query: func(ctx context.Context, st store.SessionStore, accountID string) ([]sleep.Session, error) {
			return st.ListSessions(ctx, store.SessionFilter{SharedWithID: accountID})
		}},
		{Name: ShapeShares, Query: func(ctx context.Context, st store.SessionStore, accountID string) ([]sleep.Session, error) {
			return st.ListSharedSessions(ctx, accountID)
		}},
	}
}
