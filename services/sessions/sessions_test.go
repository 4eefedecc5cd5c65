package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"nestsync/pkg/metrics"
	"nestsync/services/sleep"
	"nestsync/services/store"
	"nestsync/services/store/memory"
)

var t0 = time.Date(2025, 2, 10, 21, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []sleep.Change
}

func (r *recorder) Publish(_ context.Context, c sleep.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

// sharelessStore fails the share-table shape the way a database without
// sleep_entry_shares does.
type sharelessStore struct {
	*memory.Store
}

func (sharelessStore) ListSharedSessions(context.Context, string) ([]sleep.Session, error) {
	return nil, errors.New(`relation "sleep_entry_shares" does not exist`)
}

func newClient(t *testing.T, st Store, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	c, err := New(st, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func ids(list []sleep.Session) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.ID)
	}
	return out
}

func TestCreateWritesPartnerAndShare(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	rec := &recorder{}
	c := newClient(t, st, WithNotifier(rec))

	created, err := c.Create(ctx, sleep.Session{
		OwnerID:   "alice",
		StartTime: t0,
		PartnerID: sleep.StringPtr("bob"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.UpdatedBy != "alice" || !created.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected defaults %+v", created)
	}
	if created.SharedWithID != nil {
		t.Fatalf("legacy column written: %v", *created.SharedWithID)
	}

	recipients, err := st.ListShareRecipients(ctx, created.ID)
	if err != nil || len(recipients) != 1 || recipients[0] != "bob" {
		t.Fatalf("share recipients = %v, %v", recipients, err)
	}
	if len(rec.changes) != 1 || rec.changes[0].Type != sleep.ChangeInsert || rec.changes[0].New.ID != created.ID {
		t.Fatalf("changes = %+v", rec.changes)
	}
}

func TestCreateValidates(t *testing.T) {
	c := newClient(t, memory.New())
	end := t0.Add(-time.Minute)
	tests := []struct {
		name    string
		session sleep.Session
	}{
		{"missing owner", sleep.Session{StartTime: t0}},
		{"missing start", sleep.Session{OwnerID: "alice"}},
		{"end before start", sleep.Session{OwnerID: "alice", StartTime: t0, EndTime: &end}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Create(context.Background(), tt.session); !sleep.Is(err, sleep.InvalidArgument) {
				t.Fatalf("Create = %v, want invalid_argument", err)
			}
		})
	}
}

func TestUpdateAndDeletePublish(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := newClient(t, memory.New(), WithNotifier(rec))

	created, err := c.Create(ctx, sleep.Session{OwnerID: "alice", StartTime: t0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	notes := "woke once"
	updated, err := c.Update(ctx, created.ID, sleep.Patch{Notes: &notes})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if sleep.Deref(updated.Notes) != notes {
		t.Fatalf("notes = %q", sleep.Deref(updated.Notes))
	}
	if _, err := c.DeleteAs(ctx, created.ID, "bob"); err != nil {
		t.Fatalf("DeleteAs: %v", err)
	}

	if len(rec.changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(rec.changes))
	}
	upd := rec.changes[1]
	if upd.Type != sleep.ChangeUpdate || upd.Old == nil || upd.Old.Notes != nil || upd.New == nil {
		t.Fatalf("update change = %+v", upd)
	}
	del := rec.changes[2]
	if del.Type != sleep.ChangeDelete || del.New != nil || del.ModifiedBy() != "bob" {
		t.Fatalf("delete change = %+v", del)
	}

	if _, err := c.Get(ctx, created.ID); !sleep.Is(err, sleep.NotFound) {
		t.Fatalf("Get after delete = %v, want not_found", err)
	}
	if _, err := c.Update(ctx, created.ID, sleep.Patch{Notes: &notes}); !sleep.Is(err, sleep.NotFound) {
		t.Fatalf("Update after delete = %v, want not_found", err)
	}
}

func seedVisibility(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	rows := []sleep.Session{
		{ID: "owned", OwnerID: "alice", StartTime: t0},
		{ID: "partnered", OwnerID: "bob", StartTime: t0.Add(time.Hour), PartnerID: sleep.StringPtr("alice")},
		{ID: "legacy", OwnerID: "bob", StartTime: t0.Add(2 * time.Hour), SharedWithID: sleep.StringPtr("alice")},
		{ID: "shared", OwnerID: "carol", StartTime: t0.Add(3 * time.Hour)},
		{ID: "other", OwnerID: "carol", StartTime: t0.Add(4 * time.Hour)},
		// reachable through partner_id, the legacy column and a share row
		{ID: "triple", OwnerID: "bob", StartTime: t0.Add(5 * time.Hour), PartnerID: sleep.StringPtr("alice"), SharedWithID: sleep.StringPtr("alice")},
	}
	for _, s := range rows {
		if err := st.InsertSession(ctx, s); err != nil {
			t.Fatalf("InsertSession(%s): %v", s.ID, err)
		}
	}
	for _, id := range []string{"shared", "triple"} {
		if _, err := st.UpsertShare(ctx, sleep.Share{SessionID: id, OwnerID: "x", SharedWithID: "alice"}); err != nil {
			t.Fatalf("UpsertShare: %v", err)
		}
	}
}

func TestListVisibleUnionsAndDedups(t *testing.T) {
	st := memory.New()
	seedVisibility(t, st)
	c := newClient(t, st)

	got, err := c.ListVisible(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	want := []string{"triple", "shared", "legacy", "partnered", "owned"}
	if g := ids(got); len(g) != len(want) {
		t.Fatalf("ListVisible = %v, want %v", g, want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("ListVisible = %v, want %v", ids(got), want)
		}
	}
}

func TestListVisibleToleratesFailingShape(t *testing.T) {
	st := memory.New()
	seedVisibility(t, st)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newClient(t, sharelessStore{st}, WithMetrics(m))

	got, err := c.ListVisible(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	want := []string{"triple", "legacy", "partnered", "owned"}
	if g := ids(got); len(g) != len(want) {
		t.Fatalf("ListVisible = %v, want %v", g, want)
	}
	if v := testutil.ToFloat64(m.VisibilityFailures.WithLabelValues(ShapeShares)); v != 1 {
		t.Fatalf("visibility failures = %v, want 1", v)
	}
}

func TestListVisibleFailsWhenEveryShapeFails(t *testing.T) {
	broken := Visibility{Name: "broken", Query: func(context.Context, store.SessionStore, string) ([]sleep.Session, error) {
		return nil, errors.New("boom")
	}}
	c := newClient(t, memory.New(), WithVisibility(broken, broken))

	if _, err := c.ListVisible(context.Background(), "alice"); !sleep.Is(err, sleep.Backend) {
		t.Fatalf("ListVisible = %v, want backend error", err)
	}
	if _, err := c.ListVisible(context.Background(), ""); !sleep.Is(err, sleep.NotAuthenticated) {
		t.Fatalf("ListVisible(blank) = %v, want not_authenticated", err)
	}
}

func TestFindInProgress(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, memory.New())
	baby := "b1"

	end := t0.Add(time.Hour)
	if _, err := c.Create(ctx, sleep.Session{OwnerID: "alice", BabyID: &baby, StartTime: t0, EndTime: &end}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := c.FindInProgress(ctx, "alice", &baby)
	if err != nil || got != nil {
		t.Fatalf("FindInProgress with only finished sessions = %+v, %v", got, err)
	}

	open, err := c.Create(ctx, sleep.Session{OwnerID: "alice", BabyID: &baby, StartTime: t0.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err = c.FindInProgress(ctx, "alice", &baby)
	if err != nil || got == nil || got.ID != open.ID {
		t.Fatalf("FindInProgress = %+v, %v", got, err)
	}

	got, err = c.FindInProgress(ctx, "alice", nil)
	if err != nil || got != nil {
		t.Fatalf("FindInProgress without baby = %+v, %v; want nil", got, err)
	}
}

func TestCanAccess(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedVisibility(t, st)
	c := newClient(t, st)

	tests := []struct {
		id      string
		account string
		want    bool
	}{
		{"owned", "alice", true},
		{"partnered", "alice", true},
		{"legacy", "alice", true},
		{"shared", "alice", true},
		{"other", "alice", false},
		{"owned", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.account, func(t *testing.T) {
			s, err := st.GetSession(ctx, tt.id)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			got, err := c.CanAccess(ctx, s, tt.account)
			if err != nil || got != tt.want {
				t.Fatalf("CanAccess = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}
