package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"nestsync/pkg/metrics"
	"nestsync/services/links"
	"nestsync/services/sessions"
	"nestsync/services/sleep"
	"nestsync/services/store/memory"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	client  *sessions.Client
	guard   *Guard
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, linked bool) fixture {
	t.Helper()
	st := memory.New()
	if linked {
		st.PutLink(sleep.Link{ID: "l1", CreatorID: "alice", InvitedID: "bob", RelationshipType: "partner", Status: sleep.LinkAccepted, CreatedAt: t0})
	}
	client, err := sessions.New(st, zerolog.Nop(), sessions.WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("sessions.New: %v", err)
	}
	resolver, err := links.NewResolver(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("links.NewResolver: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	guard, err := NewGuard(client, resolver, m, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return fixture{store: st, client: client, guard: guard, metrics: m}
}

type brokenResolver struct{}

func (brokenResolver) Partner(context.Context, string) (*sleep.Partner, error) {
	return nil, sleep.E(sleep.TransientNetwork, "resolve partners", errors.New("connection reset"))
}

func (brokenResolver) IsPartner(context.Context, string, string) (bool, error) {
	return false, sleep.E(sleep.TransientNetwork, "resolve partners", errors.New("connection reset"))
}

func TestStartStopScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	baby := "B1"

	started, err := f.guard.Start(ctx, StartRequest{CallerID: "alice", BabyID: &baby, StartTime: t0})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started.InProgress() || started.PartnerID != nil || started.UpdatedBy != "alice" {
		t.Fatalf("unexpected started session %+v", started)
	}

	stopped, err := f.guard.Stop(ctx, StopRequest{
		CallerID:  "alice",
		SessionID: started.ID,
		EndTime:   t0.Add(45 * time.Minute),
		Quality:   sleep.QualityGood,
	})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.DurationMinutes == nil || *stopped.DurationMinutes != 45 {
		t.Fatalf("duration = %v, want 45", stopped.DurationMinutes)
	}
	if stopped.Quality != sleep.QualityGood {
		t.Fatalf("quality = %q, want good", stopped.Quality)
	}

	all, err := f.client.ListForAccount(ctx, "alice", &baby)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListForAccount = %d sessions, %v; want 1", len(all), err)
	}
	if got := testutil.ToFloat64(f.metrics.SessionsStopped); got != 1 {
		t.Fatalf("sessions_stopped_total = %v, want 1", got)
	}
}

func TestStartRejections(t *testing.T) {
	ctx := context.Background()
	baby := "B1"
	other := "B2"

	tests := []struct {
		name    string
		linked  bool
		first   StartRequest
		second  StartRequest
		want    sleep.Kind
		partner string
	}{
		{
			name:   "same account same baby",
			first:  StartRequest{CallerID: "alice", BabyID: &baby},
			second: StartRequest{CallerID: "alice", BabyID: &baby},
			want:   sleep.AlreadyTracking,
		},
		{
			name:    "linked partner same baby",
			linked:  true,
			first:   StartRequest{CallerID: "alice", BabyID: &baby},
			second:  StartRequest{CallerID: "bob", BabyID: &baby},
			want:    sleep.PartnerAlreadyTracking,
			partner: "alice",
		},
		{
			name:   "on behalf of partner who is tracking",
			linked: true,
			first:  StartRequest{CallerID: "alice", BabyID: &baby},
			second: StartRequest{CallerID: "bob", OwnerID: "alice", BabyID: &baby},
			want:   sleep.AlreadyTracking,
		},
		{
			name:   "on behalf of an unlinked account",
			first:  StartRequest{CallerID: "carol", BabyID: &baby},
			second: StartRequest{CallerID: "bob", OwnerID: "alice", BabyID: &baby},
			want:   sleep.Forbidden,
		},
		{
			name:   "linked partner other baby",
			linked: true,
			first:  StartRequest{CallerID: "alice", BabyID: &baby},
			second: StartRequest{CallerID: "bob", BabyID: &other},
		},
		{
			name:   "unlinked accounts",
			first:  StartRequest{CallerID: "alice", BabyID: &baby},
			second: StartRequest{CallerID: "bob", BabyID: &baby},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.linked)
			if _, err := f.guard.Start(ctx, tt.first); err != nil {
				t.Fatalf("first Start: %v", err)
			}
			_, err := f.guard.Start(ctx, tt.second)
			if tt.want == sleep.KindUnknown {
				if err != nil {
					t.Fatalf("second Start: %v", err)
				}
				return
			}
			if !sleep.Is(err, tt.want) {
				t.Fatalf("second Start = %v, want %v", err, tt.want)
			}
			if tt.partner != "" {
				var e *sleep.Error
				if !errors.As(err, &e) || e.Partner == nil || e.Partner.AccountID != tt.partner {
					t.Fatalf("error does not carry partner %s: %+v", tt.partner, err)
				}
			}
		})
	}
}

func TestStartOnBehalfOfPartner(t *testing.T) {
	f := newFixture(t, true)
	s, err := f.guard.Start(context.Background(), StartRequest{CallerID: "bob", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.OwnerID != "alice" || sleep.Deref(s.PartnerID) != "bob" || s.UpdatedBy != "bob" {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestStartPropagatesResolverFailure(t *testing.T) {
	f := newFixture(t, false)
	guard, err := NewGuard(f.client, brokenResolver{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if _, err := guard.Start(context.Background(), StartRequest{CallerID: "alice"}); !sleep.Is(err, sleep.TransientNetwork) {
		t.Fatalf("Start = %v, want transient_network", err)
	}
}

func TestStopAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	started, err := f.guard.Start(ctx, StartRequest{CallerID: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "mallory", SessionID: started.ID}); !sleep.Is(err, sleep.Forbidden) {
		t.Fatalf("Stop by stranger = %v, want forbidden", err)
	}
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "alice", SessionID: "missing"}); !sleep.Is(err, sleep.NotFound) {
		t.Fatalf("Stop missing = %v, want not_found", err)
	}
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "", SessionID: started.ID}); !sleep.Is(err, sleep.NotAuthenticated) {
		t.Fatalf("Stop anonymous = %v, want not_authenticated", err)
	}
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "bob", SessionID: started.ID, EndTime: t0.Add(-time.Minute)}); !sleep.Is(err, sleep.InvalidArgument) {
		t.Fatalf("Stop before start = %v, want invalid_argument", err)
	}

	stopped, err := f.guard.Stop(ctx, StopRequest{CallerID: "bob", SessionID: started.ID, EndTime: t0.Add(90 * time.Second)})
	if err != nil {
		t.Fatalf("Stop by partner: %v", err)
	}
	if stopped.UpdatedBy != "bob" || *stopped.DurationMinutes != 2 {
		t.Fatalf("unexpected stopped session %+v", stopped)
	}
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "alice", SessionID: started.ID}); !sleep.Is(err, sleep.InvalidArgument) {
		t.Fatalf("second Stop = %v, want invalid_argument", err)
	}
}

func TestPartnerReleasesSessionStartedBeforeLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	started, err := f.guard.Start(ctx, StartRequest{CallerID: "alice", StartTime: t0})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.PartnerID != nil {
		t.Fatalf("unlinked session has partner_id %q", *started.PartnerID)
	}
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "bob", SessionID: started.ID}); !sleep.Is(err, sleep.Forbidden) {
		t.Fatalf("Stop before link = %v, want forbidden", err)
	}

	f.store.PutLink(sleep.Link{ID: "l1", CreatorID: "alice", InvitedID: "bob", RelationshipType: "partner", Status: sleep.LinkAccepted, CreatedAt: t0})

	if _, err := f.guard.Start(ctx, StartRequest{CallerID: "bob"}); !sleep.Is(err, sleep.PartnerAlreadyTracking) {
		t.Fatalf("bob Start = %v, want partner_already_tracking", err)
	}
	stopped, err := f.guard.Stop(ctx, StopRequest{CallerID: "bob", SessionID: started.ID, EndTime: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Stop by partner after link: %v", err)
	}
	if stopped.UpdatedBy != "bob" || *stopped.DurationMinutes != 60 {
		t.Fatalf("unexpected stopped session %+v", stopped)
	}

	later := t0.Add(90 * time.Minute)
	if _, err := f.guard.Edit(ctx, EditRequest{CallerID: "bob", SessionID: started.ID, EndTime: &later}); err != nil {
		t.Fatalf("Edit by partner after link: %v", err)
	}
	if _, err := f.guard.Edit(ctx, EditRequest{CallerID: "mallory", SessionID: started.ID, EndTime: &later}); !sleep.Is(err, sleep.Forbidden) {
		t.Fatalf("Edit by stranger = %v, want forbidden", err)
	}
	if _, err := f.guard.Start(ctx, StartRequest{CallerID: "bob"}); err != nil {
		t.Fatalf("bob Start after release: %v", err)
	}
}

func TestStopAccessResolverFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	started, err := f.guard.Start(ctx, StartRequest{CallerID: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	guard, err := NewGuard(f.client, brokenResolver{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if _, err := guard.Stop(ctx, StopRequest{CallerID: "bob", SessionID: started.ID}); !sleep.Is(err, sleep.TransientNetwork) {
		t.Fatalf("Stop = %v, want transient_network", err)
	}
}

func TestStopByLegacyRecipient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	legacy := sleep.Session{ID: "legacy", OwnerID: "alice", StartTime: t0, SharedWithID: sleep.StringPtr("grandma"), UpdatedBy: "alice"}
	if err := f.store.InsertSession(ctx, legacy); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "grandma", SessionID: "legacy", EndTime: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("Stop by legacy recipient: %v", err)
	}
}

func TestEditRecomputesDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	started, _ := f.guard.Start(ctx, StartRequest{CallerID: "alice", StartTime: t0})
	if _, err := f.guard.Stop(ctx, StopRequest{CallerID: "alice", SessionID: started.ID, EndTime: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	earlier := t0.Add(-30 * time.Minute)
	edited, err := f.guard.Edit(ctx, EditRequest{CallerID: "bob", SessionID: started.ID, StartTime: &earlier})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if *edited.DurationMinutes != 90 || edited.UpdatedBy != "bob" {
		t.Fatalf("unexpected edit result %+v", edited)
	}

	late := t0.Add(-time.Hour)
	if _, err := f.guard.Edit(ctx, EditRequest{CallerID: "alice", SessionID: started.ID, EndTime: &late}); !sleep.Is(err, sleep.InvalidArgument) {
		t.Fatalf("Edit end before start = %v, want invalid_argument", err)
	}
}

func TestDeleteOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	started, _ := f.guard.Start(ctx, StartRequest{CallerID: "alice"})

	if err := f.guard.Delete(ctx, "bob", started.ID); !sleep.Is(err, sleep.Forbidden) {
		t.Fatalf("Delete by partner = %v, want forbidden", err)
	}
	if err := f.guard.Delete(ctx, "alice", started.ID); err != nil {
		t.Fatalf("Delete by owner: %v", err)
	}
	if err := f.guard.Delete(ctx, "alice", started.ID); !sleep.Is(err, sleep.NotFound) {
		t.Fatalf("second Delete = %v, want not_found", err)
	}
}
