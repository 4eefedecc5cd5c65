package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"nestsync/pkg/metrics"
	"nestsync/services/auth"
	"nestsync/services/links"
	"nestsync/services/realtime"
	"nestsync/services/reconcile"
	"nestsync/services/sessions"
	"nestsync/services/sharemigrate"
	"nestsync/services/sleep"
	"nestsync/services/store/memory"
	"nestsync/services/tracker"
)

var t0 = time.Date(2024, 5, 4, 19, 30, 0, 0, time.UTC)

// loopback is an in-process transport delivering publishes to subscribers.
type loopback struct {
	mu   sync.Mutex
	subs map[string]map[*loopSub]struct{}
}

type loopSub struct {
	l    *loopback
	subj string
	fn   func(context.Context, []byte) error
}

func (s *loopSub) Close() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.subs[s.subj], s)
	return nil
}

func (l *loopback) Publish(ctx context.Context, subj string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	var targets []*loopSub
	for s := range l.subs[subj] {
		targets = append(targets, s)
	}
	l.mu.Unlock()
	for _, s := range targets {
		_ = s.fn(ctx, data)
	}
	return nil
}

func (l *loopback) Subscribe(_ context.Context, subj, _ string, fn func(context.Context, []byte) error) (io.Closer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[string]map[*loopSub]struct{})
	}
	if l.subs[subj] == nil {
		l.subs[subj] = make(map[*loopSub]struct{})
	}
	s := &loopSub{l: l, subj: subj, fn: fn}
	l.subs[subj][s] = struct{}{}
	return s, nil
}

type harness struct {
	store   *memory.Store
	handler http.Handler
	bus     *loopback
}

func newHarness(t *testing.T) harness {
	t.Helper()
	log := zerolog.Nop()
	st := memory.New()
	st.PutLink(sleep.Link{ID: "l1", CreatorID: "alice", InvitedID: "bob", RelationshipType: "partner", Status: sleep.LinkAccepted, CreatedAt: t0})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := &loopback{}
	pub, err := realtime.NewPublisher(bus, log)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	client, err := sessions.New(st, log, sessions.WithNotifier(pub), sessions.WithMetrics(m), sessions.WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("sessions.New: %v", err)
	}
	resolver, _ := links.NewResolver(st, log)
	guard, _ := tracker.NewGuard(client, resolver, m, log)
	rec, _ := reconcile.New(client, resolver, nil, m, log)
	mig, _ := sharemigrate.New(st, nil, m, log)

	a, err := New(Deps{
		Auth:       auth.HeaderProvider{},
		Links:      resolver,
		Sessions:   client,
		Guard:      guard,
		Reconciler: rec,
		Migrator:   mig,
		Events:     bus,
		Metrics:    m,
		Gatherer:   reg,
		Log:        log,
	}, Config{RateLimitPerMinute: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	return harness{store: st, handler: h, bus: bus}
}

func (h harness) do(t *testing.T, method, path, account, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if account != "" {
		req.Header.Set(auth.AccountHeader, account)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec, out
}

func sessionID(t *testing.T, body map[string]any) string {
	t.Helper()
	s, ok := body["session"].(map[string]any)
	if !ok {
		t.Fatalf("response has no session: %v", body)
	}
	return s["id"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec, _ := h.do(t, http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestRequiresAccount(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/v1/sessions", "", "")
	if rec.Code != http.StatusUnauthorized || body["kind"] != "not_authenticated" {
		t.Fatalf("GET /v1/sessions anonymous = %d %v", rec.Code, body)
	}
}

func TestStartStopFlow(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/sessions/start", "alice", `{"baby_id":"B1","start_time":"2024-05-04T19:30:00Z"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d %v", rec.Code, body)
	}
	id := sessionID(t, body)

	rec, body = h.do(t, http.MethodPost, "/v1/sessions/start", "bob", `{"baby_id":"B1"}`)
	if rec.Code != http.StatusConflict || body["kind"] != "partner_already_tracking" {
		t.Fatalf("partner start = %d %v", rec.Code, body)
	}
	if p, ok := body["partner"].(map[string]any); !ok || p["account_id"] != "alice" {
		t.Fatalf("partner context missing: %v", body)
	}

	rec, body = h.do(t, http.MethodPost, "/v1/sessions/"+id+"/stop", "bob", `{"end_time":"2024-05-04T20:15:00Z","quality":"good"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d %v", rec.Code, body)
	}
	s := body["session"].(map[string]any)
	if s["duration_minutes"] != float64(45) || s["quality"] != "good" || s["updated_by"] != "bob" {
		t.Fatalf("stopped session = %v", s)
	}

	rec, body = h.do(t, http.MethodGet, "/v1/sessions?scope=visible&baby_id=B1", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d %v", rec.Code, body)
	}
	if list := body["sessions"].([]any); len(list) != 1 {
		t.Fatalf("bob sees %d sessions, want 1", len(list))
	}

	rec, _ = h.do(t, http.MethodGet, "/v1/sessions?scope=mine", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list mine = %d", rec.Code)
	}

	rec, _ = h.do(t, http.MethodDelete, "/v1/sessions/"+id, "bob", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("delete by partner = %d, want 403", rec.Code)
	}
	rec, _ = h.do(t, http.MethodDelete, "/v1/sessions/"+id, "alice", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete by owner = %d, want 204", rec.Code)
	}
	rec, _ = h.do(t, http.MethodPost, "/v1/sessions/"+id+"/stop", "alice", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stop deleted = %d, want 404", rec.Code)
	}
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"unknown scope", http.MethodGet, "/v1/sessions?scope=everyone", ""},
		{"unknown field", http.MethodPost, "/v1/sessions/start", `{"babyId":"B1"}`},
		{"bad quality", http.MethodPost, "/v1/sessions/x/stop", `{"quality":"great"}`},
		{"edit without body", http.MethodPatch, "/v1/sessions/x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := h.do(t, tt.method, tt.path, "alice", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("%s %s = %d %v, want 400", tt.method, tt.path, rec.Code, body)
			}
		})
	}
}

func TestSyncAndMigrate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := t0.Add(time.Hour)
	legacy := sleep.Session{ID: "old", OwnerID: "alice", StartTime: t0, EndTime: &end, SharedWithID: sleep.StringPtr("bob"), UpdatedBy: "alice"}
	if err := h.store.InsertSession(ctx, legacy); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	rec, body := h.do(t, http.MethodPost, "/v1/migrations/shares", "alice", "")
	if rec.Code != http.StatusOK || body["summary"] != "migrated 1 of 1" {
		t.Fatalf("migrate = %d %v", rec.Code, body)
	}

	rec, body = h.do(t, http.MethodPost, "/v1/sync", "bob", `{"partner_id":"alice"}`)
	if rec.Code != http.StatusOK || body["summary"] != "synced 1 of 1" {
		t.Fatalf("sync = %d %v", rec.Code, body)
	}
	rec, body = h.do(t, http.MethodPost, "/v1/sync", "bob", "")
	if rec.Code != http.StatusOK || body["summary"] != "synced 0 of 0" {
		t.Fatalf("second sync = %d %v", rec.Code, body)
	}

	rec, _ = h.do(t, http.MethodPost, "/v1/sync", "bob", `{"partner_id":"mallory"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("sync with stranger = %d, want 403", rec.Code)
	}

	rec, body = h.do(t, http.MethodGet, "/v1/partners", "bob", "")
	if rec.Code != http.StatusOK || len(body["partners"].([]any)) != 1 {
		t.Fatalf("partners = %d %v", rec.Code, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sleep.E(sleep.InvalidArgument, "op", nil), http.StatusBadRequest},
		{sleep.E(sleep.NotAuthenticated, "op", nil), http.StatusUnauthorized},
		{sleep.E(sleep.Forbidden, "op", nil), http.StatusForbidden},
		{sleep.E(sleep.NotFound, "op", nil), http.StatusNotFound},
		{sleep.E(sleep.AlreadyTracking, "op", nil), http.StatusConflict},
		{sleep.E(sleep.PartnerAlreadyTracking, "op", nil), http.StatusConflict},
		{sleep.E(sleep.TransientNetwork, "op", nil), http.StatusServiceUnavailable},
		{sleep.E(sleep.Backend, "op", nil), http.StatusInternalServerError},
		{reconcile.ErrInProgress, http.StatusConflict},
		{context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	req.Header.Set(auth.AccountHeader, "bob")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /v1/events = %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": subscribed") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	start, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/sessions/start", strings.NewReader(`{"baby_id":"B1"}`))
	start.Header.Set(auth.AccountHeader, "alice")
	startResp, err := srv.Client().Do(start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	startResp.Body.Close()
	if startResp.StatusCode != http.StatusCreated {
		t.Fatalf("start = %d", startResp.StatusCode)
	}

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(line)
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	if eventLine != "event: insert" {
		t.Fatalf("event line = %q", eventLine)
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev["origin"] != "partner" {
		t.Fatalf("origin = %v, want partner", ev["origin"])
	}
}
