// Package reconcile makes two linked accounts hold the same set of finished
// sleep sessions by copying whatever each side is missing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"nestsync/pkg/metrics"
	"nestsync/pkg/telemetry"
	"nestsync/services/sessions"
	"nestsync/services/sleep"
)

// ErrInProgress is returned when a pass for one of the accounts is already
// running in this process.
var ErrInProgress = errors.New("sync already in progress")

// PartnerLister resolves every accepted partner of an account.
type PartnerLister interface {
	Partners(ctx context.Context, accountID string) ([]sleep.Partner, error)
}

// Auditor records completed passes.
type Auditor interface {
	Record(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// Side is the outcome for one account.
type Side struct {
	AccountID string `json:"account_id" yaml:"account_id"`
	Missing   int    `json:"missing" yaml:"missing"`
	Inserted  int    `json:"inserted" yaml:"inserted"`
	Failed    int    `json:"failed" yaml:"failed"`
}

// Result is the outcome of one pass between two accounts.
type Result struct {
	A         Side `json:"a" yaml:"a"`
	B         Side `json:"b" yaml:"b"`
	Canonical int  `json:"canonical" yaml:"canonical"`
}

// Inserted is the total number of copies written.
func (r Result) Inserted() int { return r.A.Inserted + r.B.Inserted }

// Summary renders the partial-success message, e.g. "synced 7 of 9".
func (r Result) Summary() string {
	return fmt.Sprintf("synced %d of %d", r.Inserted(), r.A.Missing+r.B.Missing)
}

// Summarize renders one summary line for several passes.
func Summarize(results []Result) string {
	inserted, missing := 0, 0
	for _, r := range results {
		inserted += r.Inserted()
		missing += r.A.Missing + r.B.Missing
	}
	return fmt.Sprintf("synced %d of %d", inserted, missing)
}

func (r Result) String() string {
	return fmt.Sprintf("%s: +%d, %s: +%d", r.A.AccountID, r.A.Inserted, r.B.AccountID, r.B.Inserted)
}

// Reconciler runs sync passes.
type Reconciler struct {
	sessions *sessions.Client
	partners PartnerLister
	audit    Auditor
	metrics  *metrics.Metrics
	throttle *telemetry.Throttle
	tracer   trace.Tracer
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithThrottle limits repeated copy failure lines.
func WithThrottle(t *telemetry.Throttle) Option {
	return func(r *Reconciler) { r.throttle = t }
}

// New constructs a Reconciler. audit and m may be nil.
func New(client *sessions.Client, partners PartnerLister, audit Auditor, m *metrics.Metrics, log zerolog.Logger, opts ...Option) (*Reconciler, error) {
	if client == nil {
		return nil, errors.New("session client is required")
	}
	if partners == nil {
		return nil, errors.New("partner lister is required")
	}
	r := &Reconciler{
		sessions: client,
		partners: partners,
		audit:    audit,
		metrics:  m,
		tracer:   telemetry.Tracer("nestsync/reconcile"),
		log:      log.With().Str("component", "reconcile").Logger(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Sync copies every finished session one account owns and the other lacks
// into the other account. Running it twice without intervening writes
// inserts nothing the second time.
func (r *Reconciler) Sync(ctx context.Context, a, b string) (Result, error) {
	const op = "sync sessions"
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return Result{}, sleep.Errorf(sleep.InvalidArgument, op, "both accounts are required")
	}
	if a == b {
		return Result{}, sleep.Errorf(sleep.InvalidArgument, op, "cannot sync %s with itself", a)
	}
	if !r.acquire(a, b) {
		return Result{}, ErrInProgress
	}
	defer r.release(a, b)

	ctx, span := r.tracer.Start(ctx, "reconcile.Sync", trace.WithAttributes(
		attribute.String("account_a", a),
		attribute.String("account_b", b),
	))
	defer span.End()

	var listA, listB []sleep.Session
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		listA, err = r.sessions.ListForAccount(gctx, a, nil)
		return err
	})
	g.Go(func() (err error) {
		listB, err = r.sessions.ListForAccount(gctx, b, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Result{}, sleep.Wrap(op, err)
	}

	idxA, idxB := index(listA), index(listB)
	res := Result{A: Side{AccountID: a}, B: Side{AccountID: b}}
	res.Canonical = len(idxA)
	for k := range idxB {
		if _, ok := idxA[k]; !ok {
			res.Canonical++
		}
	}

	res.A = r.fill(ctx, res.A, b, idxA, idxB)
	res.B = r.fill(ctx, res.B, a, idxB, idxA)

	r.metrics.AddReconcile("inserted", res.Inserted())
	r.metrics.AddReconcile("failed", res.A.Failed+res.B.Failed)
	span.SetAttributes(attribute.Int("inserted", res.Inserted()))

	r.log.Info().
		Str("account_a", a).
		Str("account_b", b).
		Int("inserted_a", res.A.Inserted).
		Int("inserted_b", res.B.Inserted).
		Int("failed", res.A.Failed+res.B.Failed).
		Msg(res.Summary())
	r.record(ctx, a, res)
	return res, nil
}

// SyncPartners syncs accountID with every accepted partner. A failed pair is
// reported in the returned error while the remaining pairs still run.
func (r *Reconciler) SyncPartners(ctx context.Context, accountID string) ([]Result, error) {
	partners, err := r.partners.Partners(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var (
		results []Result
		errs    []error
	)
	for _, p := range partners {
		res, err := r.Sync(ctx, accountID, p.AccountID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync with %s: %w", p.AccountID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// fill inserts into side every session from theirs it lacks. other becomes
// the partner of each copy.
func (r *Reconciler) fill(ctx context.Context, side Side, other string, mine, theirs map[Key]sleep.Session) Side {
	missing := make([]Key, 0)
	for k := range theirs {
		if _, ok := mine[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Start != missing[j].Start {
			return missing[i].Start < missing[j].Start
		}
		return missing[i].End < missing[j].End
	})
	side.Missing = len(missing)

	now := r.sessions.Now()
	for _, k := range missing {
		src := theirs[k]
		end := *src.EndTime
		minutes := k.DurationMinutes
		quality := src.Quality
		cp := sleep.Session{
			OwnerID:         side.AccountID,
			BabyID:          src.BabyID,
			StartTime:       src.StartTime,
			EndTime:         &end,
			DurationMinutes: &minutes,
			Notes:           src.Notes,
			Quality:         quality,
			PartnerID:       sleep.StringPtr(other),
			UpdatedBy:       side.AccountID,
			CreatedAt:       now,
			UpdatedAt:       now,
			SyncedAt:        &now,
		}
		if _, err := r.sessions.Create(ctx, cp); err != nil {
			side.Failed++
			kind := sleep.KindOf(err).String()
			r.throttle.Warn(r.log, "copy:"+kind, err).
				Str("kind", kind).
				Str("account_id", side.AccountID).
				Str("source_id", src.ID).
				Str("key", k.String()).
				Msg("copy failed")
			continue
		}
		side.Inserted++
	}
	return side
}

func (r *Reconciler) record(ctx context.Context, actor string, res Result) {
	if r.audit == nil {
		return
	}
	details := map[string]any{
		"account_a":  res.A.AccountID,
		"account_b":  res.B.AccountID,
		"inserted_a": res.A.Inserted,
		"inserted_b": res.B.Inserted,
		"failed":     res.A.Failed + res.B.Failed,
		"canonical":  res.Canonical,
		"summary":    res.Summary(),
	}
	if err := r.audit.Record(ctx, actor, "sessions_synced", res.B.AccountID, details); err != nil {
		r.log.Warn().Err(err).Msg("audit record failed")
	}
}

func (r *Reconciler) acquire(ids ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, busy := r.inflight[id]; busy {
			return false
		}
	}
	for _, id := range ids {
		r.inflight[id] = struct{}{}
	}
	return true
}

func (r *Reconciler) release(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.inflight, id)
	}
}
