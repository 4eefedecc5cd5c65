// Package sharemigrate copies the legacy shared_with_user_id column into
// sleep_entry_shares rows. The legacy column is left in place for older
// readers.
package sharemigrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nestsync/pkg/metrics"
	"nestsync/pkg/telemetry"
	"nestsync/services/sleep"
	"nestsync/services/store"
)

const defaultRunTimeout = 2 * time.Minute

// Auditor records completed runs.
type Auditor interface {
	Record(ctx context.Context, actor, action, obj string, details map[string]any) error
}

// Report counts the outcome of one run.
type Report struct {
	OwnerID  string `json:"owner_id" yaml:"owner_id"`
	Scanned  int    `json:"scanned" yaml:"scanned"`
	Inserted int    `json:"inserted" yaml:"inserted"`
	Existing int    `json:"existing" yaml:"existing"`
	Failed   int    `json:"failed" yaml:"failed"`
}

// Summary renders the partial-success message.
func (r Report) Summary() string {
	return fmt.Sprintf("migrated %d of %d", r.Inserted+r.Existing, r.Scanned)
}

// Adapter runs the migration.
type Adapter struct {
	shares   store.ShareStore
	audit    Auditor
	metrics  *metrics.Metrics
	throttle *telemetry.Throttle
	tracer   trace.Tracer
	log      zerolog.Logger
	now      func() time.Time
	timeout  time.Duration

	mu        sync.Mutex
	scheduled map[string]struct{}
	wg        sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithThrottle limits repeated upsert failure lines.
func WithThrottle(t *telemetry.Throttle) Option {
	return func(a *Adapter) { a.throttle = t }
}

// New constructs an Adapter. audit and m may be nil.
func New(shares store.ShareStore, audit Auditor, m *metrics.Metrics, log zerolog.Logger, opts ...Option) (*Adapter, error) {
	if shares == nil {
		return nil, errors.New("share store is required")
	}
	a := &Adapter{
		shares:    shares,
		audit:     audit,
		metrics:   m,
		tracer:    telemetry.Tracer("nestsync/sharemigrate"),
		log:       log.With().Str("component", "sharemigrate").Logger(),
		now:       time.Now,
		timeout:   defaultRunTimeout,
		scheduled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run migrates every legacy-shared session owned by ownerID. It is safe to
// repeat and to run concurrently with other devices: rows are upserted on
// (entry_id, shared_with_id).
func (a *Adapter) Run(ctx context.Context, ownerID string) (Report, error) {
	const op = "migrate shares"
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Report{}, sleep.Errorf(sleep.InvalidArgument, op, "owner id is required")
	}

	ctx, span := a.tracer.Start(ctx, "sharemigrate.Run", trace.WithAttributes(attribute.String("owner_id", ownerID)))
	defer span.End()

	pending, err := a.shares.ListUnmigratedLegacy(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return Report{}, sleep.Wrap(op, err)
	}

	rep := Report{OwnerID: ownerID, Scanned: len(pending)}
	for _, s := range pending {
		recipient := sleep.Deref(s.SharedWithID)
		if recipient == "" {
			continue
		}
		created, err := a.shares.UpsertShare(ctx, sleep.Share{
			SessionID:    s.ID,
			OwnerID:      s.OwnerID,
			SharedWithID: recipient,
			CreatedAt:    a.now().UTC(),
		})
		switch {
		case err != nil:
			rep.Failed++
			kind := sleep.KindOf(err).String()
			a.throttle.Warn(a.log, "upsert:"+kind, err).
				Str("kind", kind).
				Str("session_id", s.ID).
				Msg("share upsert failed")
		case created:
			rep.Inserted++
		default:
			rep.Existing++
		}
	}

	a.metrics.AddSharesMigrated(rep.Inserted)
	span.SetAttributes(attribute.Int("inserted", rep.Inserted), attribute.Int("failed", rep.Failed))
	if rep.Scanned > 0 {
		a.log.Info().
			Str("owner_id", ownerID).
			Int("inserted", rep.Inserted).
			Int("existing", rep.Existing).
			Int("failed", rep.Failed).
			Msg(rep.Summary())
		a.record(ctx, rep)
	}
	return rep, nil
}

// RunAll migrates every owner that still has legacy-shared sessions.
func (a *Adapter) RunAll(ctx context.Context) ([]Report, error) {
	owners, err := a.shares.ListLegacyOwners(ctx)
	if err != nil {
		return nil, sleep.Wrap("list legacy owners", err)
	}

	var (
		reports []Report
		errs    []error
	)
	for _, owner := range owners {
		rep, err := a.Run(ctx, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// Schedule runs the migration for accountID in the background, at most once
// per account for the life of the Adapter. It reports whether a run was
// started.
func (a *Adapter) Schedule(ctx context.Context, accountID string) bool {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false
	}

	a.mu.Lock()
	if _, ok := a.scheduled[accountID]; ok {
		a.mu.Unlock()
		return false
	}
	a.scheduled[accountID] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if _, err := a.Run(runCtx, accountID); err != nil {
			kind := sleep.KindOf(err).String()
			a.throttle.Warn(a.log, "schedule:"+kind, err).
				Str("kind", kind).
				Str("owner_id", accountID).
				Msg("background share migration failed")
		}
	}()
	return true
}

// Wait blocks until scheduled runs finish.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) record(ctx context.Context, rep Report) {
	if a.audit == nil {
		return
	}
	details := map[string]any{
		"scanned":  rep.Scanned,
		"inserted": rep.Inserted,
		"existing": rep.Existing,
		"failed":   rep.Failed,
		"summary":  rep.Summary(),
	}
	if err := a.audit.Record(ctx, rep.OwnerID, "shares_migrated", rep.OwnerID, details); err != nil {
		a.log.Warn().Err(err).Msg("audit record failed")
	}
}
