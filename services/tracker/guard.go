// Package tracker enforces the single in-progress slot shared by a linked
// pair and drives the start/stop lifecycle of a sleep session.
//
// The start checks and the insert are separate store calls. Two partners
// starting within the same window can both pass the checks; the second
// in-progress session then surfaces in the shared timeline and is resolved by
// stopping or deleting one of them.
package tracker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nestsync/pkg/metrics"
	"nestsync/pkg/telemetry"
	"nestsync/services/sleep"
	"nestsync/services/sessions"
)

// PartnerResolver returns the linked partner of an account or nil.
type PartnerResolver interface {
	Partner(ctx context.Context, accountID string) (*sleep.Partner, error)
	IsPartner(ctx context.Context, accountID, other string) (bool, error)
}

// StartRequest starts tracking. OwnerID defaults to CallerID; a different
// owner must be the caller's partner.
type StartRequest struct {
	CallerID  string
	OwnerID   string
	BabyID    *string
	StartTime time.Time
	Notes     *string
}

// StopRequest ends an in-progress session. A zero EndTime means now.
type StopRequest struct {
	CallerID  string
	SessionID string
	EndTime   time.Time
	Quality   sleep.Quality
	Notes     *string
}

// EditRequest corrects a session. Nil fields are left untouched.
type EditRequest struct {
	CallerID  string
	SessionID string
	StartTime *time.Time
	EndTime   *time.Time
	Quality   *sleep.Quality
	Notes     *string
}

// Guard wraps the session client with the tracking rules.
type Guard struct {
	sessions *sessions.Client
	partners PartnerResolver
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	log      zerolog.Logger
}

// NewGuard constructs a Guard. m may be nil.
func NewGuard(client *sessions.Client, partners PartnerResolver, m *metrics.Metrics, log zerolog.Logger) (*Guard, error) {
	if client == nil {
		return nil, errors.New("session client is required")
	}
	if partners == nil {
		return nil, errors.New("partner resolver is required")
	}
	return &Guard{
		sessions: client,
		partners: partners,
		metrics:  m,
		tracer:   telemetry.Tracer("nestsync/tracker"),
		log:      log.With().Str("component", "tracker").Logger(),
	}, nil
}

// Start creates an in-progress session unless the owner or the linked
// partner already holds one for the same baby.
func (g *Guard) Start(ctx context.Context, req StartRequest) (sleep.Session, error) {
	const op = "start session"
	ctx, span := g.tracer.Start(ctx, "tracker.Start")
	defer span.End()

	caller := strings.TrimSpace(req.CallerID)
	if caller == "" {
		return sleep.Session{}, g.fail(span, sleep.Errorf(sleep.NotAuthenticated, op, "caller is required"))
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = caller
	}
	span.SetAttributes(attribute.String("caller_id", caller), attribute.String("owner_id", owner))

	partner, err := g.partners.Partner(ctx, caller)
	if err != nil {
		return sleep.Session{}, g.fail(span, sleep.Wrap(op, err))
	}

	// counterpart is the other half of the pair sharing the slot with owner.
	counterpart := ""
	if owner == caller {
		if partner != nil {
			counterpart = partner.AccountID
		}
	} else {
		if partner == nil || partner.AccountID != owner {
			return sleep.Session{}, g.fail(span, sleep.Errorf(sleep.Forbidden, op, "%s is not linked to %s", owner, caller))
		}
		counterpart = caller
	}

	existing, err := g.sessions.FindInProgress(ctx, owner, req.BabyID)
	if err != nil {
		return sleep.Session{}, g.fail(span, err)
	}
	if existing != nil {
		g.metrics.IncGuardRejection(sleep.AlreadyTracking.String())
		return sleep.Session{}, g.fail(span, sleep.Errorf(sleep.AlreadyTracking, op, "session %s is already in progress", existing.ID))
	}

	if counterpart != "" {
		theirs, err := g.sessions.FindInProgress(ctx, counterpart, req.BabyID)
		if err != nil {
			return sleep.Session{}, g.fail(span, err)
		}
		if theirs != nil {
			g.metrics.IncGuardRejection(sleep.PartnerAlreadyTracking.String())
			e := sleep.Errorf(sleep.PartnerAlreadyTracking, op, "partner session %s is already in progress", theirs.ID)
			e.Partner = partner
			return sleep.Session{}, g.fail(span, e)
		}
	}

	start := req.StartTime
	if start.IsZero() {
		start = g.sessions.Now()
	}
	created, err := g.sessions.Create(ctx, sleep.Session{
		OwnerID:   owner,
		BabyID:    req.BabyID,
		StartTime: start.UTC(),
		Notes:     req.Notes,
		PartnerID: sleep.StringPtr(counterpart),
		UpdatedBy: caller,
	})
	if err != nil {
		return sleep.Session{}, g.fail(span, err)
	}

	g.metrics.IncStarted()
	span.SetAttributes(attribute.String("session_id", created.ID))
	g.log.Info().
		Str("session_id", created.ID).
		Str("owner_id", owner).
		Str("caller_id", caller).
		Msg("session started")
	return created, nil
}

// Stop ends an in-progress session. The caller must own it, be the owner's
// accepted partner, or reach it through partner_id, the legacy column or a
// share row.
func (g *Guard) Stop(ctx context.Context, req StopRequest) (sleep.Session, error) {
	const op = "stop session"
	ctx, span := g.tracer.Start(ctx, "tracker.Stop")
	defer span.End()

	current, err := g.authorize(ctx, op, req.CallerID, req.SessionID)
	if err != nil {
		return sleep.Session{}, g.fail(span, err)
	}
	if !current.InProgress() {
		return sleep.Session{}, g.fail(span, sleep.Errorf(sleep.InvalidArgument, op, "session %s is already stopped", current.ID))
	}

	end := req.EndTime
	if end.IsZero() {
		end = g.sessions.Now()
	}
	end = end.UTC()
	if end.Before(current.StartTime) {
		return sleep.Session{}, g.fail(span, sleep.Errorf(sleep.InvalidArgument, op, "end time precedes start time"))
	}

	minutes := sleep.DurationMinutes(current.StartTime, end)
	quality := req.Quality
	caller := strings.TrimSpace(req.CallerID)
	stopped, err := g.sessions.Update(ctx, current.ID, sleep.Patch{
		EndTime:         &end,
		DurationMinutes: &minutes,
		Quality:         &quality,
		Notes:           req.Notes,
		UpdatedBy:       &caller,
	})
	if err != nil {
		return sleep.Session{}, g.fail(span, err)
	}

	g.metrics.IncStopped()
	g.log.Info().
		Str("session_id", stopped.ID).
		Str("caller_id", caller).
		Int("duration_minutes", minutes).
		Msg("session stopped")
	return stopped, nil
}

// Edit corrects times, quality or notes. Duration is recomputed whenever the
// session has an end time.
func (g *Guard) Edit(ctx context.Context, req EditRequest) (sleep.Session, error) {
	const op = "edit session"
	ctx, span := g.tracer.Start(ctx, "tracker.Edit")
	defer span.End()

	current, err := g.authorize(ctx, op, req.CallerID, req.SessionID)
	if err != nil {
		return sleep.Session{}, g.fail(span, err)
	}

	start := current.StartTime
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	patch := sleep.Patch{Quality: req.Quality, Notes: req.Notes}
	if req.StartTime != nil {
		patch.StartTime = &start
	}

	var end *time.Time
	if current.EndTime != nil {
		e := *current.EndTime
		end = &e
	}
	if req.EndTime != nil {
		e := req.EndTime.UTC()
		end = &e
		patch.EndTime = end
	}
	if end != nil {
		if end.Before(start) {
			return sleep.Session{}, g.fail(span, sleep.Errorf(sleep.InvalidArgument, op, "end time precedes start time"))
		}
		if req.StartTime != nil || req.EndTime != nil {
			minutes := sleep.DurationMinutes(start, *end)
			patch.DurationMinutes = &minutes
		}
	}
	if patch.Empty() {
		return current, nil
	}

	caller := strings.TrimSpace(req.CallerID)
	patch.UpdatedBy = &caller
	edited, err := g.sessions.Update(ctx, current.ID, patch)
	if err != nil {
		return sleep.Session{}, g.fail(span, err)
	}
	return edited, nil
}

// Delete hard-deletes a session. Only the owner may delete.
func (g *Guard) Delete(ctx context.Context, callerID, sessionID string) error {
	const op = "delete session"
	ctx, span := g.tracer.Start(ctx, "tracker.Delete")
	defer span.End()

	caller := strings.TrimSpace(callerID)
	if caller == "" {
		return g.fail(span, sleep.Errorf(sleep.NotAuthenticated, op, "caller is required"))
	}
	current, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return g.fail(span, err)
	}
	if current.OwnerID != caller {
		return g.fail(span, sleep.Errorf(sleep.Forbidden, op, "only the owner may delete session %s", current.ID))
	}
	if _, err := g.sessions.DeleteAs(ctx, current.ID, caller); err != nil {
		return g.fail(span, err)
	}
	g.log.Info().Str("session_id", current.ID).Str("caller_id", caller).Msg("session deleted")
	return nil
}

func (g *Guard) authorize(ctx context.Context, op, callerID, sessionID string) (sleep.Session, error) {
	caller := strings.TrimSpace(callerID)
	if caller == "" {
		return sleep.Session{}, sleep.Errorf(sleep.NotAuthenticated, op, "caller is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return sleep.Session{}, sleep.Errorf(sleep.InvalidArgument, op, "session id is required")
	}

	current, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return sleep.Session{}, err
	}
	ok, err := g.sessions.CanAccess(ctx, current, caller)
	if err != nil {
		return sleep.Session{}, err
	}
	if !ok {
		// Sessions started before the link was accepted carry no partner_id
		// but still hold the pair's slot.
		ok, err = g.partners.IsPartner(ctx, current.OwnerID, caller)
		if err != nil {
			return sleep.Session{}, sleep.Wrap(op, err)
		}
	}
	if !ok {
		return sleep.Session{}, sleep.Errorf(sleep.Forbidden, op, "%s has no access to session %s", caller, current.ID)
	}
	return current, nil
}

func (g *Guard) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, sleep.KindOf(err).String())
	return err
}
