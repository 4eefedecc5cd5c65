// Package sessions is the typed client over sleep_entries. It reads through
// every sharing scheme and writes only partner_id plus the share table.
package sessions

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nestsync/pkg/metrics"
	"nestsync/pkg/telemetry"
	"nestsync/services/sleep"
	"nestsync/services/store"
)

// Store is the persistence the client needs.
type Store interface {
	store.SessionStore
	store.ShareStore
}

// ChangeNotifier receives every successful write.
type ChangeNotifier interface {
	Publish(ctx context.Context, change sleep.Change) error
}

// Option configures a Client.
type Option func(*Client)

// WithNotifier publishes writes through n.
func WithNotifier(n ChangeNotifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithMetrics records visibility failures on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithThrottle limits repeated failure log lines.
func WithThrottle(t *telemetry.Throttle) Option {
	return func(c *Client) { c.throttle = t }
}

// WithVisibility replaces the default visibility shapes.
func WithVisibility(shapes ...Visibility) Option {
	return func(c *Client) { c.shapes = shapes }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client reads and writes sleep sessions.
type Client struct {
	store    Store
	notifier ChangeNotifier
	metrics  *metrics.Metrics
	throttle *telemetry.Throttle
	shapes   []Visibility
	now      func() time.Time
	log      zerolog.Logger
}

// New constructs a Client over st.
func New(st Store, log zerolog.Logger, opts ...Option) (*Client, error) {
	if st == nil {
		return nil, errors.New("session store is required")
	}
	c := &Client{
		store:  st,
		shapes: DefaultVisibility(),
		now:    time.Now,
		log:    log.With().Str("component", "sessions").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.shapes) == 0 {
		return nil, errors.New("at least one visibility shape is required")
	}
	return c, nil
}

// Now returns the client's clock reading in UTC.
func (c *Client) Now() time.Time { return c.now().UTC() }

// Create inserts session. Missing ids and timestamps are filled in; a set
// PartnerID also records a share row for the partner.
func (c *Client) Create(ctx context.Context, session sleep.Session) (sleep.Session, error) {
	const op = "create session"
	if strings.TrimSpace(session.OwnerID) == "" {
		return sleep.Session{}, sleep.Errorf(sleep.InvalidArgument, op, "owner is required")
	}
	if session.StartTime.IsZero() {
		return sleep.Session{}, sleep.Errorf(sleep.InvalidArgument, op, "start time is required")
	}
	if session.EndTime != nil && session.EndTime.Before(session.StartTime) {
		return sleep.Session{}, sleep.Errorf(sleep.InvalidArgument, op, "end time precedes start time")
	}

	now := c.Now()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	if session.UpdatedBy == "" {
		session.UpdatedBy = session.OwnerID
	}
	if session.EndTime != nil && session.DurationMinutes == nil {
		minutes := sleep.DurationMinutes(session.StartTime, *session.EndTime)
		session.DurationMinutes = &minutes
	}
	if session.PartnerID != nil && *session.PartnerID == session.OwnerID {
		session.PartnerID = nil
	}

	if err := c.store.InsertSession(ctx, session); err != nil {
		return sleep.Session{}, sleep.Wrap(op, err)
	}
	c.shareWithPartner(ctx, session)
	c.publish(ctx, sleep.Change{Type: sleep.ChangeInsert, New: &session, At: now})
	return session, nil
}

// Update applies patch to the session with id.
func (c *Client) Update(ctx context.Context, id string, patch sleep.Patch) (sleep.Session, error) {
	const op = "update session"
	old, err := c.store.GetSession(ctx, id)
	if err != nil {
		return sleep.Session{}, sleep.Wrap(op, err)
	}
	if patch.Empty() {
		return old, nil
	}

	now := c.Now()
	updated, err := c.store.UpdateSession(ctx, id, patch, now)
	if err != nil {
		return sleep.Session{}, sleep.Wrap(op, err)
	}
	if patch.PartnerID != nil {
		c.shareWithPartner(ctx, updated)
	}
	c.publish(ctx, sleep.Change{Type: sleep.ChangeUpdate, New: &updated, Old: &old, At: now})
	return updated, nil
}

// Delete removes the session with id.
func (c *Client) Delete(ctx context.Context, id string) (sleep.Session, error) {
	return c.DeleteAs(ctx, id, "")
}

// DeleteAs removes the session with id and attributes the change to actor.
func (c *Client) DeleteAs(ctx context.Context, id, actor string) (sleep.Session, error) {
	old, err := c.store.DeleteSession(ctx, id)
	if err != nil {
		return sleep.Session{}, sleep.Wrap("delete session", err)
	}
	event := old
	if actor != "" {
		event.UpdatedBy = actor
	}
	c.publish(ctx, sleep.Change{Type: sleep.ChangeDelete, Old: &event, At: c.Now()})
	return old, nil
}

// Get loads one session.
func (c *Client) Get(ctx context.Context, id string) (sleep.Session, error) {
	s, err := c.store.GetSession(ctx, id)
	if err != nil {
		return sleep.Session{}, sleep.Wrap("get session", err)
	}
	return s, nil
}

// ListForAccount returns sessions owned by accountID, scoped to babyID when
// it is non-nil.
func (c *Client) ListForAccount(ctx context.Context, accountID string, babyID *string) ([]sleep.Session, error) {
	f := store.SessionFilter{OwnerID: accountID}
	if babyID != nil {
		f.FilterBaby = true
		f.BabyID = babyID
	}
	out, err := c.store.ListSessions(ctx, f)
	if err != nil {
		return nil, sleep.Wrap("list sessions", err)
	}
	return out, nil
}

// ListVisible returns every session accountID can see, deduplicated by id
// and ordered by start time descending. A failing shape contributes no rows;
// the call only fails when every shape fails.
func (c *Client) ListVisible(ctx context.Context, accountID string) ([]sleep.Session, error) {
	const op = "list visible sessions"
	if strings.TrimSpace(accountID) == "" {
		return nil, sleep.Errorf(sleep.NotAuthenticated, op, "account id is required")
	}

	results := make([][]sleep.Session, len(c.shapes))
	errs := make([]error, len(c.shapes))

	var g errgroup.Group
	for i, shape := range c.shapes {
		g.Go(func() error {
			rows, err := shape.Query(ctx, c.store, accountID)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		c.metrics.IncVisibilityFailure(c.shapes[i].Name)
		c.logFailure("visibility:"+c.shapes[i].Name, err).
			Str("shape", c.shapes[i].Name).
			Str("account_id", accountID).
			Msg("visibility shape failed; contributing no rows")
	}
	if failed == len(c.shapes) {
		return nil, sleep.Wrap(op, errors.Join(errs...))
	}

	return merge(results...), nil
}

// FindInProgress returns the newest in-progress session owned by ownerID for
// babyID, or nil. A nil babyID only matches sessions without a baby.
func (c *Client) FindInProgress(ctx context.Context, ownerID string, babyID *string) (*sleep.Session, error) {
	rows, err := c.store.ListSessions(ctx, store.SessionFilter{
		OwnerID:    ownerID,
		FilterBaby: true,
		BabyID:     babyID,
		InProgress: true,
		Limit:      1,
	})
	if err != nil {
		return nil, sleep.Wrap("find in-progress session", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	s := rows[0]
	return &s, nil
}

// CanAccess reports whether accountID may read and modify session through
// ownership, partner_id, the legacy column or an explicit share row.
func (c *Client) CanAccess(ctx context.Context, session sleep.Session, accountID string) (bool, error) {
	if session.VisibleTo(accountID) {
		return true, nil
	}
	if accountID == "" {
		return false, nil
	}
	recipients, err := c.store.ListShareRecipients(ctx, session.ID)
	if err != nil {
		return false, sleep.Wrap("check session access", err)
	}
	for _, id := range recipients {
		if id == accountID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) shareWithPartner(ctx context.Context, s sleep.Session) {
	partner := sleep.Deref(s.PartnerID)
	if partner == "" || partner == s.OwnerID {
		return
	}
	_, err := c.store.UpsertShare(ctx, sleep.Share{
		SessionID:    s.ID,
		OwnerID:      s.OwnerID,
		SharedWithID: partner,
		CreatedAt:    c.Now(),
	})
	if err != nil {
		c.logFailure("share:upsert", err).
			Str("session_id", s.ID).
			Str("partner_id", partner).
			Msg("share row not written; partner_id still grants access")
	}
}

func (c *Client) publish(ctx context.Context, change sleep.Change) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(ctx, change); err != nil {
		row := change.Row()
		c.logFailure("publish", err).
			Str("type", string(change.Type)).
			Str("session_id", row.ID).
			Msg("change event not published")
	}
}

// logFailure returns a warn event for err, or a disabled event when the same
// key was logged within the throttle interval.
func (c *Client) logFailure(key string, err error) *zerolog.Event {
	kind := sleep.KindOf(err).String()
	return c.throttle.Warn(c.log, key+":"+kind, err).Str("kind", kind)
}

// merge unions lists, keeping the first copy of each id, and sorts by start
// time descending then id.
func merge(lists ...[]sleep.Session) []sleep.Session {
	seen := make(map[string]struct{})
	out := make([]sleep.Session, 0)
	for _, list := range lists {
		for _, s := range list {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			seen[s.ID] = struct{}{}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
