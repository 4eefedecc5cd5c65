// Package links resolves the accepted partner links of an account.
package links

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"nestsync/pkg/telemetry"
	"nestsync/services/sleep"
	"nestsync/services/store"
)

// Resolver reads account_links and reports partners from the caller's side.
type Resolver struct {
	links    store.LinkStore
	throttle *telemetry.Throttle
	log      zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThrottle limits repeated lookup failure lines.
func WithThrottle(t *telemetry.Throttle) Option {
	return func(r *Resolver) { r.throttle = t }
}

// NewResolver constructs a Resolver backed by links.
func NewResolver(links store.LinkStore, log zerolog.Logger, opts ...Option) (*Resolver, error) {
	if links == nil {
		return nil, errors.New("link store is required")
	}
	r := &Resolver{
		links: links,
		log:   log.With().Str("component", "links").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Partners returns every accepted link involving accountID ordered by link
// creation time. A lookup failure is returned as an error, never as an empty
// list.
func (r *Resolver) Partners(ctx context.Context, accountID string) ([]sleep.Partner, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, sleep.Errorf(sleep.NotAuthenticated, "resolve partners", "account id is required")
	}

	rows, err := r.links.ListLinks(ctx, accountID)
	if err != nil {
		kind := sleep.KindOf(err).String()
		r.throttle.Warn(r.log, "links:"+kind, err).
			Str("kind", kind).
			Str("account_id", accountID).
			Msg("link lookup failed")
		return nil, sleep.Wrap("resolve partners", err)
	}

	partners := make([]sleep.Partner, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, link := range rows {
		partner, ok := partnerOf(link, accountID)
		if !ok {
			continue
		}
		if _, dup := seen[partner.AccountID]; dup {
			continue
		}
		seen[partner.AccountID] = struct{}{}
		partners = append(partners, partner)
	}
	return partners, nil
}

// Partner returns the first accepted partner of accountID, or nil when the
// account is not linked.
func (r *Resolver) Partner(ctx context.Context, accountID string) (*sleep.Partner, error) {
	partners, err := r.Partners(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(partners) == 0 {
		return nil, nil
	}
	p := partners[0]
	return &p, nil
}

// IsPartner reports whether other holds an accepted link with accountID.
func (r *Resolver) IsPartner(ctx context.Context, accountID, other string) (bool, error) {
	partners, err := r.Partners(ctx, accountID)
	if err != nil {
		return false, err
	}
	for _, p := range partners {
		if p.AccountID == other {
			return true, nil
		}
	}
	return false, nil
}

func partnerOf(link sleep.Link, accountID string) (sleep.Partner, bool) {
	if sleep.LinkStatus(strings.ToLower(string(link.Status))) != sleep.LinkAccepted {
		return sleep.Partner{}, false
	}
	if link.CreatorID == "" || link.InvitedID == "" || link.CreatorID == link.InvitedID {
		return sleep.Partner{}, false
	}

	p := sleep.Partner{
		RelationshipType: link.RelationshipType,
		Status:           sleep.LinkAccepted,
		LinkID:           link.ID,
	}
	switch accountID {
	case link.CreatorID:
		p.AccountID = link.InvitedID
		p.Role = sleep.RoleCreator
	case link.InvitedID:
		p.AccountID = link.CreatorID
		p.Role = sleep.RoleInvited
	default:
		return sleep.Partner{}, false
	}
	return p, true
}
