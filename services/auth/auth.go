// Package auth resolves the account behind a request. Sign-in itself is
// handled elsewhere; nestsync only consumes the resulting account id.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"nestsync/services/sleep"
)

// AccountHeader carries the signed-in account id.
const AccountHeader = "X-Account-ID"

// Provider returns the current account id for r.
type Provider interface {
	AccountID(r *http.Request) (string, error)
}

// HeaderProvider trusts AccountHeader, falling back to a bearer token equal to
// the account id. It is meant to sit behind a gateway that authenticates.
type HeaderProvider struct {
	// RequireUUID rejects ids that are not UUIDs, matching the Postgres schema.
	RequireUUID bool
}

// AccountID implements Provider.
func (p HeaderProvider) AccountID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(AccountHeader))
	if id == "" {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			id = strings.TrimSpace(token)
		}
	}
	if id == "" {
		return "", sleep.Errorf(sleep.NotAuthenticated, "resolve account", "no account on request")
	}
	if p.RequireUUID {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return "", sleep.Errorf(sleep.NotAuthenticated, "resolve account", "account id is not a uuid")
		}
		id = parsed.String()
	}
	return id, nil
}

type ctxKey struct{}

// WithAccount stores accountID on ctx.
func WithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, accountID)
}

// FromContext returns the account stored by WithAccount.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
