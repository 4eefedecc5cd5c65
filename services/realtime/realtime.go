// Package realtime fans sleep session changes out over the bus and delivers
// them to the devices of every account that can see the changed row.
package realtime

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"nestsync/services/sleep"
)

// SubjectPrefix is the bus subject namespace for session changes. Each
// account listens on SubjectPrefix + "." + account.
const SubjectPrefix = "nestsync.sleep.changes"

// Transport is the subset of pkg/bus used here.
type Transport interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// SubjectFor returns the subject carrying changes visible to accountID.
func SubjectFor(accountID string) string {
	return SubjectPrefix + "." + subjectToken(accountID)
}

func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

// Publisher sends every change to the subject of each account in the row's
// owner, partner and legacy columns.
type Publisher struct {
	transport Transport
	log       zerolog.Logger
}

// NewPublisher constructs a Publisher over transport.
func NewPublisher(transport Transport, log zerolog.Logger) (*Publisher, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	return &Publisher{
		transport: transport,
		log:       log.With().Str("component", "realtime").Logger(),
	}, nil
}

// Publish implements sessions.ChangeNotifier.
func (p *Publisher) Publish(ctx context.Context, change sleep.Change) error {
	var errs []error
	for _, account := range change.Accounts() {
		if err := p.transport.Publish(ctx, SubjectFor(account), change); err != nil {
			errs = append(errs, err)
			continue
		}
		p.log.Debug().
			Str("type", string(change.Type)).
			Str("account_id", account).
			Msg("change published")
	}
	return errors.Join(errs...)
}
