package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"nestsync/pkg/metrics"
	"nestsync/services/sleep"
)

// Origin tells whether a change was written by the local account or by
// someone else with access to the row.
type Origin string

const (
	OriginSelf    Origin = "self"
	OriginPartner Origin = "partner"
)

// Event is a change as delivered to a subscriber.
type Event struct {
	sleep.Change
	Origin Origin `json:"origin"`
}

// Handler receives events in the order the bus delivers them.
type Handler func(ctx context.Context, ev Event)

// Notifier is triggered for partner-originated events.
type Notifier interface {
	Notify(ctx context.Context, accountID string, ev Event) error
}

// LogNotifier writes partner activity to a logger.
type LogNotifier struct {
	Log zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, accountID string, ev Event) error {
	row := ev.Row()
	if row == nil {
		return nil
	}
	n.Log.Info().
		Str("account_id", accountID).
		Str("type", string(ev.Type)).
		Str("session_id", row.ID).
		Str("updated_by", row.UpdatedBy).
		Msg("partner changed a shared session")
	return nil
}

// Handle identifies one subscription.
type Handle struct {
	closer io.Closer
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (h *Handle) close() error {
	h.once.Do(func() {
		h.cancel()
		h.err = h.closer.Close()
	})
	return h.err
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithNotifier forwards partner-originated events to n.
func WithNotifier(n Notifier) SubscriberOption {
	return func(s *Subscriber) { s.notifier = n }
}

// WithMetrics counts delivered events on m.
func WithMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

// Subscriber owns at most one live subscription for one account. It is
// created when the account signs in and closed when it signs out.
type Subscriber struct {
	transport Transport
	accountID string
	notifier  Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	current *Handle
}

// NewSubscriber constructs a Subscriber for accountID.
func NewSubscriber(transport Transport, accountID string, log zerolog.Logger, opts ...SubscriberOption) (*Subscriber, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, sleep.Errorf(sleep.NotAuthenticated, "subscribe", "account id is required")
	}
	s := &Subscriber{
		transport: transport,
		accountID: accountID,
		log:       log.With().Str("component", "realtime").Str("account_id", accountID).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Subscribe starts delivering events to handler. A previous subscription is
// torn down first.
func (s *Subscriber) Subscribe(ctx context.Context, handler Handler) (*Handle, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if err := s.current.close(); err != nil {
			s.log.Warn().Err(err).Msg("previous subscription close failed")
		}
		s.current = nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	closer, err := s.transport.Subscribe(subCtx, SubjectFor(s.accountID), "", func(msgCtx context.Context, data []byte) error {
		s.deliver(msgCtx, data, handler)
		return nil
	})
	if err != nil {
		cancel()
		return nil, sleep.Wrap("subscribe", err)
	}

	h := &Handle{closer: closer, cancel: cancel}
	s.current = h
	s.log.Debug().Msg("subscribed")
	return h, nil
}

// Unsubscribe tears down h. It is safe to call with nil, twice, or after the
// subscription was replaced.
func (s *Subscriber) Unsubscribe(h *Handle) error {
	if h == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == h {
		s.current = nil
	}
	return h.close()
}

// Active reports whether a subscription is live.
func (s *Subscriber) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Close tears down the live subscription, if any.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	return s.Unsubscribe(h)
}

func (s *Subscriber) deliver(ctx context.Context, data []byte, handler Handler) {
	var change sleep.Change
	if err := json.Unmarshal(data, &change); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed change event")
		return
	}
	if change.Row() == nil {
		return
	}

	ev := Event{Change: change, Origin: s.Classify(change)}
	s.metrics.IncRealtimeEvent(string(ev.Origin))
	if ev.Origin == OriginPartner && s.notifier != nil {
		if err := s.notifier.Notify(ctx, s.accountID, ev); err != nil {
			s.log.Warn().Err(err).Msg("partner notification failed")
		}
	}
	handler(ctx, ev)
}

// Classify compares the row's updated_by with the local account.
func (s *Subscriber) Classify(change sleep.Change) Origin {
	if change.ModifiedBy() == s.accountID {
		return OriginSelf
	}
	return OriginPartner
}
