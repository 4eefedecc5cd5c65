package sleep

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Kind classifies failures surfaced by the sync core.
type Kind int

const (
	KindUnknown Kind = iota
	NotAuthenticated
	NotFound
	Forbidden
	AlreadyTracking
	PartnerAlreadyTracking
	TransientNetwork
	Backend
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case NotAuthenticated:
		return "not_authenticated"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case AlreadyTracking:
		return "already_tracking"
	case PartnerAlreadyTracking:
		return "partner_already_tracking"
	case TransientNetwork:
		return "transient_network"
	case Backend:
		return "backend"
	case InvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every core operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Partner is set for PartnerAlreadyTracking.
	Partner *Partner
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error of the given kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err. Untyped store errors are Backend failures,
// except ErrNotFound and an expired or cancelled context, which are
// TransientNetwork: the request did not complete and may be repeated.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TransientNetwork
	default:
		return Backend
	}
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Wrap classifies err under op. Errors that are already typed pass through.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
