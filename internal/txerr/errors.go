// Package txerr defines the closed set of failure kinds shared by every
// component. Adapters at the signer and network boundary translate raw
// errors into one of these kinds; everything else switches on Kind.
package txerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindFeeTooLow
	KindNonceConflict
	KindTimeout
	KindRejected
	KindUnavailable
	KindPoolExhausted
	KindNotInitialized
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindFeeTooLow:
		return "fee_too_low"
	case KindNonceConflict:
		return "nonce_conflict"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindUnavailable:
		return "unavailable"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindNotInitialized:
		return "not_initialized"
	case KindConfiguration:
		return "configuration"
	default:
		return "other"
	}
}

// Transient reports whether an operation failing with this kind may be
// retried unchanged after a delay.
func (k Kind) Transient() bool {
	return k == KindRateLimited
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches bare sentinels by kind, so errors.Is(err, ErrFeeTooLow) holds
// for any *Error of that kind regardless of Op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrFeeTooLow      = &Error{Kind: KindFeeTooLow}
	ErrNonceConflict  = &Error{Kind: KindNonceConflict}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrRejected       = &Error{Kind: KindRejected}
	ErrUnavailable    = &Error{Kind: KindUnavailable}
	ErrPoolExhausted  = &Error{Kind: KindPoolExhausted}
	ErrNotInitialized = &Error{Kind: KindNotInitialized}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
)

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindOther when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return err != nil && KindOf(err).Transient()
}
