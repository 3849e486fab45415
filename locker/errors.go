package locker

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesmerverse/coresdk/keeper"
	"github.com/mesmerverse/coresdk/webapi"
)

var (
	ErrAttributesNotConfigured = errors.New("locker: attributes not configured")
	ErrAlreadyRegistered       = errors.New("locker: user already registered")
	ErrNoAuthorizationCode     = errors.New("locker: no authorization code captured")
	ErrAuthorizationDenied     = errors.New("locker: authorization denied")
	ErrRegistrationSuperseded  = errors.New("locker: registration superseded")
	ErrInvalidLockType         = errors.New("locker: invalid lock type")
	ErrClosed                  = errors.New("locker: closed")
)

// Kind classifies a failure so callers can decide whether to retry
type Kind int

const (
	// KindNetwork failures may succeed when retried
	KindNetwork Kind = iota + 1

	// KindRejected means the server refused the credentials
	KindRejected

	// KindCrypto failures are not retryable
	KindCrypto

	// KindUnavailable means protected data could not be read; retry once
	// the device is unlocked
	KindUnavailable

	KindCancelled

	// KindState means the operation is not valid in the current status
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	case KindCrypto:
		return "crypto"
	case KindUnavailable:
		return "unavailable"
	case KindCancelled:
		return "cancelled"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is the error reported to completions
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("locker: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindUnavailable
}

// IsKind reports whether err is an *Error of kind k
func IsKind(err error, k Kind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == k
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	var rej *webapi.RejectedError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &rej), errors.Is(err, ErrAuthorizationDenied):
		return KindRejected
	case errors.Is(err, webapi.ErrNetwork), errors.Is(err, webapi.ErrInvalidResponse):
		return KindNetwork
	case errors.Is(err, keeper.ErrProtectedDataNotAvailable):
		return KindUnavailable
	case errors.Is(err, keeper.ErrNotRegistered),
		errors.Is(err, keeper.ErrLocked),
		errors.Is(err, keeper.ErrNoSession),
		errors.Is(err, keeper.ErrClosed),
		errors.Is(err, ErrAlreadyRegistered),
		errors.Is(err, ErrNoAuthorizationCode),
		errors.Is(err, ErrRegistrationSuperseded),
		errors.Is(err, ErrInvalidLockType),
		errors.Is(err, ErrInvalidMigration),
		errors.Is(err, ErrNoOneTimePasswordKey),
		errors.Is(err, ErrClosed):
		return KindState
	default:
		// wrong keys, empty passwords and cipher failures
		return KindCrypto
	}
}
