package keeper

import "errors"

var (
	// ErrProtectedDataNotAvailable is returned when bundle data is needed,
	// the secure store cannot be read and nothing is cached. Retry once the
	// device reports protected data as available
	ErrProtectedDataNotAvailable = errors.New("keeper: protected data not available")

	ErrNotRegistered = errors.New("keeper: user not registered")
	ErrLocked        = errors.New("keeper: user locked")
	ErrWrongKey      = errors.New("keeper: key does not open the session bundle")
	ErrNoSession     = errors.New("keeper: no session bundle stored")
	ErrClosed        = errors.New("keeper: closed")
)
