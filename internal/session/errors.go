package session

import "errors"

var (
	// ErrDuplicateSession reports a create with an already-registered id.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrUnknownSession reports a lookup for an unregistered id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrBackendUnavailable reports audio arriving when the session has
	// no open backend connection to forward it to.
	ErrBackendUnavailable = errors.New("backend connection unavailable")

	// ErrSessionFailed reports an operation on a session that already
	// ended in failure.
	ErrSessionFailed = errors.New("session failed")

	// ErrSessionLimit reports that the registry is at capacity.
	ErrSessionLimit = errors.New("session limit reached")
)
