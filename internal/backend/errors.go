package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors of the federation error taxonomy. Drivers return these
// (wrapped with context) so the composite layer can branch with errors.Is
// without knowing driver internals.
var (
	// ErrNotFound means the addressed file or folder does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an update or delete carried a stale sequence
	// number; the caller must refetch before retrying.
	ErrConflict = errors.New("sequence number conflict")

	// ErrCapabilityUnsupported means the operation requires an optional
	// facet the backend lacks.
	ErrCapabilityUnsupported = errors.New("capability unsupported")

	// ErrUnknownBackend means no driver is registered for the service.
	ErrUnknownBackend = errors.New("unknown backend service")

	// ErrAuth classifies connect-time authentication failures inside a
	// driver; the scope translates it into NotAccessibleError.
	ErrAuth = errors.New("authentication failed")

	// ErrCommunication classifies connect-time transport failures
	// inside a driver; the scope translates it into NotAccessibleError.
	ErrCommunication = errors.New("communication failed")
)

// NotAccessibleError reports that a backend account could not be
// connected for auth or communication reasons. It carries enough context
// to be diagnosable and is distinguishable from generic backend errors so
// callers can offer a reconnect path.
type NotAccessibleError struct {
	Service string
	Account string
	Actor   string
	Err     error
}

func (e *NotAccessibleError) Error() string {
	return fmt.Sprintf("account %s/%s not accessible for %s: %v", e.Service, e.Account, e.Actor, e.Err)
}

func (e *NotAccessibleError) Unwrap() error {
	return e.Err
}

// IsConnectFailure reports whether an error belongs to the auth or
// communication class that should be translated into NotAccessibleError.
func IsConnectFailure(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrCommunication)
}
