package detect

import (
	"errors"
	"fmt"
)

// Error taxonomy for detection runs. Window parameter problems are caller
// errors and fail the run before any work starts; profile gaps are data
// integrity problems that skip a single subject; storage failures are
// isolated per subject unless the event store is unreachable outright.
var (
	// ErrInvalidWindow indicates malformed window parameters.
	ErrInvalidWindow = errors.New("detect: invalid window parameters")

	// ErrProfileMissing indicates a subject references a role or profile
	// that no longer exists.
	ErrProfileMissing = errors.New("detect: user profile missing")

	// ErrRunLocked indicates another run holds the detection lock.
	ErrRunLocked = errors.New("detect: another detection run holds the lock")
)

// invalidWindowf wraps ErrInvalidWindow with detail.
func invalidWindowf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWindow, fmt.Sprintf(format, args...))
}
