package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for job lookups. Check with errors.Is().
var (
	ErrNotFound      = errors.New("job not found")
	ErrNotQueued     = errors.New("job is not queued")
	ErrStateConflict = errors.New("job is not in the expected state")
)

// NotFoundError wraps ErrNotFound with the offending id for logging.
func NotFoundError(id int64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}

// StateConflictError wraps ErrStateConflict with the observed state.
func StateConflictError(id int64, got State) error {
	return fmt.Errorf("%w (state: %s): %d", ErrStateConflict, got, id)
}
