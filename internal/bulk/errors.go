package bulk

import "errors"

// Error classes of a session. Every error returned by a Writer wraps exactly
// one of them.
var (
	// ErrConfig reports an invalid configuration, detected at NewWriter or Open
	ErrConfig = errors.New("configuration error")
	// ErrStaging reports a local I/O failure while staging; the session is aborted
	ErrStaging = errors.New("staging failure")
	// ErrStore reports a failure of the target store: reservation, changeset
	// IDs or the final load
	ErrStore = errors.New("target store failure")
	// ErrElementLimit is returned once the configured element limit is reached
	ErrElementLimit = errors.New("element limit reached")
	// ErrState is returned when a method is called in the wrong session state
	ErrState = errors.New("invalid writer state")
)
