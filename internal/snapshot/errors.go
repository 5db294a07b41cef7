package snapshot

import "errors"

// ErrBootstrapTimeout is returned when no snapshot arrived after every
// register attempt.
var ErrBootstrapTimeout = errors.New("snapshot bootstrap timed out")
