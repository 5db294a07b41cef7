package state

import "errors"

var (
	ErrNotReady = errors.New("store not ready")

	ErrNotFound = errors.New("key not initialized")

	ErrUnknownKind = errors.New("unknown mutation kind")

	ErrInvalidPayload = errors.New("invalid mutation payload")
)

// ErrStale is returned for inbound mutations already covered by the
// installed snapshot.
var ErrStale = errors.New("stale mutation")
