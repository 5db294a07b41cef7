package broadcast

import "errors"

var (
	ErrUnknownReplica = errors.New("unknown replica")
	ErrQueueFull      = errors.New("replica send queue full")
	ErrClosed         = errors.New("broadcaster closed")
)
