package relay

import "errors"

var (
	// ErrTransport wraps every failure to hand a frame to a channel.
	ErrTransport = errors.New("transport error")

	ErrClosed = errors.New("channel closed")

	ErrHandshake = errors.New("handshake failed")
)
