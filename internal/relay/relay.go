// Package relay defines the channel contract between the host and its
// replicas and the host-side relay that turns replica registrations into
// snapshot requests.
//
// A Conn is one ordered, reliable, point-to-point channel. Frames sent on a
// Conn arrive in order and are not dropped while the channel is open. Recv
// is closed by the implementation once the channel is gone and every frame
// already received has been delivered.
package relay

import (
	"context"

	"treesync/internal/protocol"
)

type Conn interface {
	Send(ctx context.Context, f protocol.Frame) error
	Recv() <-chan protocol.Frame
	Done() <-chan struct{}
	// Err reports why the channel closed, nil while open.
	Err() error
	Close() error
}

// Listener accepts replica channels on the host.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Dialer opens a replica's channel to the host.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
