package grpcrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
)

const halfCloseWait = 2 * time.Second

// stream is the part of grpc.ServerStream and grpc.ClientStream a conn uses.
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

type conn struct {
	stream  stream
	onClose func()

	// halfClose is set on the dialing side. Close then ends the send
	// direction first and waits for the host to finish the stream.
	halfClose func() error
	readDone  chan struct{}

	sendMu sync.Mutex
	out    chan protocol.Frame

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error

	local     chan struct{}
	localOnce sync.Once
}

func newConn(st stream, onClose func()) *conn {
	c := &conn{
		stream:   st,
		onClose:  onClose,
		out:      make(chan protocol.Frame),
		done:     make(chan struct{}),
		local:    make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send blocks while the stream is flow controlled. ctx is only checked
// before the write since gRPC streams have no per-message deadline.
func (c *conn) Send(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", relay.ErrTransport, relay.ErrClosed)
	default:
	}

	msg, err := protocol.EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}

	c.sendMu.Lock()
	err = c.stream.SendMsg(msg)
	c.sendMu.Unlock()
	if err != nil {
		c.shutdown(c.streamErr(err))
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	metrics.RelayFramesTotal.WithLabelValues("grpc", "sent").Inc()
	return nil
}

func (c *conn) Recv() <-chan protocol.Frame { return c.out }
func (c *conn) Done() <-chan struct{}       { return c.done }

func (c *conn) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	default:
		return nil
	}
}

func (c *conn) Close() error {
	c.localOnce.Do(func() {
		close(c.local)
		if c.halfClose == nil {
			return
		}
		c.sendMu.Lock()
		err := c.halfClose()
		c.sendMu.Unlock()
		if err != nil {
			return
		}
		select {
		case <-c.readDone:
		case <-c.done:
		case <-time.After(halfCloseWait):
		}
	})
	c.shutdown(relay.ErrClosed)
	return nil
}

func (c *conn) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *conn) readLoop() {
	defer close(c.readDone)
	defer close(c.out)
	for {
		msg := new(structpb.Struct)
		if err := c.stream.RecvMsg(msg); err != nil {
			c.shutdown(c.streamErr(err))
			return
		}

		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			slog.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		metrics.RelayFramesTotal.WithLabelValues("grpc", "received").Inc()

		select {
		case c.out <- f:
		case <-c.local:
			return
		}
	}
}

// streamErr maps an orderly end of stream, or a cancel we caused, to
// relay.ErrClosed.
func (c *conn) streamErr(err error) error {
	if errors.Is(err, io.EOF) {
		return relay.ErrClosed
	}
	select {
	case <-c.local:
		return relay.ErrClosed
	default:
	}
	if status.Code(err) == codes.Canceled {
		return relay.ErrClosed
	}
	return fmt.Errorf("%w: %v", relay.ErrTransport, err)
}
