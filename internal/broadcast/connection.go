package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
)

// connection is the host's view of one replica channel. Frames are sent in
// queue order by a single goroutine.
type connection struct {
	id    protocol.ReplicaID
	conn  relay.Conn
	queue chan protocol.Frame
	ready bool

	sendTimeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newConnection(id protocol.ReplicaID, conn relay.Conn, queueSize int, sendTimeout time.Duration) *connection {
	return &connection{
		id:          id,
		conn:        conn,
		queue:       make(chan protocol.Frame, queueSize),
		sendTimeout: sendTimeout,
		stop:        make(chan struct{}),
	}
}

// enqueue never blocks; false means the queue is full.
func (c *connection) enqueue(f protocol.Frame) bool {
	select {
	case c.queue <- f:
		metrics.BroadcastFramesTotal.WithLabelValues(string(f.Type), "queued").Inc()
		return true
	default:
		metrics.BroadcastFramesTotal.WithLabelValues(string(f.Type), "dropped").Inc()
		return false
	}
}

func (c *connection) run(onFailure func(c *connection, err error)) {
	for {
		select {
		case <-c.stop:
			return
		case <-c.conn.Done():
			return
		case f := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
			err := c.conn.Send(ctx, f)
			cancel()
			if err != nil {
				metrics.BroadcastFramesTotal.WithLabelValues(string(f.Type), "failed").Inc()
				slog.Warn("replica send failed", "replica", c.id.String(), "type", string(f.Type), "error", err)
				onFailure(c, err)
				return
			}
			metrics.BroadcastFramesTotal.WithLabelValues(string(f.Type), "sent").Inc()
		}
	}
}

// close may run under the commit lock, so the channel is closed off it.
func (c *connection) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		go func() { _ = c.conn.Close() }()
	})
}
