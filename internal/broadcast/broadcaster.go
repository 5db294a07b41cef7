// Package broadcast fans host commits out to ready replicas.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
)

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 5 * time.Second
)

// Broadcaster owns the host's replica connections. OnLocalCommit is called
// by the state store under its commit lock, so enqueueing never blocks: a
// replica whose queue is full is evicted instead of stalling the host.
type Broadcaster struct {
	queueSize   int
	sendTimeout time.Duration

	mu     sync.Mutex
	conns  map[protocol.ReplicaID]*connection
	closed bool
}

func New(queueSize int, sendTimeout time.Duration) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Broadcaster{
		queueSize:   queueSize,
		sendTimeout: sendTimeout,
		conns:       make(map[protocol.ReplicaID]*connection),
	}
}

// RegisterReplica adds a not-ready connection. A previous connection under
// the same id is closed and replaced.
func (b *Broadcaster) RegisterReplica(id protocol.ReplicaID, conn relay.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = conn.Close()
		return ErrClosed
	}

	if old, ok := b.conns[id]; ok {
		slog.Info("replacing replica connection", "replica", id.String())
		old.close()
	}

	c := newConnection(id, conn, b.queueSize, b.sendTimeout)
	b.conns[id] = c
	go c.run(b.onSendFailure)

	b.updateGaugesLocked()
	return nil
}

// MarkReady starts delivering broadcasts to id.
func (b *Broadcaster) MarkReady(id protocol.ReplicaID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	c.ready = true
	b.updateGaugesLocked()
	return nil
}

func (b *Broadcaster) UnregisterReplica(id protocol.ReplicaID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	b.removeLocked(c, "unregistered")
	return nil
}

// UnregisterConn removes id only while conn is still its current channel.
// A channel that was evicted or replaced yields ErrUnknownReplica.
func (b *Broadcaster) UnregisterConn(id protocol.ReplicaID, conn relay.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	if c.conn != conn {
		return fmt.Errorf("%w: %s: channel superseded", ErrUnknownReplica, id)
	}
	b.removeLocked(c, "disconnected")
	return nil
}

// OnLocalCommit enqueues rec to every ready replica except its origin.
func (b *Broadcaster) OnLocalCommit(rec protocol.MutationRecord) {
	if rec.SuppressRebroadcast {
		return
	}
	f := rec.MutationFrame()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, c := range b.conns {
		if !c.ready || id == rec.Origin {
			continue
		}
		if !c.enqueue(f) {
			slog.Warn("replica queue full, evicting", "replica", id.String(), "seq", rec.Seq)
			b.removeLocked(c, "queue_full")
		}
	}
}

// SendTo enqueues f on id's queue, behind everything already queued for it.
func (b *Broadcaster) SendTo(id protocol.ReplicaID, f protocol.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, id)
	}
	if !c.enqueue(f) {
		b.removeLocked(c, "queue_full")
		return fmt.Errorf("%w: %w: %s", relay.ErrTransport, ErrQueueFull, id)
	}
	return nil
}

// Has reports whether id has a registered connection, ready or not.
func (b *Broadcaster) Has(id protocol.ReplicaID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[id]
	return ok
}

func (b *Broadcaster) IsReady(id protocol.ReplicaID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	return ok && c.ready
}

func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close closes every replica connection. Later registrations are refused.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.conns {
		c.close()
	}
	b.conns = make(map[protocol.ReplicaID]*connection)
	b.updateGaugesLocked()
}

func (b *Broadcaster) onSendFailure(c *connection, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.conns[c.id]; ok && cur == c {
		b.removeLocked(c, "send_failed")
		return
	}
	c.close()
}

func (b *Broadcaster) removeLocked(c *connection, reason string) {
	delete(b.conns, c.id)
	c.close()
	if reason != "unregistered" && reason != "disconnected" {
		metrics.ReplicasEvicted.WithLabelValues(reason).Inc()
	}
	b.updateGaugesLocked()
}

func (b *Broadcaster) updateGaugesLocked() {
	ready := 0
	for _, c := range b.conns {
		if c.ready {
			ready++
		}
	}
	metrics.ReplicasConnected.Set(float64(len(b.conns)))
	metrics.ReplicasReady.Set(float64(ready))
}
