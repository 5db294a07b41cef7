// Package snapshot brings a replica from empty to ready: the host side
// answers snapshot requests, the replica side registers until one arrives.
package snapshot

import (
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/proto"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/state"
)

// Broadcaster is the part of the host broadcaster the provider drives.
type Broadcaster interface {
	SendTo(id protocol.ReplicaID, f protocol.Frame) error
	MarkReady(id protocol.ReplicaID) error
	IsReady(id protocol.ReplicaID) bool
}

type Provider struct {
	store       *state.Store
	broadcaster Broadcaster
}

func NewProvider(store *state.Store, b Broadcaster) *Provider {
	return &Provider{store: store, broadcaster: b}
}

// HandleRequest sends the current tree to id and marks it ready. Both
// happen under the commit lock, so id receives every later commit and no
// earlier one. A request for a replica that is already ready is ignored.
func (p *Provider) HandleRequest(id protocol.ReplicaID) error {
	if p.broadcaster.IsReady(id) {
		metrics.SnapshotRequestsTotal.WithLabelValues("duplicate").Inc()
		slog.Debug("snapshot request for ready replica ignored", "replica", id.String())
		return nil
	}

	start := time.Now()
	var size int
	var seq uint64
	err := p.store.SnapshotThen(func(tree protocol.Tree, s uint64) error {
		f := protocol.LoadStateFrame(tree, s)
		if msg, err := protocol.EncodeFrame(f); err == nil {
			size = proto.Size(msg)
		}
		if err := p.broadcaster.SendTo(id, f); err != nil {
			return err
		}
		seq = s
		return p.broadcaster.MarkReady(id)
	})
	if err != nil {
		metrics.SnapshotRequestsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("snapshot for %s: %w", id, err)
	}

	metrics.SnapshotRequestsTotal.WithLabelValues("served").Inc()
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	slog.Info("snapshot sent", "replica", id.String(), "seq", seq, "bytes", size)
	return nil
}
