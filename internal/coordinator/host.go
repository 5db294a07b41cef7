// Package coordinator runs the per-process event loops that tie the state
// store to the relay: Host answers registrations and commit requests,
// Replica applies what the host sends and forwards local commits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"treesync/internal/broadcast"
	"treesync/internal/checkpoint"
	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
	"treesync/internal/snapshot"
	"treesync/internal/state"
)

type hostEventKind int

const (
	eventRegister hostEventKind = iota
	eventRequestSnapshot
	eventFrame
	eventDisconnect
)

type hostEvent struct {
	kind  hostEventKind
	id    protocol.ReplicaID
	conn  relay.Conn
	frame protocol.Frame
	err   error
}

// Host owns the authoritative tree. Relay callbacks are funneled into one
// inbox so registrations, snapshots and replica commits are handled by a
// single loop.
type Host struct {
	store       *state.Store
	broadcaster *broadcast.Broadcaster
	provider    *snapshot.Provider
	server      *relay.Server
	listener    relay.Listener

	checkpointer *checkpointer

	inbox chan hostEvent

	stopCh     chan struct{}
	stopOnce   sync.Once
	stoppedWg  sync.WaitGroup
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// NewHost wires a host around store. cp may be nil to run without
// checkpoints.
func NewHost(store *state.Store, ln relay.Listener, cp *checkpoint.Log, cfg Config) *Host {
	cfg = cfg.withDefaults()
	stopCtx, stopCancel := context.WithCancel(context.Background())

	b := broadcast.New(cfg.SendQueueSize, cfg.SendTimeout)
	store.SetEmitter(b)

	h := &Host{
		store:       store,
		broadcaster: b,
		provider:    snapshot.NewProvider(store, b),
		listener:    ln,
		inbox:       make(chan hostEvent, cfg.InboxSize),
		stopCh:      make(chan struct{}),
		stopCtx:     stopCtx,
		stopCancel:  stopCancel,
	}
	h.server = relay.NewServer(ln, h, cfg.RegisterTimeout)
	if cp != nil && cfg.SnapCount > 0 {
		h.checkpointer = newCheckpointer(store, cp, cfg.SnapCount)
	}

	slog.Info("host coordinator created", "seq", store.Seq(), "modules", store.Len(), "snapCount", cfg.SnapCount)
	return h
}

func (h *Host) Store() *state.Store { return h.store }

func (h *Host) Start() {
	slog.Info("starting host coordinator")

	h.stoppedWg.Add(2)
	go func() {
		defer h.stoppedWg.Done()
		h.runMainLoop()
	}()
	go func() {
		defer h.stoppedWg.Done()
		if err := h.server.Serve(h.stopCtx); err != nil {
			slog.Error("relay server stopped", "error", err)
		}
	}()

	if h.checkpointer != nil {
		h.checkpointer.start()
	}
}

// Stop closes the listener and every replica channel, then writes a final
// checkpoint.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown", "role", "host")

		_ = h.listener.Close()
		h.stopCancel()
		close(h.stopCh)
		h.broadcaster.Close()
		h.stoppedWg.Wait()
		h.server.Wait()

		if h.checkpointer != nil {
			h.checkpointer.stop()
		}
		slog.Info("host coordinator stopped", "seq", h.store.Seq())
	})
}

func (h *Host) OnRegister(id protocol.ReplicaID, conn relay.Conn) {
	h.post(hostEvent{kind: eventRegister, id: id, conn: conn})
}

func (h *Host) OnRequestSnapshot(id protocol.ReplicaID) {
	h.post(hostEvent{kind: eventRequestSnapshot, id: id})
}

func (h *Host) OnFrame(id protocol.ReplicaID, f protocol.Frame) {
	h.post(hostEvent{kind: eventFrame, id: id, frame: f})
}

func (h *Host) OnDisconnect(id protocol.ReplicaID, conn relay.Conn, err error) {
	h.post(hostEvent{kind: eventDisconnect, id: id, conn: conn, err: err})
}

func (h *Host) post(ev hostEvent) {
	select {
	case h.inbox <- ev:
	case <-h.stopCh:
	}
}

func (h *Host) runMainLoop() {
	for {
		select {
		case <-h.stopCh:
			slog.Debug("host loop stopping")
			return
		case ev := <-h.inbox:
			h.handle(ev)
		}
	}
}

func (h *Host) handle(ev hostEvent) {
	switch ev.kind {
	case eventRegister:
		if err := h.broadcaster.RegisterReplica(ev.id, ev.conn); err != nil {
			slog.Warn("failed to register replica", "replica", ev.id.String(), "error", err)
		}

	case eventRequestSnapshot:
		if err := h.provider.HandleRequest(ev.id); err != nil {
			h.logDropped(ev.id, "snapshot request", err)
		}

	case eventFrame:
		m := ev.frame.Mutation
		if m == nil {
			metrics.MutationsDropped.WithLabelValues("malformed").Inc()
			slog.Warn("mutation frame without body", "replica", ev.id.String())
			return
		}
		if err := h.OnReplicaCommitRequest(ev.id, m.Kind, m.Payload); err != nil {
			h.logDropped(ev.id, "commit request", err)
		}

	case eventDisconnect:
		if err := h.broadcaster.UnregisterConn(ev.id, ev.conn); err != nil {
			slog.Debug("disconnect for inactive channel", "replica", ev.id.String(), "error", err)
			return
		}
		slog.Info("replica removed", "replica", ev.id.String(), "cause", ev.err)
	}
}

// OnReplicaCommitRequest applies a replica's commit on the host first. The
// resulting record is broadcast to every other ready replica.
func (h *Host) OnReplicaCommitRequest(id protocol.ReplicaID, kind string, payload map[string]any) error {
	if !h.broadcaster.Has(id) {
		return fmt.Errorf("commit %s from %s: %w", kind, id, broadcast.ErrUnknownReplica)
	}
	rec, err := h.store.CommitFrom(id, kind, payload)
	if err != nil {
		return err
	}
	slog.Debug("replica commit applied", "replica", id.String(), "kind", kind, "seq", rec.Seq)
	return nil
}

func (h *Host) logDropped(id protocol.ReplicaID, what string, err error) {
	reason := "apply_failed"
	switch {
	case errors.Is(err, broadcast.ErrUnknownReplica):
		reason = "unknown_replica"
	case errors.Is(err, state.ErrUnknownKind):
		reason = "unknown_kind"
	case errors.Is(err, relay.ErrTransport):
		reason = "transport"
	}
	metrics.MutationsDropped.WithLabelValues(reason).Inc()
	slog.Warn("dropping "+what, "replica", id.String(), "reason", reason, "error", err)
}
