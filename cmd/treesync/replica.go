package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"treesync/internal/configuration"
	"treesync/internal/coordinator"
	"treesync/internal/logging"
	"treesync/internal/modules"
	"treesync/internal/protocol"
	"treesync/internal/state"
)

func NewReplicaCommand(root *RootOptions) *cobra.Command {
	var (
		watch       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run a replica that mirrors the host tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := root.load()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				provider.GetMetrics().Address = metricsAddr
			}
			return runReplica(cmd.Context(), provider, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "log every applied mutation")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "override metrics.address")
	return cmd
}

func runReplica(ctx context.Context, provider configuration.ConfigProvider, watch bool) error {
	r, cleanup, err := startReplica(ctx, provider)
	if err != nil {
		return err
	}
	defer cleanup()

	// Several replicas usually share a machine with the host; a taken
	// metrics port must not stop the replica.
	stopMetrics, err := startMetrics(provider.GetMetrics(), r.Store().Ready)
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
		stopMetrics = func() {}
	}
	defer stopMetrics()

	if watch {
		cancel := r.Store().Subscribe(func(rec protocol.MutationRecord) {
			slog.Info("applied", "kind", rec.Kind, "seq", rec.Seq, "origin", rec.Origin.String(), "payload", rec.Payload)
		})
		defer cancel()
	}

	slog.Info("Replica Ready", "seq", r.Store().Seq(), "modules", r.Store().Len())

	select {
	case <-ctx.Done():
		slog.Info("Shutting down replica...")
		return nil
	case <-r.Done():
		return r.Err()
	}
}

// startReplica dials the host and blocks until the first snapshot is
// installed.
func startReplica(ctx context.Context, provider configuration.ConfigProvider) (*coordinator.Replica, func(), error) {
	id := protocol.ReplicaID(provider.GetApplication().ProcessID)
	if id == protocol.HostOrigin {
		id = protocol.NewReplicaID()
	}
	slog.SetDefault(logging.With(protocol.RoleReplica, id))

	store := state.New(protocol.RoleReplica, id)
	modules.Register(store)

	dialer, closeDialer, err := newDialer(provider.GetTransport())
	if err != nil {
		return nil, nil, fmt.Errorf("create dialer: %w", err)
	}

	r := coordinator.NewReplica(store, dialer, coordinator.NewConfigFromProperties(provider))
	if err := r.Start(ctx); err != nil {
		closeDialer()
		return nil, nil, err
	}

	return r, func() {
		r.Stop()
		closeDialer()
	}, nil
}
