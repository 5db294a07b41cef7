package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"treesync/internal/checkpoint"
	"treesync/internal/configuration"
	"treesync/internal/coordinator"
	"treesync/internal/logging"
	"treesync/internal/modules"
	"treesync/internal/protocol"
	"treesync/internal/state"
)

func NewHostCommand(root *RootOptions) *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the authoritative host",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := root.load()
			if err != nil {
				return err
			}
			if seedFile != "" {
				provider.GetCheckpoint().SeedFile = seedFile
			}
			return runHost(cmd.Context(), provider)
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed", "", "override checkpoint.seed-file")
	return cmd
}

func runHost(ctx context.Context, provider configuration.ConfigProvider) error {
	slog.SetDefault(logging.With(protocol.RoleHost, protocol.HostOrigin))
	slog.Info("Starting host...")

	store := state.New(protocol.RoleHost, protocol.HostOrigin)
	modules.Register(store)

	cpProps := provider.GetCheckpoint()
	var cp *checkpoint.Log
	if cpProps.Enabled {
		var err error
		cp, err = checkpoint.Open(cpProps.Dir, cpProps.NoSync)
		if err != nil {
			return fmt.Errorf("open checkpoint log: %w", err)
		}
		defer cp.Close()
	}
	if err := coordinator.RestoreHost(store, cp, cpProps.SeedFile); err != nil {
		return err
	}

	transport, err := newHostTransport(provider.GetTransport())
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	host := coordinator.NewHost(store, transport.listener, cp, coordinator.NewConfigFromProperties(provider))

	stopMetrics, err := startMetrics(provider.GetMetrics(), store.Ready)
	if err != nil {
		transport.shutdown()
		return err
	}
	defer stopMetrics()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(transport.serve)

	host.Start()
	slog.Info("Host Ready", "seq", store.Seq(), "modules", store.Len())

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down host...")
		host.Stop()
		transport.shutdown()
		return nil
	})

	return g.Wait()
}
