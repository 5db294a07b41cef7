package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"treesync/internal/configuration"
	"treesync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
	Profile   string
	LogLevel  string
	Transport string
	Address   string
	Port      string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "treesync",
		Short:         "Host/replica state tree synchronization",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", configuration.DefaultDir, "directory holding application.yml")
	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "configuration profile overlay")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override app.log-level")
	cmd.PersistentFlags().StringVar(&opts.Transport, "transport", "", "override transport.kind (grpc|ws)")
	cmd.PersistentFlags().StringVar(&opts.Address, "address", "", "override transport.address")
	cmd.PersistentFlags().StringVar(&opts.Port, "port", "", "override transport.port")

	cmd.AddCommand(NewHostCommand(opts))
	cmd.AddCommand(NewReplicaCommand(opts))
	cmd.AddCommand(NewCommitCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))

	return cmd
}

// load reads configuration, applies flag overrides and installs the logger.
func (o *RootOptions) load() (configuration.ConfigProvider, error) {
	props, err := configuration.Load(o.ConfigDir, o.Profile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if o.LogLevel != "" {
		props.App.LogLevel = o.LogLevel
	}
	if o.Transport != "" {
		props.Transport.Kind = o.Transport
	}
	if o.Address != "" {
		props.Transport.Address = o.Address
	}
	if o.Port != "" {
		props.Transport.Port = o.Port
	}

	switch props.Transport.Kind {
	case transportGRPC, transportWS:
	default:
		return nil, fmt.Errorf("invalid transport %q: must be %s or %s", props.Transport.Kind, transportGRPC, transportWS)
	}

	logging.Init(props.App.LogLevel)
	slog.Debug("configuration loaded", "profile", props.App.Profile, "transport", props.Transport.Kind, "addr", props.Transport.Addr())
	return configuration.NewProvider(props), nil
}
