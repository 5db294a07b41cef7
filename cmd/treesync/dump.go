package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewDumpCommand(root *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Join as a replica and print the host tree as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := root.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			r, cleanup, err := startReplica(ctx, provider)
			if err != nil {
				return err
			}
			defer cleanup()

			tree, _ := r.Store().Snapshot()
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(map[string]any(tree)); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}
