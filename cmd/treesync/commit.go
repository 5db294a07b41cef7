package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"treesync/internal/modules"
)

type commitOptions struct {
	Kind    string
	Module  string
	Value   string
	Timeout time.Duration
}

func NewCommitCommand(root *RootOptions) *cobra.Command {
	opts := &commitOptions{}

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Join as a replica, commit one mutation and exit",
		Example: `  treesync commit --module audio --value '{volume: 40}'
  treesync commit --kind PATCH_STATE --module audio --value '{muted: true}'
  treesync commit --kind DELETE_STATE --module scene`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Module == "" {
				return fmt.Errorf("--module is required")
			}
			payload, err := opts.payload()
			if err != nil {
				return err
			}

			provider, err := root.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			r, cleanup, err := startReplica(ctx, provider)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := r.Store().Commit(opts.Kind, payload); err != nil {
				return err
			}
			if err := r.Flush(ctx); err != nil {
				return err
			}
			slog.Info("commit sent", "kind", opts.Kind, "module", opts.Module)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", modules.KindSet, "mutation kind")
	cmd.Flags().StringVar(&opts.Module, "module", "", "top-level module to change")
	cmd.Flags().StringVar(&opts.Value, "value", "", "YAML value (SET_STATE) or mapping (PATCH_STATE)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func (o *commitOptions) payload() (map[string]any, error) {
	switch o.Kind {
	case modules.KindDelete:
		return modules.DeletePayload(o.Module), nil

	case modules.KindPatch:
		var patch map[string]any
		if err := yaml.Unmarshal([]byte(o.Value), &patch); err != nil {
			return nil, fmt.Errorf("parse --value: %w", err)
		}
		if patch == nil {
			return nil, fmt.Errorf("--value must be a mapping for %s", o.Kind)
		}
		return modules.PatchPayload(o.Module, patch), nil

	default:
		var value any
		if err := yaml.Unmarshal([]byte(o.Value), &value); err != nil {
			return nil, fmt.Errorf("parse --value: %w", err)
		}
		return modules.SetPayload(o.Module, value), nil
	}
}
