package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/store"
)

var stateFormat string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and maintain preserved workflow state",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a preserved state entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPreserver(cmd.Context(), cfg, func(p *store.Preserver) error {
			st, err := p.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if st == nil {
				return eris.Errorf("state %q not found", args[0])
			}
			return writeOutput(cmd.OutOrStdout(), stateFormat, st)
		})
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "Remove a preserved state entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPreserver(cmd.Context(), cfg, func(p *store.Preserver) error {
			if err := p.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		})
	},
}

var stateSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired state entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPreserver(cmd.Context(), cfg, func(p *store.Preserver) error {
			n, err := p.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return nil
		})
	},
}

// withPreserver opens the configured store for the duration of fn.
func withPreserver(ctx context.Context, c *config.Config, fn func(p *store.Preserver) error) error {
	if err := c.Validate("state"); err != nil {
		return err
	}
	st, p, err := openPreserver(ctx, c, nil)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	return fn(p)
}

func init() {
	stateGetCmd.Flags().StringVar(&stateFormat, "format", "json", "output format: json or yaml")
	stateCmd.AddCommand(stateGetCmd, stateClearCmd, stateSweepCmd)
	rootCmd.AddCommand(stateCmd)
}
