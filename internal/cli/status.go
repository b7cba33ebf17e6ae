package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			h, err := c.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			if a.jsonMode(cmd) {
				if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), renderHealth(h, time.Now()))
			}
			if h.Status != "ok" {
				return fmt.Errorf("daemon is %s", h.Status)
			}
			return nil
		},
	}
}

// NewDeadlinesCmd creates the deadlines command
func NewDeadlinesCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "deadlines",
		Short: "List live compliance deadlines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			list, err := c.Deadlines(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deadlines registered")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderDeadlines(list, time.Now()))
			return nil
		},
	}
}

// NewIntentsCmd creates the intents command, which shows the intent log.
// Filtering on no_rule or unresolved_recipients surfaces configuration gaps.
func NewIntentsCmd(a *App) *cobra.Command {
	var (
		outcome string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "intents",
		Short: "Show the intent log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			list, err := c.Intents(cmd.Context(), outcome, limit)
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No intents recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderIntents(list, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (opened, duplicate, no_rule, unresolved_recipients)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")
	return cmd
}
