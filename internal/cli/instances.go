package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewAckCmd creates the ack command
func NewAckCmd(a *App) *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "ack <instance-id>",
		Short: "Acknowledge an escalation instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(by) == "" {
				return fmt.Errorf("--by is required")
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			inst, err := c.Acknowledge(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), inst)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", inst.ID, FormatState(inst.State))
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "Who is taking ownership")
	return cmd
}

// NewClearCmd creates the clear command
func NewClearCmd(a *App) *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "clear <module> <subject-id>",
		Short: "Resolve every open instance for a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resolved, err := c.Clear(cmd.Context(), args[0], args[1], by)
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string][]string{"resolved": resolved})
			}
			if len(resolved) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing open for", args[1])
				return nil
			}
			for _, id := range resolved {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, FormatState("resolved"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&by, "by", "", "Who cleared the condition (default \"api\")")
	return cmd
}

// NewInstancesCmd creates the instances command
func NewInstancesCmd(a *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"ls"},
		Short:   "List recent escalation instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			list, err := c.Instances(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No escalation instances")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderInstances(list, time.Now()))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of instances")
	return cmd
}

// NewShowCmd creates the show command, which prints one instance with its
// transitions and delivery attempts.
func NewShowCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			detail, err := c.Instance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), detail)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderDetail(detail, time.Now()))
			return nil
		},
	}
}
