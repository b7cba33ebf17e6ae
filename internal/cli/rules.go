package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/RevCBH/hsenotify/internal/api"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/rules"
)

// NewRulesCmd creates the rules command group
func NewRulesCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and inspect escalation rules",
	}
	cmd.AddCommand(newRulesCheckCmd(a), newRulesMatchCmd(a), newRulesListCmd(a))
	return cmd
}

// newRulesCheckCmd validates a rule file locally without a daemon.
func newRulesCheckCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a rule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"version": rs.Version,
					"rules":   len(rs.Rules),
					"valid":   true,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuleSet(rs))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d rules valid (version %s)\n",
				styles.Done.Render(string(SymbolAcknowledged)), len(rs.Rules), rs.Version)
			return nil
		},
	}
}

// newRulesMatchCmd shows which rule an intent would select.
func newRulesMatchCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "match <file> <module> <kind> <severity>",
		Short: "Show which rule an intent selects",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			sev, err := intent.ParseSeverity(args[3])
			if err != nil {
				return err
			}
			in := intent.New(intent.Module(args[1]), intent.Kind(args[2]), "", time.Now(), sev, nil)
			rule, ok := rs.Select(in)
			if !ok {
				return fmt.Errorf("no rule matches %s/%s at %s", args[1], args[2], sev)
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), rule)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuleSet(&rules.RuleSet{Version: rs.Version, Rules: []rules.Rule{rule}}))
			return nil
		},
	}
}

func newRulesListCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rule sets the daemon has loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			defer c.Close()

			list, err := c.RuleSets(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRuleSets(list, time.Now()))
			return nil
		},
	}
}

func renderRuleSet(rs *rules.RuleSet) string {
	rows := make([][]string, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		match := fmt.Sprintf("%s/%s", r.Match.Module, r.Match.Kind)
		if r.Match.MinSeverity != "" {
			match += " >=" + string(r.Match.MinSeverity)
		}
		ack := "-"
		if r.RequiresAck {
			ack = r.AckTimeout.String()
		}
		rows = append(rows, []string{
			r.ID, match, resolutions(r.Recipients), string(r.InitialPriority),
			fmt.Sprint(len(r.Chain)), ack, fmt.Sprint(r.Precedence),
		})
	}
	return renderTable(
		[]string{"Rule", "Match", "Recipients", "Priority", "Steps", "Ack", "Precedence"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func renderRuleSets(list []api.RuleSet, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, rs := range list {
		rows = append(rows, []string{rs.Version, fmt.Sprint(rs.RuleCount), shortSum(rs.Checksum), formatWhen(rs.LoadedAt, now)})
	}
	return renderTable([]string{"Version", "Rules", "Checksum", "Loaded"}, rows, []columnAlignment{alignLeft, alignRight})
}

func resolutions(rs []rules.Resolution) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}
