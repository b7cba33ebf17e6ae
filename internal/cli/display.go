package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/RevCBH/hsenotify/internal/api"
)

// StateSymbol marks an escalation state in listings
type StateSymbol string

const (
	SymbolPending      StateSymbol = "○"
	SymbolDispatched   StateSymbol = "●"
	SymbolEscalated    StateSymbol = "↑"
	SymbolAcknowledged StateSymbol = "✓"
	SymbolResolved     StateSymbol = "✓"
	SymbolExpired      StateSymbol = "✗"
)

// Styles holds the lipgloss styles used for terminal output
type Styles struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Active  lipgloss.Style
	Warning lipgloss.Style
	Done    lipgloss.Style
	Failed  lipgloss.Style
}

// DefaultStyles returns the default terminal styles
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Active:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
		Done:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

var styles = DefaultStyles()

// GetStateSymbol returns the symbol for an escalation state
func GetStateSymbol(state string) StateSymbol {
	switch state {
	case "dispatched":
		return SymbolDispatched
	case "escalated":
		return SymbolEscalated
	case "acknowledged":
		return SymbolAcknowledged
	case "resolved":
		return SymbolResolved
	case "expired":
		return SymbolExpired
	default:
		return SymbolPending
	}
}

// FormatState renders a state with its symbol and color
func FormatState(state string) string {
	label := fmt.Sprintf("%s %s", GetStateSymbol(state), state)
	switch state {
	case "dispatched", "pending":
		return styles.Active.Render(label)
	case "escalated":
		return styles.Warning.Render(label)
	case "acknowledged", "resolved":
		return styles.Done.Render(label)
	case "expired":
		return styles.Failed.Render(label)
	default:
		return label
	}
}

// RenderChainProgress renders how far an instance has climbed its chain
func RenderChainProgress(step, lastStep, width int) string {
	if lastStep <= 0 {
		return fmt.Sprintf("[%s] step %d/%d", strings.Repeat("█", width), step, lastStep)
	}
	if step < 0 {
		step = 0
	}
	if step > lastStep {
		step = lastStep
	}
	filled := step * width / lastStep
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s] step %d/%d", bar, step, lastStep)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// writeJSON encodes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatWhen renders an API timestamp in local time, relative to now.
func formatWhen(v string, now time.Time) string {
	if v == "" {
		return "-"
	}
	t, err := api.ParseTime(v)
	if err != nil {
		return v
	}
	d := t.Sub(now)
	rel := "now"
	switch {
	case d > time.Minute:
		rel = "in " + humanDuration(d)
	case d < -time.Minute:
		rel = humanDuration(-d) + " ago"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04"), rel)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%dd", v)
	}
	return orDash(strings.Join(parts, ","))
}

func renderInstances(list []api.Instance, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, inst := range list {
		rows = append(rows, []string{
			inst.ID,
			FormatState(inst.State),
			inst.Module + "/" + inst.Kind,
			inst.SubjectID,
			inst.Severity,
			fmt.Sprintf("%d/%d", inst.CurrentStep, inst.LastStep),
			strings.Join(inst.Recipients, ","),
			formatWhen(inst.AckDueAt, now),
		})
	}
	return renderTable(
		[]string{"ID", "State", "Kind", "Subject", "Severity", "Step", "Recipients", "Ack due"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderDetail(d *api.InstanceDetail, now time.Time) string {
	inst := d.Instance
	var b strings.Builder
	b.WriteString(styles.Title.Render(inst.ID))
	b.WriteString("\n")
	fmt.Fprintf(&b, "State:      %s\n", FormatState(inst.State))
	fmt.Fprintf(&b, "Rule:       %s (rule set %s)\n", inst.RuleID, inst.RuleSet)
	fmt.Fprintf(&b, "Intent:     %s/%s %s [%s]\n", inst.Module, inst.Kind, inst.SubjectID, inst.Severity)
	fmt.Fprintf(&b, "Chain:      %s\n", RenderChainProgress(inst.CurrentStep, inst.LastStep, 10))
	fmt.Fprintf(&b, "Recipients: %s", strings.Join(inst.Recipients, ", "))
	if inst.Fallback {
		b.WriteString(styles.Warning.Render(" (fallback)"))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Priority:   %s\n", inst.Priority)
	fmt.Fprintf(&b, "Ack due:    %s\n", formatWhen(inst.AckDueAt, now))
	if inst.ResolvedBy != "" {
		fmt.Fprintf(&b, "Closed by:  %s at %s\n", inst.ResolvedBy, formatWhen(inst.ResolvedAt, now))
	}

	rows := make([][]string, 0, len(d.Transitions))
	for _, t := range d.Transitions {
		rows = append(rows, []string{formatWhen(t.At, now), orDash(t.From), t.To, fmt.Sprint(t.Step), orDash(t.Actor), orDash(t.Reason)})
	}
	b.WriteString("\n")
	b.WriteString(renderTable([]string{"At", "From", "To", "Step", "Actor", "Reason"}, rows, nil))

	if len(d.Attempts) > 0 {
		rows = rows[:0]
		for _, a := range d.Attempts {
			rows = append(rows, []string{formatWhen(a.SentAt, now), fmt.Sprint(a.Step), fmt.Sprint(a.AttemptNumber), a.Channel, a.Result, orDash(a.Error)})
		}
		b.WriteString("\n")
		b.WriteString(renderTable([]string{"Sent", "Step", "Attempt", "Channel", "Result", "Error"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight}))
	}
	b.WriteString("\n")
	return b.String()
}

func renderDeadlines(list []api.Deadline, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		rows = append(rows, []string{
			d.Module, d.Kind, d.SubjectID,
			formatWhen(d.DueAt, now),
			joinInts(d.WarningDays),
			joinInts(d.FiredDays),
			formatWhen(d.NextTrigger, now),
		})
	}
	return renderTable([]string{"Module", "Kind", "Subject", "Due", "Warnings", "Fired", "Next"}, rows, nil)
}

func renderIntents(list []api.IntentRecord, now time.Time) string {
	rows := make([][]string, 0, len(list))
	for _, rec := range list {
		outcome := rec.Outcome
		if outcome != "opened" && outcome != "duplicate" {
			outcome = styles.Warning.Render(outcome)
		}
		rows = append(rows, []string{
			fmt.Sprint(rec.ID),
			formatWhen(rec.RecordedAt, now),
			rec.Module + "/" + rec.Kind,
			rec.SubjectID,
			rec.Severity,
			outcome,
			orDash(rec.InstanceID),
			orDash(rec.Detail),
		})
	}
	return renderTable(
		[]string{"#", "Recorded", "Kind", "Subject", "Severity", "Outcome", "Instance", "Detail"},
		rows,
		[]columnAlignment{alignRight},
	)
}

func renderIngest(resp *api.IngestResponse) string {
	rows := make([][]string, 0, len(resp.Results))
	for i, r := range resp.Results {
		result := orDash(r.Outcome)
		if r.Error != "" {
			result = styles.Failed.Render("error: " + r.Error)
		}
		target := r.InstanceID
		if target == "" {
			target = r.DeadlineID
		}
		if r.Resolved > 0 {
			target = fmt.Sprintf("%d resolved", r.Resolved)
		}
		rows = append(rows, []string{fmt.Sprint(i + 1), r.Type, orDash(r.Action), result, orDash(target)})
	}
	return renderTable([]string{"#", "Type", "Action", "Result", "Target"}, rows, []columnAlignment{alignRight})
}

func renderHealth(h *api.Health, now time.Time) string {
	status := styles.Done.Render(h.Status)
	if h.Status != "ok" {
		status = styles.Failed.Render(h.Status)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Status:     %s\n", status)
	fmt.Fprintf(&b, "Version:    %s\n", h.Version)
	fmt.Fprintf(&b, "Started:    %s\n", formatWhen(h.StartedAt, now))
	fmt.Fprintf(&b, "Last tick:  %s\n", formatWhen(h.LastTick, now))
	fmt.Fprintf(&b, "Queue:      %d waiting\n", h.QueueDepth)
	fmt.Fprintf(&b, "Channel:    %s\n", h.Channel)
	fmt.Fprintf(&b, "Rule set:   %s (%d rules, %s)\n", h.RuleSet.Version, h.RuleSet.RuleCount, shortSum(h.RuleSet.Checksum))
	return b.String()
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return orDash(sum)
}
