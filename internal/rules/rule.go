// Package rules selects the escalation rule for a notification intent and
// resolves who must be told at each step of its chain.
package rules

import (
	"fmt"
	"time"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// Wildcard matches any event kind.
const Wildcard = "*"

// Priority is the urgency a message is delivered with.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityOrder = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.index() >= 0
}

func (p Priority) index() int {
	for i, known := range priorityOrder {
		if p == known {
			return i
		}
	}
	return -1
}

// Raise returns the priority n levels higher, capped at urgent.
func (p Priority) Raise(n int) Priority {
	i := p.index()
	if i < 0 {
		return p
	}
	i += n
	if i >= len(priorityOrder) {
		i = len(priorityOrder) - 1
	}
	return priorityOrder[i]
}

// ResolutionKind selects how a Resolution turns into recipients.
type ResolutionKind string

const (
	// ResolveRole expands to the current members of a role
	ResolveRole ResolutionKind = "role"
	// ResolveUser names one recipient directly
	ResolveUser ResolutionKind = "user"
	// ResolveDynamic runs a named lookup against the intent's subject
	ResolveDynamic ResolutionKind = "dynamic"
)

// Resolution describes a set of recipients to be resolved at evaluation time.
type Resolution struct {
	Kind ResolutionKind `json:"kind"`
	Name string         `json:"name"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Name)
}

// Match is a rule's predicate over intents.
type Match struct {
	Module      intent.Module   `json:"module"`
	Kind        intent.Kind     `json:"kind"`
	MinSeverity intent.Severity `json:"min_severity,omitempty"`
}

// Matches reports whether the intent satisfies the predicate.
func (m Match) Matches(in intent.Intent) bool {
	if m.Module != in.Module {
		return false
	}
	if m.Kind != Wildcard && m.Kind != in.Kind {
		return false
	}
	if m.MinSeverity != "" && !in.Severity.AtLeast(m.MinSeverity) {
		return false
	}
	return true
}

// Specificity ranks predicates: an exact kind beats a wildcard, and a
// severity threshold beats none.
func (m Match) Specificity() int {
	s := 0
	if m.Kind != Wildcard {
		s += 2
	}
	if m.MinSeverity != "" {
		s++
	}
	return s
}

// Step is one stage of an escalation chain.
type Step struct {
	// Delay is how long the previous step waits for acknowledgement
	Delay time.Duration `json:"delay"`

	Recipients []Resolution `json:"recipients"`
}

// Rule is an operator-configured escalation rule.
type Rule struct {
	ID              string        `json:"id"`
	Match           Match         `json:"match"`
	Recipients      []Resolution  `json:"recipients"`
	Template        string        `json:"template"`
	InitialPriority Priority      `json:"priority"`
	Precedence      int           `json:"precedence"`
	Chain           []Step        `json:"chain,omitempty"`
	AckTimeout      time.Duration `json:"ack_timeout,omitempty"`
	RequiresAck     bool          `json:"requires_ack"`

	// order is the rule's position in its file, the last tie-break
	order int
}

// Steps returns the effective chain: the initial recipients at step 0
// followed by the configured escalation steps.
func (r Rule) Steps() []Step {
	steps := make([]Step, 0, len(r.Chain)+1)
	steps = append(steps, Step{Recipients: r.Recipients})
	return append(steps, r.Chain...)
}

// LastStep is the index of the final step of the effective chain.
func (r Rule) LastStep() int {
	return len(r.Chain)
}

// StepTimeout is the acknowledgement window of the given step. The window
// of step k is the delay of step k+1; the final step uses AckTimeout.
// Rules without acknowledgement have no windows.
func (r Rule) StepTimeout(step int) (time.Duration, bool) {
	if !r.RequiresAck || step < 0 || step > r.LastStep() {
		return 0, false
	}
	if step < r.LastStep() {
		return r.Chain[step].Delay, true
	}
	return r.AckTimeout, r.AckTimeout > 0
}

// StepPriority raises the rule's initial priority one level per escalation step.
func (r Rule) StepPriority(step int) Priority {
	return r.InitialPriority.Raise(step)
}

// outranks reports whether r should be chosen over other when both match.
func (r Rule) outranks(other Rule) bool {
	if a, b := r.Match.Specificity(), other.Match.Specificity(); a != b {
		return a > b
	}
	if r.Precedence != other.Precedence {
		return r.Precedence > other.Precedence
	}
	return r.order < other.order
}

// RuleSet is an immutable, versioned collection of rules.
type RuleSet struct {
	Version  string
	Rules    []Rule
	Fallback []Resolution
}

// Select returns the single winning rule for the intent.
func (rs *RuleSet) Select(in intent.Intent) (Rule, bool) {
	var (
		best  Rule
		found bool
	)
	for _, r := range rs.Rules {
		if !r.Match.Matches(in) {
			continue
		}
		if !found || r.outranks(best) {
			best = r
			found = true
		}
	}
	return best, found
}

// Rule looks up a rule by id.
func (rs *RuleSet) Rule(id string) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
