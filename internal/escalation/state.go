// Package escalation runs the per-obligation state machine: one instance per
// deduplicated intent, advancing through its rule's chain until someone
// acknowledges, the chain runs out or the condition clears.
package escalation

import (
	"errors"
	"fmt"
	"time"

	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/rules"
)

var (
	// ErrDuplicate means an instance with the same dedupe key already exists.
	// It is a normal outcome, not a failure.
	ErrDuplicate = errors.New("duplicate obligation")

	// ErrNotFound means no instance has the requested id.
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidTransition means the requested change is not allowed from the
	// instance's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State represents an instance's lifecycle state
type State string

const (
	StatePending      State = "pending"
	StateDispatched   State = "dispatched"
	StateAcknowledged State = "acknowledged" // Terminal: someone took ownership
	StateEscalated    State = "escalated"
	StateExpired      State = "expired"  // Terminal: chain exhausted without acknowledgement
	StateResolved     State = "resolved" // Terminal: condition cleared externally
)

// ValidTransitions defines allowed state transitions
// pending -> dispatched -> acknowledged | escalated -> dispatched (next step) | expired,
// and any non-terminal state -> resolved
var ValidTransitions = map[State][]State{
	StatePending:      {StateDispatched, StateResolved},
	StateDispatched:   {StateAcknowledged, StateEscalated, StateResolved},
	StateEscalated:    {StateDispatched, StateExpired, StateResolved},
	StateAcknowledged: {},
	StateExpired:      {},
	StateResolved:     {},
}

// IsTerminal returns true if the state is a final state
func (s State) IsTerminal() bool {
	return s == StateAcknowledged || s == StateExpired || s == StateResolved
}

// CanTransition checks if a transition from -> to is valid
func CanTransition(from, to State) bool {
	validTargets, exists := ValidTransitions[from]
	if !exists {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Instance is one escalation obligation. Other components refer to it by ID.
type Instance struct {
	ID        string
	DedupeKey string
	Intent    intent.Intent
	Rule      rules.Rule
	RuleSet   string

	State       State
	CurrentStep int

	// Recipients and Priority are those of the current step
	Recipients []string
	Priority   rules.Priority
	Fallback   bool

	CreatedAt        time.Time
	LastTransitionAt time.Time

	// AckDueAt is when the current step's acknowledgement window closes;
	// nil when no timer is running.
	AckDueAt *time.Time

	ResolvedBy string
	ResolvedAt *time.Time
}

// Transition is the audit record of one state change.
type Transition struct {
	InstanceID string    `json:"instance_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Step       int       `json:"step"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// transition moves inst to the target state and returns the audit record.
func (inst *Instance) transition(to State, reason, actor string, at time.Time) (Transition, error) {
	if !CanTransition(inst.State, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.State, to)
	}
	t := Transition{
		InstanceID: inst.ID,
		From:       inst.State,
		To:         to,
		Step:       inst.CurrentStep,
		Reason:     reason,
		Actor:      actor,
		At:         at,
	}
	inst.State = to
	inst.LastTransitionAt = at
	if to.IsTerminal() {
		inst.AckDueAt = nil
		inst.ResolvedAt = &at
		inst.ResolvedBy = actor
	}
	return t, nil
}
