package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RevCBH/hsenotify/internal/escalation"
	"github.com/RevCBH/hsenotify/internal/intent"
	"github.com/RevCBH/hsenotify/internal/rules"
)

const instanceColumns = `
	id, dedupe_key, state, current_step, recipients_json, priority, fallback,
	rule_json, rule_set, intent_json, created_at, last_transition_at,
	ack_due_at, resolved_by, resolved_at`

// CreateInstance inserts inst and its first transition. A dedupe key
// collision returns the existing instance with escalation.ErrDuplicate.
func (s *Store) CreateInstance(ctx context.Context, inst *escalation.Instance, t escalation.Transition) (*escalation.Instance, error) {
	row, err := encodeInstance(inst)
	if err != nil {
		return nil, err
	}

	var inserted bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO instances (
				id, dedupe_key, module, kind, subject_id, state, current_step,
				recipients_json, priority, fallback, rule_id, rule_json, rule_set,
				intent_json, created_at, last_transition_at, ack_due_at,
				resolved_by, resolved_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dedupe_key) DO NOTHING`,
			inst.ID, inst.DedupeKey, inst.Intent.Module, inst.Intent.Kind, inst.Intent.SubjectID,
			inst.State, inst.CurrentStep, row.recipients, inst.Priority, inst.Fallback,
			inst.Rule.ID, row.rule, inst.RuleSet, row.intent,
			formatTime(inst.CreatedAt), formatTime(inst.LastTransitionAt), formatTimePtr(inst.AckDueAt),
			nullString(inst.ResolvedBy), formatTimePtr(inst.ResolvedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert instance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check insert: %w", err)
		}
		if n == 0 {
			inserted = false
			return nil
		}
		inserted = true
		return insertTransitions(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	if !inserted {
		existing, err := s.instanceByDedupeKey(ctx, inst.DedupeKey)
		if err != nil {
			return nil, err
		}
		return existing, escalation.ErrDuplicate
	}
	return inst, nil
}

// GetInstance returns escalation.ErrNotFound for unknown ids.
func (s *Store) GetInstance(ctx context.Context, id string) (*escalation.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escalation.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

func (s *Store) instanceByDedupeKey(ctx context.Context, key string) (*escalation.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE dedupe_key = ?`, key)
	inst, err := scanInstance(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance by dedupe key: %w", err)
	}
	return inst, nil
}

// UpdateInstance writes the mutable fields of inst and appends ts, atomically.
func (s *Store) UpdateInstance(ctx context.Context, inst *escalation.Instance, ts ...escalation.Transition) error {
	recipients, err := json.Marshal(inst.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE instances SET
				state = ?, current_step = ?, recipients_json = ?, priority = ?,
				fallback = ?, last_transition_at = ?, ack_due_at = ?,
				resolved_by = ?, resolved_at = ?
			WHERE id = ?`,
			inst.State, inst.CurrentStep, string(recipients), inst.Priority,
			inst.Fallback, formatTime(inst.LastTransitionAt), formatTimePtr(inst.AckDueAt),
			nullString(inst.ResolvedBy), formatTimePtr(inst.ResolvedAt),
			inst.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", escalation.ErrNotFound, inst.ID)
		}
		return insertTransitions(ctx, tx, ts...)
	})
}

// ListActiveBySubject returns non-terminal instances for the subject, oldest first.
func (s *Store) ListActiveBySubject(ctx context.Context, module intent.Module, subjectID string) ([]*escalation.Instance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE module = ? AND subject_id = ? AND state NOT IN (?, ?, ?)
		ORDER BY created_at, id`,
		module, subjectID,
		escalation.StateAcknowledged, escalation.StateExpired, escalation.StateResolved)
}

// ListDue returns dispatched instances whose acknowledgement window closed at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*escalation.Instance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE state = ? AND ack_due_at IS NOT NULL AND ack_due_at <= ?
		ORDER BY ack_due_at, id`,
		escalation.StateDispatched, formatTime(now))
}

// ListInStates returns instances in any of the given states, oldest first.
func (s *Store) ListInStates(ctx context.Context, states ...escalation.State) ([]*escalation.Instance, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE state IN (`+placeholders+`)
		ORDER BY created_at, id`, args...)
}

// ListInstances returns the most recently created instances, newest first.
func (s *Store) ListInstances(ctx context.Context, limit int) ([]*escalation.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM instances
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]*escalation.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*escalation.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return out, nil
}

// Transitions returns the audit trail of an instance in order.
func (s *Store) Transitions(ctx context.Context, instanceID string) ([]escalation.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, from_state, to_state, step, reason, actor, at
		FROM transitions
		WHERE instance_id = ?
		ORDER BY id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []escalation.Transition
	for rows.Next() {
		var (
			t             escalation.Transition
			reason, actor sql.NullString
			at            string
		)
		if err := rows.Scan(&t.InstanceID, &t.From, &t.To, &t.Step, &reason, &actor, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Reason = reason.String
		t.Actor = actor.String
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

func insertTransitions(ctx context.Context, tx *sql.Tx, ts ...escalation.Transition) error {
	for _, t := range ts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transitions (instance_id, from_state, to_state, step, reason, actor, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.InstanceID, t.From, t.To, t.Step, nullString(t.Reason), nullString(t.Actor), formatTime(t.At))
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}
	return nil
}

type encodedInstance struct {
	recipients string
	rule       string
	intent     string
}

func encodeInstance(inst *escalation.Instance) (encodedInstance, error) {
	recipients, err := json.Marshal(inst.Recipients)
	if err != nil {
		return encodedInstance{}, fmt.Errorf("failed to encode recipients: %w", err)
	}
	rule, err := json.Marshal(inst.Rule)
	if err != nil {
		return encodedInstance{}, fmt.Errorf("failed to encode rule: %w", err)
	}
	in, err := json.Marshal(inst.Intent)
	if err != nil {
		return encodedInstance{}, fmt.Errorf("failed to encode intent: %w", err)
	}
	return encodedInstance{recipients: string(recipients), rule: string(rule), intent: string(in)}, nil
}

func scanInstance(row scanner) (*escalation.Instance, error) {
	var (
		inst                             escalation.Instance
		recipients, ruleJSON, inJSON     string
		createdAt, lastTransitionAt      string
		ackDueAt, resolvedBy, resolvedAt sql.NullString
	)
	err := row.Scan(
		&inst.ID,
		&inst.DedupeKey,
		&inst.State,
		&inst.CurrentStep,
		&recipients,
		&inst.Priority,
		&inst.Fallback,
		&ruleJSON,
		&inst.RuleSet,
		&inJSON,
		&createdAt,
		&lastTransitionAt,
		&ackDueAt,
		&resolvedBy,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(recipients), &inst.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	var rule rules.Rule
	if err := json.Unmarshal([]byte(ruleJSON), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	inst.Rule = rule
	if err := json.Unmarshal([]byte(inJSON), &inst.Intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent: %w", err)
	}
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inst.LastTransitionAt, err = parseTime(lastTransitionAt); err != nil {
		return nil, err
	}
	if inst.AckDueAt, err = parseTimePtr(ackDueAt); err != nil {
		return nil, err
	}
	if inst.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	inst.ResolvedBy = resolvedBy.String
	return &inst, nil
}
