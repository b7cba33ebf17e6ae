package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/RevCBH/hsenotify/internal/dispatch"
)

// RecordAttempt appends one delivery attempt.
func (s *Store) RecordAttempt(ctx context.Context, a dispatch.Attempt) error {
	_, err := s.exec(ctx, `
		INSERT INTO dispatch_attempts (id, instance_id, step, attempt_number, channel, sent_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, a.Step, a.AttemptNumber, a.Channel, formatTime(a.SentAt), a.Result, nullString(a.Error))
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Attempts returns the attempts for one step of an instance, in order.
func (s *Store) Attempts(ctx context.Context, instanceID string, step int) ([]dispatch.Attempt, error) {
	return s.queryAttempts(ctx, `
		SELECT id, instance_id, step, attempt_number, channel, sent_at, result, error
		FROM dispatch_attempts
		WHERE instance_id = ? AND step = ?
		ORDER BY attempt_number, sent_at`, instanceID, step)
}

// AllAttempts returns every attempt for an instance across all steps.
func (s *Store) AllAttempts(ctx context.Context, instanceID string) ([]dispatch.Attempt, error) {
	return s.queryAttempts(ctx, `
		SELECT id, instance_id, step, attempt_number, channel, sent_at, result, error
		FROM dispatch_attempts
		WHERE instance_id = ?
		ORDER BY step, attempt_number, sent_at`, instanceID)
}

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]dispatch.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Attempt
	for rows.Next() {
		var (
			a      dispatch.Attempt
			sentAt string
			errMsg sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.Step, &a.AttemptNumber, &a.Channel, &sentAt, &a.Result, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if a.SentAt, err = parseTime(sentAt); err != nil {
			return nil, err
		}
		a.Error = errMsg.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return out, nil
}
