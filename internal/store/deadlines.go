package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RevCBH/hsenotify/internal/deadline"
	"github.com/RevCBH/hsenotify/internal/intent"
)

const deadlineColumns = `
	id, module, subject_id, kind, due_at, warning_offsets_json, attributes_json,
	created_at, updated_at`

// UpsertDeadline writes d and replaces its fired set.
func (s *Store) UpsertDeadline(ctx context.Context, d *deadline.Deadline) error {
	offsets, err := json.Marshal(d.WarningOffsets)
	if err != nil {
		return fmt.Errorf("failed to encode warning offsets: %w", err)
	}
	var attrs sql.NullString
	if len(d.Attributes) > 0 {
		b, err := json.Marshal(d.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		attrs = sql.NullString{String: string(b), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deadlines (`+deadlineColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				due_at = excluded.due_at,
				warning_offsets_json = excluded.warning_offsets_json,
				attributes_json = excluded.attributes_json,
				updated_at = excluded.updated_at`,
			d.ID, d.Module, d.SubjectID, d.Kind, formatTime(d.DueAt), string(offsets), attrs,
			formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert deadline: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM deadline_fired WHERE deadline_id = ?`, d.ID); err != nil {
			return fmt.Errorf("failed to reset fired offsets: %w", err)
		}
		firedAt := formatTime(d.UpdatedAt)
		for offset, fired := range d.Fired {
			if !fired {
				continue
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO deadline_fired (deadline_id, offset_ns, fired_at) VALUES (?, ?, ?)`,
				d.ID, int64(offset), firedAt)
			if err != nil {
				return fmt.Errorf("failed to record fired offset: %w", err)
			}
		}
		return nil
	})
}

// DeleteDeadline removes the deadline and its fired offsets.
func (s *Store) DeleteDeadline(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM deadlines WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete deadline: %w", err)
	}
	return nil
}

// FindDeadline returns deadline.ErrNotFound when nothing matches.
func (s *Store) FindDeadline(ctx context.Context, module intent.Module, subjectID string, kind deadline.Kind) (*deadline.Deadline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deadlineColumns+` FROM deadlines
		WHERE module = ? AND subject_id = ? AND kind = ?`,
		module, subjectID, kind)
	d, err := scanDeadline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deadline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find deadline: %w", err)
	}
	if err := s.loadFired(ctx, map[string]*deadline.Deadline{d.ID: d}); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDeadlines returns every deadline with its fired offsets, soonest due first.
func (s *Store) ListDeadlines(ctx context.Context) ([]*deadline.Deadline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deadlineColumns+` FROM deadlines ORDER BY due_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deadlines: %w", err)
	}

	var out []*deadline.Deadline
	byID := make(map[string]*deadline.Deadline)
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan deadline: %w", err)
		}
		out = append(out, d)
		byID[d.ID] = d
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating deadlines: %w", err)
	}

	if err := s.loadFired(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkFired records one emitted offset. Marking twice is harmless.
func (s *Store) MarkFired(ctx context.Context, id string, offset time.Duration, at time.Time) error {
	_, err := s.exec(ctx,
		`INSERT OR IGNORE INTO deadline_fired (deadline_id, offset_ns, fired_at) VALUES (?, ?, ?)`,
		id, int64(offset), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to mark offset fired: %w", err)
	}
	return nil
}

// loadFired fills the fired sets of the given deadlines. The caller must
// have closed any open result set first; the pool holds one connection.
func (s *Store) loadFired(ctx context.Context, byID map[string]*deadline.Deadline) error {
	if len(byID) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT deadline_id, offset_ns FROM deadline_fired`)
	if err != nil {
		return fmt.Errorf("failed to load fired offsets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			offset int64
		)
		if err := rows.Scan(&id, &offset); err != nil {
			return fmt.Errorf("failed to scan fired offset: %w", err)
		}
		if d, ok := byID[id]; ok {
			d.Fired[time.Duration(offset)] = true
		}
	}
	return rows.Err()
}

func scanDeadline(row scanner) (*deadline.Deadline, error) {
	var (
		d                    deadline.Deadline
		dueAt, offsets       string
		attrs                sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &d.Module, &d.SubjectID, &d.Kind, &dueAt, &offsets, &attrs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if d.DueAt, err = parseTime(dueAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(offsets), &d.WarningOffsets); err != nil {
		return nil, fmt.Errorf("failed to decode warning offsets: %w", err)
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &d.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	d.Fired = make(map[time.Duration]bool)
	return &d, nil
}
