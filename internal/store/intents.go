package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/RevCBH/hsenotify/internal/intent"
)

// Outcome is what became of one processed intent.
type Outcome string

const (
	OutcomeOpened               Outcome = "opened"
	OutcomeDuplicate            Outcome = "duplicate"
	OutcomeNoRule               Outcome = "no_rule"
	OutcomeUnresolvedRecipients Outcome = "unresolved_recipients"
	OutcomeFailed               Outcome = "failed"
)

// IntentRecord is one row of the intent log.
type IntentRecord struct {
	ID         int64         `json:"id"`
	Intent     intent.Intent `json:"intent"`
	DedupeKey  string        `json:"dedupe_key"`
	Outcome    Outcome       `json:"outcome"`
	InstanceID string        `json:"instance_id,omitempty"`
	RuleID     string        `json:"rule_id,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// LogIntent appends rec to the intent log.
func (s *Store) LogIntent(ctx context.Context, rec IntentRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	key := rec.DedupeKey
	if key == "" {
		key = rec.Intent.DedupeKey()
	}
	_, err := s.exec(ctx, `
		INSERT INTO intent_log (
			dedupe_key, module, kind, subject_id, severity, occurred_at,
			outcome, instance_id, rule_id, detail, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, rec.Intent.Module, rec.Intent.Kind, rec.Intent.SubjectID, rec.Intent.Severity,
		formatTime(rec.Intent.OccurredAt), rec.Outcome, nullString(rec.InstanceID),
		nullString(rec.RuleID), nullString(rec.Detail), formatTime(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to log intent: %w", err)
	}
	return nil
}

// ListIntents returns the most recent intent log entries, newest first,
// optionally filtered by outcome.
func (s *Store) ListIntents(ctx context.Context, outcome Outcome, limit int) ([]IntentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, dedupe_key, module, kind, subject_id, severity, occurred_at,
		       outcome, instance_id, rule_id, detail, recorded_at
		FROM intent_log`
	args := []any{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, outcome)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer rows.Close()

	var out []IntentRecord
	for rows.Next() {
		var (
			rec                        IntentRecord
			module, kind, subject, sev string
			occurredAt, recordedAt     string
			instanceID, ruleID, detail sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.DedupeKey, &module, &kind, &subject, &sev, &occurredAt,
			&rec.Outcome, &instanceID, &ruleID, &detail, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		occurred, err := parseTime(occurredAt)
		if err != nil {
			return nil, err
		}
		if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		rec.Intent = intent.New(intent.Module(module), intent.Kind(kind), subject, occurred, intent.Severity(sev), nil)
		rec.InstanceID = instanceID.String
		rec.RuleID = ruleID.String
		rec.Detail = detail.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intents: %w", err)
	}
	return out, nil
}

// RuleSetRecord is a published rule file.
type RuleSetRecord struct {
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	Source    string    `json:"-"`
	RuleCount int       `json:"rule_count"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// SaveRuleSet records the rule file source under its version. Saving the
// same content again is a no-op.
func (s *Store) SaveRuleSet(ctx context.Context, version string, source []byte, ruleCount int, at time.Time) (RuleSetRecord, error) {
	sum := sha256.Sum256(source)
	rec := RuleSetRecord{
		Version:   version,
		Checksum:  hex.EncodeToString(sum[:]),
		Source:    string(source),
		RuleCount: ruleCount,
		LoadedAt:  at.UTC(),
	}
	_, err := s.exec(ctx, `
		INSERT OR IGNORE INTO rule_sets (version, checksum, source, rule_count, loaded_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Version, rec.Checksum, rec.Source, rec.RuleCount, formatTime(rec.LoadedAt))
	if err != nil {
		return RuleSetRecord{}, fmt.Errorf("failed to save rule set: %w", err)
	}
	return rec, nil
}

// ListRuleSets returns every recorded rule set, most recent first.
func (s *Store) ListRuleSets(ctx context.Context) ([]RuleSetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, checksum, source, rule_count, loaded_at
		FROM rule_sets
		ORDER BY loaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sets: %w", err)
	}
	defer rows.Close()

	var out []RuleSetRecord
	for rows.Next() {
		var (
			rec      RuleSetRecord
			loadedAt string
		)
		if err := rows.Scan(&rec.Version, &rec.Checksum, &rec.Source, &rec.RuleCount, &loadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		if rec.LoadedAt, err = parseTime(loadedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule sets: %w", err)
	}
	return out, nil
}
