package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore persists the proof-of-consent trail. Rows are append-only;
// nothing in the application updates or deletes them.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	query := `
		INSERT INTO consent_audit_events (record_id, email_hash, action, ip_prefix, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var recordID sql.NullInt64
	if event.RecordID != nil {
		recordID = sql.NullInt64{Int64: *event.RecordID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, query,
		recordID,
		event.EmailHash,
		string(event.Action),
		event.IPPrefix,
		event.UserAgent,
		event.OccurredAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByEmailHash(ctx context.Context, emailHash uuid.UUID) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, email_hash, action, ip_prefix, user_agent, occurred_at
		FROM consent_audit_events
		WHERE email_hash = $1
		ORDER BY id
	`, emailHash)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var event Event
		var recordID sql.NullInt64
		var action string
		if err := rows.Scan(&event.ID, &recordID, &event.EmailHash, &action, &event.IPPrefix, &event.UserAgent, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if recordID.Valid {
			event.RecordID = &recordID.Int64
		}
		event.Action = Action(action)
		out = append(out, event)
	}
	return out, rows.Err()
}
