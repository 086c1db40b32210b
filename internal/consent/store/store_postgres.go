package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mailconsent/internal/consent/models"
)

// PostgresStore persists consent state in PostgreSQL. Referential integrity
// does the heavy lifting: records cascade with their source, user references
// are nulled by ON DELETE SET NULL, and opt-out uniqueness is enforced by
// partial unique indexes so EnsureOptOut stays race-free.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed consent store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `r.id, r.source_id, r.user_id, r.email_confirmation_requested_at, r.email_confirmed, r.email_hash, r.created_at, r.updated_at`

func (s *PostgresStore) CreateSource(ctx context.Context, source *models.Source) error {
	query := `
		INSERT INTO consent_sources (source_name, definition, requires_confirmed_email, requires_active_user, auto_create_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), now(), now())
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		source.Name,
		source.Definition,
		source.RequiresConfirmedEmail,
		source.RequiresActiveUser,
		source.AutoCreateID,
	).Scan(&source.ID, &source.CreatedAt, &source.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (s *PostgresStore) SourceByID(ctx context.Context, id int64) (*models.Source, error) {
	return scanSource(s.db.QueryRowContext(ctx, `
		SELECT id, source_name, definition, requires_confirmed_email, requires_active_user, auto_create_id, created_at, updated_at
		FROM consent_sources WHERE id = $1
	`, id))
}

func (s *PostgresStore) SourceByAutoCreateID(ctx context.Context, autoCreateID string) (*models.Source, error) {
	return scanSource(s.db.QueryRowContext(ctx, `
		SELECT id, source_name, definition, requires_confirmed_email, requires_active_user, auto_create_id, created_at, updated_at
		FROM consent_sources WHERE auto_create_id = $1
	`, autoCreateID))
}

func (s *PostgresStore) CreateTranslation(ctx context.Context, tr *models.Translation) error {
	query := `
		INSERT INTO consent_source_translations (source_id, language_code, source_name, definition)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query, tr.SourceID, tr.LanguageCode, tr.Name, tr.Definition).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("create translation: %w", err)
	}
	return nil
}

func (s *PostgresStore) TranslationsBySource(ctx context.Context, sourceID int64) ([]models.Translation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, language_code, source_name, definition
		FROM consent_source_translations
		WHERE source_id = $1
		ORDER BY language_code
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list translations: %w", err)
	}
	defer rows.Close()

	var out []models.Translation
	for rows.Next() {
		var tr models.Translation
		if err := rows.Scan(&tr.ID, &tr.SourceID, &tr.LanguageCode, &tr.Name, &tr.Definition); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRecord(ctx context.Context, record *models.Record) error {
	query := `
		INSERT INTO consent_records (source_id, user_id, email_confirmation_requested_at, email_confirmed, email_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		record.SourceID,
		record.UserID,
		record.EmailConfirmationRequestedAt,
		record.EmailConfirmed,
		record.EmailHash,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordByID(ctx context.Context, id int64) (*models.Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM consent_records r WHERE r.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	return record, nil
}

// UpdateRecord persists confirmation state. email_hash is deliberately
// absent from the column list; it is immutable after the insert.
func (s *PostgresStore) UpdateRecord(ctx context.Context, record *models.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consent_records
		SET email_confirmation_requested_at = $2, email_confirmed = $3, updated_at = now()
		WHERE id = $1
	`, record.ID, record.EmailConfirmationRequestedAt, record.EmailConfirmed)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record rows: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// validConsentWhere is the validity predicate shared by ValidConsent and
// CampaignRecipients. A record counts iff confirmation and active-user
// requirements are met and no opt-out touches it: a scoped opt-out pointing
// at the record, or an everything opt-out matched by user or by email hash
// (the hash match keeps opt-outs effective after the user row is deleted).
const validConsentWhere = `
	  (NOT s.requires_confirmed_email OR r.email_confirmed)
	AND (NOT s.requires_active_user OR COALESCE(u.is_active, FALSE))
	AND NOT EXISTS (
		SELECT 1 FROM email_optouts o
		WHERE o.consent_id = r.id
		   OR (o.is_everything AND (o.email_hash = r.email_hash OR o.user_id = r.user_id))
	)
`

func (s *PostgresStore) ValidConsent(ctx context.Context, sourceID int64) ([]*models.Record, error) {
	query := `
		SELECT DISTINCT ` + recordColumns + `
		FROM consent_records r
		JOIN consent_sources s ON s.id = r.source_id
		LEFT JOIN users u ON u.id = r.user_id
		WHERE r.source_id = $1 AND ` + validConsentWhere + `
		ORDER BY r.id
	`
	return s.queryRecords(ctx, query, sourceID)
}

func (s *PostgresStore) EnsureOptOut(ctx context.Context, optOut *models.OptOut) (bool, error) {
	var query string
	if optOut.IsEverything {
		query = `
			INSERT INTO email_optouts (user_id, consent_id, is_everything, email_hash, created_at, updated_at)
			VALUES ($1, NULL, TRUE, $2, now(), now())
			ON CONFLICT (email_hash) WHERE is_everything DO NOTHING
			RETURNING id, created_at, updated_at
		`
		err := s.db.QueryRowContext(ctx, query, optOut.UserID, optOut.EmailHash).
			Scan(&optOut.ID, &optOut.CreatedAt, &optOut.UpdatedAt)
		return s.ensureResult(ctx, optOut, err)
	}

	query = `
		INSERT INTO email_optouts (user_id, consent_id, is_everything, email_hash, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, now(), now())
		ON CONFLICT (consent_id) WHERE NOT is_everything DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, optOut.UserID, optOut.ConsentID, optOut.EmailHash).
		Scan(&optOut.ID, &optOut.CreatedAt, &optOut.UpdatedAt)
	return s.ensureResult(ctx, optOut, err)
}

// ensureResult resolves the insert-if-absent outcome: a row means created,
// ErrNoRows means a concurrent or earlier request already has the row.
func (s *PostgresStore) ensureResult(ctx context.Context, optOut *models.OptOut, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("ensure opt-out: %w", err)
	}

	var row *sql.Row
	if optOut.IsEverything {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, created_at, updated_at FROM email_optouts
			WHERE is_everything AND email_hash = $1
		`, optOut.EmailHash)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, created_at, updated_at FROM email_optouts
			WHERE NOT is_everything AND consent_id = $1
		`, optOut.ConsentID)
	}
	if err := row.Scan(&optOut.ID, &optOut.CreatedAt, &optOut.UpdatedAt); err != nil {
		return false, fmt.Errorf("find existing opt-out: %w", err)
	}
	return false, nil
}

func (s *PostgresStore) DeleteOptOutsByConsent(ctx context.Context, consentID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM email_optouts WHERE consent_id = $1`, consentID)
	if err != nil {
		return 0, fmt.Errorf("delete opt-outs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeleteEverythingOptOuts(ctx context.Context, emailHash uuid.UUID, userID *int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM email_optouts
		WHERE is_everything AND (email_hash = $1 OR ($2::bigint IS NOT NULL AND user_id = $2))
	`, emailHash, userID)
	if err != nil {
		return 0, fmt.Errorf("delete everything opt-outs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create campaign: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO email_campaigns (name, created_at, updated_at)
		VALUES ($1, now(), now())
		RETURNING id, created_at, updated_at
	`, campaign.Name).Scan(&campaign.ID, &campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}

	for _, sourceID := range campaign.SourceIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO email_campaign_sources (campaign_id, source_id) VALUES ($1, $2)
		`, campaign.ID, sourceID); err != nil {
			return fmt.Errorf("associate campaign source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create campaign: %w", err)
	}
	return nil
}

func (s *PostgresStore) CampaignByID(ctx context.Context, id int64) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at FROM email_campaigns WHERE id = $1
	`, id).Scan(&campaign.ID, &campaign.Name, &campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find campaign: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id FROM email_campaign_sources WHERE campaign_id = $1 ORDER BY source_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list campaign sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sourceID int64
		if err := rows.Scan(&sourceID); err != nil {
			return nil, fmt.Errorf("scan campaign source: %w", err)
		}
		campaign.SourceIDs = append(campaign.SourceIDs, sourceID)
	}
	return &campaign, rows.Err()
}

func (s *PostgresStore) CampaignRecipients(ctx context.Context, campaignID int64) ([]*models.Record, error) {
	query := `
		SELECT DISTINCT ON (r.email_hash) ` + recordColumns + `
		FROM consent_records r
		JOIN email_campaign_sources cs ON cs.source_id = r.source_id AND cs.campaign_id = $1
		JOIN consent_sources s ON s.id = r.source_id
		LEFT JOIN users u ON u.id = r.user_id
		WHERE ` + validConsentWhere + `
		ORDER BY r.email_hash, r.id
	`
	return s.queryRecords(ctx, query, campaignID)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var record models.Record
	var userID sql.NullInt64
	var requestedAt sql.NullTime
	if err := row.Scan(
		&record.ID,
		&record.SourceID,
		&userID,
		&requestedAt,
		&record.EmailConfirmed,
		&record.EmailHash,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if userID.Valid {
		record.UserID = &userID.Int64
	}
	if requestedAt.Valid {
		record.EmailConfirmationRequestedAt = &requestedAt.Time
	}
	return &record, nil
}

func scanSource(row *sql.Row) (*models.Source, error) {
	var source models.Source
	var autoCreateID sql.NullString
	err := row.Scan(
		&source.ID,
		&source.Name,
		&source.Definition,
		&source.RequiresConfirmedEmail,
		&source.RequiresActiveUser,
		&autoCreateID,
		&source.CreatedAt,
		&source.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	source.AutoCreateID = autoCreateID.String
	return &source, nil
}
