package store

import (
	"context"

	"github.com/google/uuid"

	"mailconsent/internal/consent/models"
	"mailconsent/internal/users"
	dErrors "mailconsent/pkg/domain-errors"
)

// Error Contract:
// - Lookup methods return ErrNotFound when the entity does not exist
// - EnsureOptOut is an atomic insert-if-absent; it never duplicates rows
//   under concurrent identical requests
// - Other failures are wrapped infrastructure errors
var ErrNotFound = dErrors.New(dErrors.CodeNotFound, "record not found")

// UserLookup is the slice of the users store the consent store needs to
// evaluate the active-user requirement.
type UserLookup interface {
	ByID(ctx context.Context, id int64) (*users.User, error)
}

// Store defines the persistence interface for consent state.
type Store interface {
	// Sources
	CreateSource(ctx context.Context, source *models.Source) error
	SourceByID(ctx context.Context, id int64) (*models.Source, error)
	SourceByAutoCreateID(ctx context.Context, autoCreateID string) (*models.Source, error)
	CreateTranslation(ctx context.Context, tr *models.Translation) error
	TranslationsBySource(ctx context.Context, sourceID int64) ([]models.Translation, error)

	// Records
	CreateRecord(ctx context.Context, record *models.Record) error
	RecordByID(ctx context.Context, id int64) (*models.Record, error)
	// UpdateRecord persists confirmation state. It never touches EmailHash;
	// the hash is written once at creation and is immutable afterwards.
	UpdateRecord(ctx context.Context, record *models.Record) error
	// ValidConsent returns the records of a source that currently justify
	// sending email, per the validity predicate, deduplicated by record.
	// It is a single set-filtering query, never a per-record loop.
	ValidConsent(ctx context.Context, sourceID int64) ([]*models.Record, error)

	// Opt-outs. Rows must be normalized (models.OptOut.Normalize) before
	// they reach the store.
	EnsureOptOut(ctx context.Context, optOut *models.OptOut) (created bool, err error)
	DeleteOptOutsByConsent(ctx context.Context, consentID int64) (int64, error)
	DeleteEverythingOptOuts(ctx context.Context, emailHash uuid.UUID, userID *int64) (int64, error)

	// Campaigns
	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	CampaignByID(ctx context.Context, id int64) (*models.Campaign, error)
	// CampaignRecipients unions valid consent across the campaign's sources,
	// deduplicated by email hash so one address gets at most one send.
	CampaignRecipients(ctx context.Context, campaignID int64) ([]*models.Record, error)
}
