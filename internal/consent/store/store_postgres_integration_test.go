//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"mailconsent/internal/consent/identity"
	"mailconsent/internal/consent/models"
	"mailconsent/internal/consent/store"
	"mailconsent/internal/email"
	"mailconsent/internal/users"
	"mailconsent/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	ctx       context.Context
	postgres  *containers.PostgresContainer
	userStore *users.PostgresStore
	store     *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.userStore = users.NewPostgres(s.postgres.DB)
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(s.postgres.TruncateModuleTables(s.ctx))
}

func (s *PostgresStoreSuite) newUser(addr string, active bool) *users.User {
	user := &users.User{
		Username:     users.RandomUsername(),
		Email:        email.Address(addr),
		IsActive:     active,
		PasswordHash: users.UnusablePassword,
	}
	s.Require().NoError(s.userStore.Create(s.ctx, user))
	return user
}

func (s *PostgresStoreSuite) newSource(name string, confirmedEmail, activeUser bool) *models.Source {
	source := &models.Source{
		Name:                   name,
		RequiresConfirmedEmail: confirmedEmail,
		RequiresActiveUser:     activeUser,
	}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))
	return source
}

func (s *PostgresStoreSuite) newRecord(source *models.Source, user *users.User, confirmed bool) *models.Record {
	record := &models.Record{
		SourceID:       source.ID,
		UserID:         &user.ID,
		EmailConfirmed: confirmed,
		EmailHash:      identity.HashEmail(user.Email),
	}
	s.Require().NoError(s.store.CreateRecord(s.ctx, record))
	return record
}

func (s *PostgresStoreSuite) TestValidConsentPredicate() {
	source := s.newSource("announcements", true, true)

	valid := s.newRecord(source, s.newUser("a@x.com", true), true)
	s.newRecord(source, s.newUser("b@x.com", true), false)
	s.newRecord(source, s.newUser("c@x.com", false), true)

	optedOut := s.newRecord(source, s.newUser("d@x.com", true), true)
	scoped := &models.OptOut{UserID: optedOut.UserID, ConsentID: &optedOut.ID, EmailHash: optedOut.EmailHash}
	scoped.Normalize()
	_, err := s.store.EnsureOptOut(s.ctx, scoped)
	s.Require().NoError(err)

	records, err := s.store.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(valid.ID, records[0].ID)
}

func (s *PostgresStoreSuite) TestEnsureOptOutConcurrent() {
	source := s.newSource("newsletter", false, false)
	record := s.newRecord(source, s.newUser("a@x.com", true), true)

	// Concurrent identical opt-outs collapse onto one row through the
	// partial unique index.
	const workers = 8
	created := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			optOut := &models.OptOut{UserID: record.UserID, ConsentID: &record.ID, EmailHash: record.EmailHash}
			optOut.Normalize()
			ok, err := s.store.EnsureOptOut(s.ctx, optOut)
			s.NoError(err)
			created[i] = ok
		}(i)
	}
	wg.Wait()

	var wins int
	for _, ok := range created {
		if ok {
			wins++
		}
	}
	s.Equal(1, wins)

	var count int
	s.Require().NoError(s.postgres.QueryRow(s.ctx, "SELECT count(*) FROM email_optouts").Scan(&count))
	s.Equal(1, count)
}

func (s *PostgresStoreSuite) TestScopeCheckConstraint() {
	source := s.newSource("newsletter", false, false)
	record := s.newRecord(source, s.newUser("a@x.com", true), true)

	// A row claiming both the everything scope and a consent reference is
	// rejected by the schema even if it slips past Validate.
	_, err := s.postgres.Exec(s.ctx, `
		INSERT INTO email_optouts (user_id, consent_id, is_everything, email_hash)
		VALUES ($1, $2, TRUE, $3)
	`, record.UserID, record.ID, record.EmailHash)
	s.Error(err)
}

func (s *PostgresStoreSuite) TestUserDeletionSetsNullAndOptOutSurvives() {
	source := s.newSource("newsletter", false, false)
	user := s.newUser("a@x.com", true)
	record := s.newRecord(source, user, true)

	everything := &models.OptOut{UserID: &user.ID, EmailHash: record.EmailHash}
	everything.Normalize()
	_, err := s.store.EnsureOptOut(s.ctx, everything)
	s.Require().NoError(err)

	s.Require().NoError(s.userStore.Delete(s.ctx, user.ID))

	got, err := s.store.RecordByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Nil(got.UserID)

	records, err := s.store.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Empty(records)
}

func (s *PostgresStoreSuite) TestCampaignRecipientsDeduplicates() {
	newsletter := s.newSource("newsletter", false, false)
	events := s.newSource("events", false, false)

	user := s.newUser("a@x.com", true)
	s.newRecord(newsletter, user, true)
	s.newRecord(events, user, true)
	s.newRecord(events, s.newUser("b@x.com", true), true)

	campaign := &models.Campaign{Name: "spring launch", SourceIDs: []int64{newsletter.ID, events.ID}}
	s.Require().NoError(s.store.CreateCampaign(s.ctx, campaign))

	recipients, err := s.store.CampaignRecipients(s.ctx, campaign.ID)
	s.Require().NoError(err)
	s.Len(recipients, 2)
}
