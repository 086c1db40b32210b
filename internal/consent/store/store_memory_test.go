package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"mailconsent/internal/consent/identity"
	"mailconsent/internal/consent/models"
	"mailconsent/internal/email"
	"mailconsent/internal/users"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx       context.Context
	userStore *users.MemoryStore
	store     *MemoryStore
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.userStore = users.NewMemoryStore()
	s.store = NewMemory(s.userStore)
	s.userStore.OnDelete = s.store.DetachUser
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) newUser(addr string, active bool) *users.User {
	user := &users.User{
		Username:     users.RandomUsername(),
		Email:        email.Address(addr),
		IsActive:     active,
		PasswordHash: users.UnusablePassword,
	}
	s.Require().NoError(s.userStore.Create(s.ctx, user))
	return user
}

func (s *MemoryStoreSuite) newRecord(source *models.Source, user *users.User, confirmed bool) *models.Record {
	record := &models.Record{
		SourceID:       source.ID,
		UserID:         &user.ID,
		EmailConfirmed: confirmed,
		EmailHash:      identity.HashEmail(user.Email),
	}
	s.Require().NoError(s.store.CreateRecord(s.ctx, record))
	return record
}

func (s *MemoryStoreSuite) TestEnsureOptOutIdempotent() {
	source := &models.Source{Name: "newsletter"}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))
	user := s.newUser("a@x.com", true)
	record := s.newRecord(source, user, true)

	scoped := func() *models.OptOut {
		o := &models.OptOut{UserID: record.UserID, ConsentID: &record.ID, EmailHash: record.EmailHash}
		o.Normalize()
		return o
	}

	created, err := s.store.EnsureOptOut(s.ctx, scoped())
	s.Require().NoError(err)
	s.True(created)

	created, err = s.store.EnsureOptOut(s.ctx, scoped())
	s.Require().NoError(err)
	s.False(created)
	s.Equal(1, s.store.CountOptOuts())
}

func (s *MemoryStoreSuite) TestValidConsentPredicate() {
	source := &models.Source{Name: "announcements", RequiresConfirmedEmail: true, RequiresActiveUser: true}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))

	activeConfirmed := s.newRecord(source, s.newUser("a@x.com", true), true)
	s.newRecord(source, s.newUser("b@x.com", true), false)  // unconfirmed
	s.newRecord(source, s.newUser("c@x.com", false), true)  // inactive user

	valid, err := s.store.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Require().Len(valid, 1)
	s.Equal(activeConfirmed.ID, valid[0].ID)
}

func (s *MemoryStoreSuite) TestValidConsentIgnoresRequirementsWhenFlagsOff() {
	source := &models.Source{Name: "newsletter"}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))

	// Unconfirmed record of an inactive user still counts: the source does
	// not require confirmation or an active account.
	s.newRecord(source, s.newUser("a@x.com", false), false)

	valid, err := s.store.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Len(valid, 1)
}

func (s *MemoryStoreSuite) TestEverythingOptOutSurvivesUserDeletion() {
	source := &models.Source{Name: "newsletter"}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))
	user := s.newUser("a@x.com", true)
	record := s.newRecord(source, user, true)

	everything := &models.OptOut{UserID: &user.ID, EmailHash: record.EmailHash}
	everything.Normalize()
	_, err := s.store.EnsureOptOut(s.ctx, everything)
	s.Require().NoError(err)

	// Deleting the user nulls references but the opt-out keeps matching the
	// record through the email hash.
	s.Require().NoError(s.userStore.Delete(s.ctx, user.ID))

	got, err := s.store.RecordByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Nil(got.UserID)

	valid, err := s.store.ValidConsent(s.ctx, source.ID)
	s.Require().NoError(err)
	s.Empty(valid)
}

func (s *MemoryStoreSuite) TestUpdateRecordNeverRewritesEmailHash() {
	source := &models.Source{Name: "newsletter"}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))
	user := s.newUser("a@x.com", true)
	record := s.newRecord(source, user, false)
	originalHash := record.EmailHash

	record.EmailConfirmed = true
	record.EmailHash = identity.HashEmail(email.Address("other@x.com"))
	s.Require().NoError(s.store.UpdateRecord(s.ctx, record))

	got, err := s.store.RecordByID(s.ctx, record.ID)
	s.Require().NoError(err)
	s.True(got.EmailConfirmed)
	s.Equal(originalHash, got.EmailHash)
}

func (s *MemoryStoreSuite) TestCampaignRecipientsDeduplicatesByEmailHash() {
	newsletter := &models.Source{Name: "newsletter"}
	events := &models.Source{Name: "events"}
	s.Require().NoError(s.store.CreateSource(s.ctx, newsletter))
	s.Require().NoError(s.store.CreateSource(s.ctx, events))

	user := s.newUser("a@x.com", true)
	s.newRecord(newsletter, user, true)
	s.newRecord(events, user, true)
	other := s.newUser("b@x.com", true)
	s.newRecord(events, other, true)

	campaign := &models.Campaign{Name: "spring launch", SourceIDs: []int64{newsletter.ID, events.ID}}
	s.Require().NoError(s.store.CreateCampaign(s.ctx, campaign))

	recipients, err := s.store.CampaignRecipients(s.ctx, campaign.ID)
	s.Require().NoError(err)
	s.Len(recipients, 2)
}
