package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailconsent/internal/consent/models"
	"mailconsent/internal/users"
)

// MemoryStore keeps consent state in memory. It backs tests and
// database-less demo runs, and mirrors the relational semantics the postgres
// store gets for free: uniqueness on opt-out scopes and SET NULL behavior on
// user deletion (via DetachUser).
type MemoryStore struct {
	mu           sync.RWMutex
	userLookup   UserLookup
	nextID       int64
	sources      map[int64]*models.Source
	translations map[int64]*models.Translation
	records      map[int64]*models.Record
	optOuts      map[int64]*models.OptOut
	campaigns    map[int64]*models.Campaign
}

// NewMemory constructs an empty in-memory consent store.
func NewMemory(userLookup UserLookup) *MemoryStore {
	return &MemoryStore{
		userLookup:   userLookup,
		sources:      make(map[int64]*models.Source),
		translations: make(map[int64]*models.Translation),
		records:      make(map[int64]*models.Record),
		optOuts:      make(map[int64]*models.OptOut),
		campaigns:    make(map[int64]*models.Campaign),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateSource(_ context.Context, source *models.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	source.ID = s.id()
	now := time.Now()
	source.CreatedAt = now
	source.UpdatedAt = now
	cp := *source
	s.sources[source.ID] = &cp
	return nil
}

func (s *MemoryStore) SourceByID(_ context.Context, id int64) (*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *source
	return &cp, nil
}

func (s *MemoryStore) SourceByAutoCreateID(_ context.Context, autoCreateID string) (*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, source := range s.sources {
		if source.AutoCreateID != "" && source.AutoCreateID == autoCreateID {
			cp := *source
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateTranslation(_ context.Context, tr *models.Translation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.translations {
		if existing.SourceID == tr.SourceID && existing.LanguageCode == tr.LanguageCode {
			return errors.New("translation already exists for language")
		}
	}
	tr.ID = s.id()
	cp := *tr
	s.translations[tr.ID] = &cp
	return nil
}

func (s *MemoryStore) TranslationsBySource(_ context.Context, sourceID int64) ([]models.Translation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Translation
	for _, tr := range s.translations {
		if tr.SourceID == sourceID {
			out = append(out, *tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LanguageCode < out[j].LanguageCode })
	return out, nil
}

func (s *MemoryStore) CreateRecord(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[record.SourceID]; !ok {
		return ErrNotFound
	}
	record.ID = s.id()
	now := time.Now()
	record.CreatedAt = now
	record.UpdatedAt = now
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

func (s *MemoryStore) RecordByID(_ context.Context, id int64) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.ID]
	if !ok {
		return ErrNotFound
	}
	// EmailHash is write-once; keep the stored value no matter what the
	// caller passes, like the column list of the SQL UPDATE does.
	cp := *record
	cp.EmailHash = existing.EmailHash
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.records[record.ID] = &cp
	*record = cp
	return nil
}

func (s *MemoryStore) ValidConsent(ctx context.Context, sourceID int64) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, ok := s.sources[sourceID]
	if !ok {
		return nil, ErrNotFound
	}

	var out []*models.Record
	for _, record := range s.records {
		if record.SourceID != sourceID {
			continue
		}
		valid, err := s.recordValidLocked(ctx, record, source)
		if err != nil {
			return nil, err
		}
		if valid {
			cp := *record
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// recordValidLocked evaluates the validity predicate for one record. Callers
// hold at least the read lock.
func (s *MemoryStore) recordValidLocked(ctx context.Context, record *models.Record, source *models.Source) (bool, error) {
	if source.RequiresConfirmedEmail && !record.EmailConfirmed {
		return false, nil
	}

	if source.RequiresActiveUser {
		if record.UserID == nil {
			return false, nil
		}
		user, err := s.userLookup.ByID(ctx, *record.UserID)
		if err != nil {
			if errors.Is(err, users.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if !user.IsActive {
			return false, nil
		}
	}

	for _, optOut := range s.optOuts {
		if optOut.ConsentID != nil && *optOut.ConsentID == record.ID {
			return false, nil
		}
		if optOut.IsEverything {
			if optOut.EmailHash == record.EmailHash {
				return false, nil
			}
			if optOut.UserID != nil && record.UserID != nil && *optOut.UserID == *record.UserID {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *MemoryStore) EnsureOptOut(_ context.Context, optOut *models.OptOut) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.optOuts {
		if optOut.IsEverything {
			if existing.IsEverything && existing.EmailHash == optOut.EmailHash {
				*optOut = *existing
				return false, nil
			}
			continue
		}
		if !existing.IsEverything && existing.ConsentID != nil && *existing.ConsentID == *optOut.ConsentID {
			*optOut = *existing
			return false, nil
		}
	}

	optOut.ID = s.id()
	now := time.Now()
	optOut.CreatedAt = now
	optOut.UpdatedAt = now
	cp := *optOut
	s.optOuts[optOut.ID] = &cp
	return true, nil
}

func (s *MemoryStore) DeleteOptOutsByConsent(_ context.Context, consentID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, optOut := range s.optOuts {
		if optOut.ConsentID != nil && *optOut.ConsentID == consentID {
			delete(s.optOuts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) DeleteEverythingOptOuts(_ context.Context, emailHash uuid.UUID, userID *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, optOut := range s.optOuts {
		if !optOut.IsEverything {
			continue
		}
		if optOut.EmailHash == emailHash ||
			(userID != nil && optOut.UserID != nil && *optOut.UserID == *userID) {
			delete(s.optOuts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CreateCampaign(_ context.Context, campaign *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sourceID := range campaign.SourceIDs {
		if _, ok := s.sources[sourceID]; !ok {
			return ErrNotFound
		}
	}
	campaign.ID = s.id()
	now := time.Now()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now
	cp := *campaign
	cp.SourceIDs = append([]int64{}, campaign.SourceIDs...)
	s.campaigns[campaign.ID] = &cp
	return nil
}

func (s *MemoryStore) CampaignByID(_ context.Context, id int64) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *campaign
	cp.SourceIDs = append([]int64{}, campaign.SourceIDs...)
	return &cp, nil
}

func (s *MemoryStore) CampaignRecipients(ctx context.Context, campaignID int64) ([]*models.Record, error) {
	campaign, err := s.CampaignByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var out []*models.Record
	for _, sourceID := range campaign.SourceIDs {
		records, err := s.ValidConsent(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if seen[record.EmailHash] {
				continue
			}
			seen[record.EmailHash] = true
			out = append(out, record)
		}
	}
	return out, nil
}

// DetachUser nulls the user reference on records and opt-outs, mirroring the
// relational ON DELETE SET NULL. Wire it to users.MemoryStore.OnDelete.
func (s *MemoryStore) DetachUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.UserID != nil && *record.UserID == userID {
			record.UserID = nil
		}
	}
	for _, optOut := range s.optOuts {
		if optOut.UserID != nil && *optOut.UserID == userID {
			optOut.UserID = nil
		}
	}
}

// CountOptOuts reports the number of stored opt-out rows; used by tests to
// assert idempotence.
func (s *MemoryStore) CountOptOuts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.optOuts)
}
