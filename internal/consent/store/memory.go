package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"consentline/internal/consent/models"
	"consentline/pkg/platform/sentinel"
)

// InMemoryStore keeps every version in maps. Returned artifacts are copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.ConsentArtifact
	lineages map[string][]string
	events   map[eventKey]string
}

type eventKey struct {
	agreementID string
	eventID     string
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:     make(map[string]*models.ConsentArtifact),
		lineages: make(map[string][]string),
		events:   make(map[eventKey]string),
	}
}

func (s *InMemoryStore) Insert(_ context.Context, a *models.ConsentArtifact) error {
	if a == nil {
		return fmt.Errorf("consent artifact is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[a.ID]; ok {
		return fmt.Errorf("artifact %s: %w", a.ID, sentinel.ErrConflict)
	}
	if a.SourceEventID != "" {
		if _, ok := s.events[eventKey{a.AgreementID, a.SourceEventID}]; ok {
			return fmt.Errorf("event %s on %s: %w", a.SourceEventID, a.AgreementID, sentinel.ErrAlreadyUsed)
		}
	}
	ids := s.lineages[a.AgreementID]
	if a.Version != len(ids)+1 {
		return fmt.Errorf("agreement %s version %d: %w", a.AgreementID, a.Version, sentinel.ErrConflict)
	}

	s.byID[a.ID] = a.Clone()
	s.lineages[a.AgreementID] = append(ids, a.ID)
	if a.SourceEventID != "" {
		s.events[eventKey{a.AgreementID, a.SourceEventID}] = a.ID
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*models.ConsentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, sentinel.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *InMemoryStore) Latest(_ context.Context, agreementID string) (*models.ConsentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.latestLocked(agreementID)
	if a == nil {
		return nil, fmt.Errorf("agreement %s: %w", agreementID, sentinel.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *InMemoryStore) latestLocked(agreementID string) *models.ConsentArtifact {
	ids := s.lineages[agreementID]
	if len(ids) == 0 {
		return nil
	}
	return s.byID[ids[len(ids)-1]]
}

func (s *InMemoryStore) GetVersion(_ context.Context, agreementID string, version int) (*models.ConsentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.lineages[agreementID]
	if version < 1 || version > len(ids) {
		return nil, fmt.Errorf("agreement %s version %d: %w", agreementID, version, sentinel.ErrNotFound)
	}
	return s.byID[ids[version-1]].Clone(), nil
}

func (s *InMemoryStore) FindBySourceEvent(_ context.Context, agreementID, eventID string) (*models.ConsentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.events[eventKey{agreementID, eventID}]
	if !ok {
		return nil, fmt.Errorf("event %s on %s: %w", eventID, agreementID, sentinel.ErrNotFound)
	}
	return s.byID[id].Clone(), nil
}

func (s *InMemoryStore) History(_ context.Context, agreementID string) ([]*models.ConsentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.lineages[agreementID]
	out := make([]*models.ConsentArtifact, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	return out, nil
}

// ListByPrincipal returns the latest version of each of the principal's
// agreements, oldest agreement first.
func (s *InMemoryStore) ListByPrincipal(_ context.Context, principalRef string) ([]*models.ConsentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type row struct {
		started time.Time
		latest  *models.ConsentArtifact
	}
	var rows []row
	for agreementID, ids := range s.lineages {
		latest := s.latestLocked(agreementID)
		if latest.DataPrincipal.PrincipalRef != principalRef {
			continue
		}
		rows = append(rows, row{started: s.byID[ids[0]].CreatedAt, latest: latest.Clone()})
	}
	slices.SortFunc(rows, func(a, b row) int {
		return cmp.Or(a.started.Compare(b.started), cmp.Compare(a.latest.AgreementID, b.latest.AgreementID))
	})
	out := make([]*models.ConsentArtifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.latest)
	}
	return out, nil
}

// DueConsentExpiries lists approved, unflagged pairs of latest versions whose
// expiry falls at or before the cutoff, earliest deadline first.
func (s *InMemoryStore) DueConsentExpiries(_ context.Context, before time.Time, limit int) ([]models.DueEntry, error) {
	return s.collect(before, limit, func(c *models.Consent) bool {
		return !c.ExpiryNotificationSent && c.ConsentStatus == models.StatusApproved
	}, nil), nil
}

// DueRetentionExpiries lists active, unflagged elements of latest versions
// whose retention deadline falls at or before the cutoff.
func (s *InMemoryStore) DueRetentionExpiries(_ context.Context, before time.Time, limit int) ([]models.DueEntry, error) {
	return s.collect(before, limit, nil, func(de *models.DataElement) bool {
		return !de.RetentionNotificationSent && de.DEStatus == models.ElementActive
	}), nil
}

// NotifiedOverdue lists flagged entries of latest versions still in force
// past the cutoff: their delayed message was lost or never acted on.
func (s *InMemoryStore) NotifiedOverdue(_ context.Context, before time.Time, limit int) ([]models.DueEntry, error) {
	return s.collect(before, limit, func(c *models.Consent) bool {
		return c.ExpiryNotificationSent && c.ConsentStatus == models.StatusApproved
	}, func(de *models.DataElement) bool {
		return de.RetentionNotificationSent && de.DEStatus == models.ElementActive
	}), nil
}

func (s *InMemoryStore) collect(
	before time.Time,
	limit int,
	consentMatch func(*models.Consent) bool,
	retentionMatch func(*models.DataElement) bool,
) []models.DueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DueEntry
	for agreementID := range s.lineages {
		a := s.latestLocked(agreementID)
		for i := range a.ConsentScope.DataElements {
			de := &a.ConsentScope.DataElements[i]
			if retentionMatch != nil && de.RetentionExpiry != nil && !de.RetentionExpiry.After(before) && retentionMatch(de) {
				out = append(out, models.DueEntry{
					Kind: models.DueRetention, ArtifactID: a.ID, AgreementID: a.AgreementID,
					DFID: a.DFID, DEID: de.DEID, Deadline: *de.RetentionExpiry,
				})
			}
			if consentMatch == nil {
				continue
			}
			for j := range de.Consents {
				c := &de.Consents[j]
				if c.ConsentExpiry == nil || c.ConsentExpiry.After(before) || !consentMatch(c) {
					continue
				}
				out = append(out, models.DueEntry{
					Kind: models.DueConsent, ArtifactID: a.ID, AgreementID: a.AgreementID,
					DFID: a.DFID, DEID: de.DEID, PurposeID: c.PurposeID, Deadline: *c.ConsentExpiry,
				})
			}
		}
	}
	slices.SortFunc(out, compareDue)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func compareDue(a, b models.DueEntry) int {
	return cmp.Or(
		a.Deadline.Compare(b.Deadline),
		cmp.Compare(a.ArtifactID, b.ArtifactID),
		cmp.Compare(a.DEID, b.DEID),
		cmp.Compare(a.PurposeID, b.PurposeID),
	)
}

// MarkExpiryNotified flips the consent pair's flag in place. The flag is
// excluded from agreement_hash so the version stays verifiable.
func (s *InMemoryStore) MarkExpiryNotified(_ context.Context, artifactID, deID, purposeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, sentinel.ErrNotFound)
	}
	_, c, ok := a.Pair(deID, purposeID)
	if !ok {
		return fmt.Errorf("pair %s/%s: %w", deID, purposeID, sentinel.ErrNotFound)
	}
	c.ExpiryNotificationSent = true
	return nil
}

func (s *InMemoryStore) MarkRetentionNotified(_ context.Context, artifactID, deID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, sentinel.ErrNotFound)
	}
	de, ok := a.Element(deID)
	if !ok {
		return fmt.Errorf("element %s: %w", deID, sentinel.ErrNotFound)
	}
	de.RetentionNotificationSent = true
	return nil
}
