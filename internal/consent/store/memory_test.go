package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentline/internal/consent/models"
	"consentline/internal/consent/store"
	dErrors "consentline/pkg/domain-errors"
	"consentline/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *store.InMemoryStore
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
}

func artifact(id, agreementID string, version int, now time.Time, expiry time.Time) *models.ConsentArtifact {
	retention := expiry.Add(24 * time.Hour)
	return &models.ConsentArtifact{
		ID:            id,
		AgreementID:   agreementID,
		Version:       version,
		SourceEventID: "evt-" + id,
		DataPrincipal: models.DataPrincipal{PrincipalRef: "dp-1"},
		DFID:          "df-1",
		CPID:          "cp-1",
		ConsentScope: models.ConsentScope{DataElements: []models.DataElement{{
			DEID:            "email",
			DEStatus:        models.ElementActive,
			RetentionExpiry: &retention,
			Consents: []models.Consent{
				{PurposeID: "marketing", ConsentStatus: models.StatusApproved, ConsentTimestamp: now, ConsentExpiry: &expiry},
			},
		}}},
		CreatedAt: now,
	}
}

func (s *InMemoryStoreSuite) TestVersionsAreAppendOnly() {
	ctx := context.Background()
	v1 := artifact("a1", "agr", 1, s.now, s.now.Add(time.Hour))
	s.Require().NoError(s.store.Insert(ctx, v1))

	s.Run("version gap is a conflict", func() {
		err := s.store.Insert(ctx, artifact("a3", "agr", 3, s.now, s.now))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("same version twice is a conflict", func() {
		err := s.store.Insert(ctx, artifact("a1b", "agr", 1, s.now, s.now))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("duplicate source event", func() {
		dup := artifact("a2", "agr", 2, s.now, s.now)
		dup.SourceEventID = v1.SourceEventID
		s.ErrorIs(s.store.Insert(ctx, dup), sentinel.ErrAlreadyUsed)
	})

	s.Require().NoError(s.store.Insert(ctx, artifact("a2", "agr", 2, s.now, s.now.Add(time.Hour))))

	latest, err := s.store.Latest(ctx, "agr")
	s.Require().NoError(err)
	s.Equal("a2", latest.ID)

	first, err := s.store.GetVersion(ctx, "agr", 1)
	s.Require().NoError(err)
	s.Equal("a1", first.ID)

	history, err := s.store.History(ctx, "agr")
	s.Require().NoError(err)
	s.Len(history, 2)

	found, err := s.store.FindBySourceEvent(ctx, "agr", "evt-a2")
	s.Require().NoError(err)
	s.Equal(2, found.Version)

	_, err = s.store.Latest(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestReturnedArtifactsAreCopies() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, artifact("a1", "agr", 1, s.now, s.now)))

	got, err := s.store.Get(ctx, "a1")
	s.Require().NoError(err)
	got.ConsentScope.DataElements[0].Consents[0].ConsentStatus = models.StatusDenied

	again, err := s.store.Get(ctx, "a1")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, again.ConsentScope.DataElements[0].Consents[0].ConsentStatus)
}

func (s *InMemoryStoreSuite) TestDueEntriesUseLatestVersionOnly() {
	ctx := context.Background()
	soon := s.now.Add(time.Hour)
	s.Require().NoError(s.store.Insert(ctx, artifact("a1", "agr", 1, s.now, soon)))

	due, err := s.store.DueConsentExpiries(ctx, s.now.Add(2*time.Hour), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(models.DueEntry{
		Kind: models.DueConsent, ArtifactID: "a1", AgreementID: "agr", DFID: "df-1",
		DEID: "email", PurposeID: "marketing", Deadline: soon,
	}, due[0])

	v2 := artifact("a2", "agr", 2, s.now, soon)
	v2.ConsentScope.DataElements[0].Consents[0].ConsentStatus = models.StatusDenied
	s.Require().NoError(s.store.Insert(ctx, v2))

	due, err = s.store.DueConsentExpiries(ctx, s.now.Add(2*time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *InMemoryStoreSuite) TestFlagsExcludeFromDueAndFeedOverdue() {
	ctx := context.Background()
	soon := s.now.Add(time.Hour)
	s.Require().NoError(s.store.Insert(ctx, artifact("a1", "agr", 1, s.now, soon)))

	retention, err := s.store.DueRetentionExpiries(ctx, s.now.Add(48*time.Hour), 10)
	s.Require().NoError(err)
	s.Require().Len(retention, 1)
	s.Equal(models.DueRetention, retention[0].Kind)
	s.Empty(retention[0].PurposeID)

	s.Require().NoError(s.store.MarkExpiryNotified(ctx, "a1", "email", "marketing"))
	s.Require().NoError(s.store.MarkRetentionNotified(ctx, "a1", "email"))

	due, err := s.store.DueConsentExpiries(ctx, s.now.Add(48*time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(due)

	overdue, err := s.store.NotifiedOverdue(ctx, s.now.Add(48*time.Hour), 10)
	s.Require().NoError(err)
	s.Len(overdue, 2)
	s.Equal(models.DueConsent, overdue[0].Kind)

	s.ErrorIs(s.store.MarkExpiryNotified(ctx, "a1", "email", "nope"), sentinel.ErrNotFound)
	s.ErrorIs(s.store.MarkRetentionNotified(ctx, "zz", "email"), sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestDueLimitAndOrder() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, artifact("late", "agr-late", 1, s.now, s.now.Add(3*time.Hour))))
	s.Require().NoError(s.store.Insert(ctx, artifact("early", "agr-early", 1, s.now, s.now.Add(time.Hour))))

	due, err := s.store.DueConsentExpiries(ctx, s.now.Add(4*time.Hour), 1)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal("early", due[0].ArtifactID)
}

func (s *InMemoryStoreSuite) TestListByPrincipal() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, artifact("a1", "agr-1", 1, s.now, s.now)))
	s.Require().NoError(s.store.Insert(ctx, artifact("b1", "agr-2", 1, s.now.Add(time.Minute), s.now)))
	s.Require().NoError(s.store.Insert(ctx, artifact("a2", "agr-1", 2, s.now.Add(time.Hour), s.now)))
	other := artifact("c1", "agr-3", 1, s.now, s.now)
	other.DataPrincipal.PrincipalRef = "dp-2"
	s.Require().NoError(s.store.Insert(ctx, other))

	list, err := s.store.ListByPrincipal(ctx, "dp-1")
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("a2", list[0].ID)
	s.Equal("b1", list[1].ID)
}

func TestInMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	c := store.NewInMemoryCatalog(store.Purpose{DFID: "df-1", PurposeID: "marketing", WindowDays: 90})

	w, err := c.Window(ctx, "df-1", "marketing")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w != 90*24*time.Hour {
		t.Fatalf("window = %v", w)
	}

	_, err = c.Window(ctx, "df-1", "unknown")
	if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := c.Put(ctx, store.Purpose{DFID: "df-1", PurposeID: "x"}); !dErrors.HasCode(err, dErrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
