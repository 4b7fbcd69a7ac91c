package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentline/internal/consent/models"
	"consentline/internal/consent/service"
	"consentline/internal/consent/store"
	"consentline/internal/platform/logger"
	dErrors "consentline/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemoryStore
	service *service.Service
	now     time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s.store = store.NewInMemory()
	catalog := store.NewInMemoryCatalog(
		store.Purpose{DFID: "df-1", PurposeID: "marketing", WindowDays: 90},
		store.Purpose{DFID: "df-1", PurposeID: "analytics", WindowDays: 30},
	)
	svc, err := service.New(s.store, catalog,
		service.WithLogger(logger.Discard()),
		service.WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) submission() *models.ConsentArtifact {
	exp := s.now.Add(90 * 24 * time.Hour)
	return &models.ConsentArtifact{
		DataPrincipal: models.DataPrincipal{PrincipalRef: "dp-1"},
		DFID:          "df-1",
		CPID:          "cp-1",
		ConsentScope: models.ConsentScope{DataElements: []models.DataElement{{
			DEID:     "email",
			DEStatus: models.ElementActive,
			Consents: []models.Consent{
				{PurposeID: "marketing", ConsentStatus: models.StatusApproved, ConsentTimestamp: s.now, ConsentExpiry: &exp},
				{PurposeID: "analytics", ConsentStatus: models.StatusDenied, ConsentTimestamp: s.now},
			},
		}}},
	}
}

func (s *ServiceSuite) TestSubmitStartsLineage() {
	ctx := context.Background()
	res, err := s.service.Submit(ctx, "evt-1", s.submission())
	s.Require().NoError(err)
	s.Nil(res.Prior)
	s.False(res.Replayed)

	cur := res.Current
	s.Equal(1, cur.Version)
	s.NotEmpty(cur.AgreementID)
	s.NotEmpty(cur.ID)
	s.Equal("evt-1", cur.SourceEventID)
	s.Equal(s.now, cur.CreatedAt)

	ok, err := models.VerifyAgreementHash(cur)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *ServiceSuite) TestNewVersionKeepsPriorIntact() {
	ctx := context.Background()
	first, err := s.service.Submit(ctx, "evt-1", s.submission())
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour)
	res, err := s.service.Deny(ctx, first.Current.AgreementID, "email", "marketing", "evt-2")
	s.Require().NoError(err)

	s.Equal(first.Current.ID, res.Prior.ID)
	s.Equal(2, res.Current.Version)
	s.Equal(first.Current.AgreementID, res.Current.AgreementID)
	s.NotEqual(first.Current.ID, res.Current.ID)
	s.NotEqual(first.Current.AgreementHash, res.Current.AgreementHash)

	stored, err := s.service.Get(ctx, first.Current.ID)
	s.Require().NoError(err)
	_, c, _ := stored.Pair("email", "marketing")
	s.Equal(models.StatusApproved, c.ConsentStatus)

	checks, err := s.service.VerifyHistory(ctx, first.Current.AgreementID)
	s.Require().NoError(err)
	s.Len(checks, 2)
	for _, chk := range checks {
		s.True(chk.HashOK)
	}
}

func (s *ServiceSuite) TestFlipFlopKeepsEveryVersion() {
	ctx := context.Background()
	first, err := s.service.Submit(ctx, "evt-1", s.submission())
	s.Require().NoError(err)
	agreementID := first.Current.AgreementID

	ops := []struct {
		eventID string
		apply   func(ctx context.Context, agreementID, deID, purposeID, eventID string) (service.Result, error)
		want    models.ConsentStatus
	}{
		{"evt-2", s.service.Grant, models.StatusApproved},
		{"evt-3", s.service.Deny, models.StatusDenied},
		{"evt-4", s.service.Grant, models.StatusApproved},
	}
	for i, op := range ops {
		s.now = s.now.Add(time.Hour)
		res, err := op.apply(ctx, agreementID, "email", "analytics", op.eventID)
		s.Require().NoError(err)
		s.Equal(i+2, res.Current.Version)
		s.Require().NotNil(res.Prior)
		s.Equal(i+1, res.Prior.Version)
	}

	latest, err := s.service.Latest(ctx, agreementID)
	s.Require().NoError(err)
	s.Equal(4, latest.Version)
	_, c, ok := latest.Pair("email", "analytics")
	s.Require().True(ok)
	s.Equal(models.StatusApproved, c.ConsentStatus)

	history, err := s.service.History(ctx, agreementID)
	s.Require().NoError(err)
	s.Require().Len(history, 4)
	want := []models.ConsentStatus{models.StatusDenied, models.StatusApproved, models.StatusDenied, models.StatusApproved}
	for i, v := range history {
		s.Equal(i+1, v.Version)
		_, c, ok := v.Pair("email", "analytics")
		s.Require().True(ok)
		s.Equal(want[i], c.ConsentStatus, "version %d", v.Version)
	}

	checks, err := s.service.VerifyHistory(ctx, agreementID)
	s.Require().NoError(err)
	s.Require().Len(checks, 4)
	for _, chk := range checks {
		s.True(chk.HashOK, "version %d", chk.Artifact.Version)
	}
}

func (s *ServiceSuite) TestDuplicateEventReplays() {
	ctx := context.Background()
	first, err := s.service.Submit(ctx, "evt-1", s.submission())
	s.Require().NoError(err)
	agreementID := first.Current.AgreementID

	granted, err := s.service.Grant(ctx, agreementID, "email", "analytics", "evt-2")
	s.Require().NoError(err)

	again, err := s.service.Grant(ctx, agreementID, "email", "analytics", "evt-2")
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(granted.Current.ID, again.Current.ID)
	s.Require().NotNil(again.Prior)
	s.Equal(first.Current.ID, again.Prior.ID)

	history, err := s.service.History(ctx, agreementID)
	s.Require().NoError(err)
	s.Len(history, 2)
}

func (s *ServiceSuite) TestGrantUsesPurposeWindow() {
	ctx := context.Background()
	first, err := s.service.Submit(ctx, "evt-1", s.submission())
	s.Require().NoError(err)

	res, err := s.service.Grant(ctx, first.Current.AgreementID, "email", "analytics", "evt-2")
	s.Require().NoError(err)
	_, c, _ := res.Current.Pair("email", "analytics")
	s.Equal(models.StatusApproved, c.ConsentStatus)
	s.Equal(s.now.Add(30*24*time.Hour), *c.ConsentExpiry)
}

func (s *ServiceSuite) TestRenewNeverShortens() {
	ctx := context.Background()
	first, err := s.service.Submit(ctx, "evt-1", s.submission())
	s.Require().NoError(err)
	_, before, _ := first.Current.Pair("email", "marketing")

	res, err := s.service.Renew(ctx, first.Current.AgreementID, "email", "marketing", "evt-2")
	s.Require().NoError(err)
	_, after, _ := res.Current.Pair("email", "marketing")
	s.Equal(before.ConsentExpiry.Add(90*24*time.Hour), *after.ConsentExpiry)
}

func (s *ServiceSuite) TestRenewUnknownPurposeFails() {
	ctx := context.Background()
	sub := s.submission()
	sub.ConsentScope.DataElements[0].Consents = append(sub.ConsentScope.DataElements[0].Consents,
		models.Consent{PurposeID: "uncatalogued", ConsentStatus: models.StatusApproved, ConsentTimestamp: s.now})
	first, err := s.service.Submit(ctx, "evt-1", sub)
	s.Require().NoError(err)

	_, err = s.service.Renew(ctx, first.Current.AgreementID, "email", "uncatalogued", "evt-2")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	history, err := s.service.History(ctx, first.Current.AgreementID)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *ServiceSuite) TestMutatingUnknownAgreement() {
	_, err := s.service.Deny(context.Background(), "missing", "email", "marketing", "evt-1")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestInvalidSubmissionRejected() {
	sub := s.submission()
	sub.DFID = ""
	_, err := s.service.Submit(context.Background(), "evt-1", sub)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestConcurrentWritersProduceDenseVersions() {
	ctx := context.Background()
	first, err := s.service.Submit(ctx, "evt-0", s.submission())
	s.Require().NoError(err)
	agreementID := first.Current.AgreementID

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Renew(ctx, agreementID, "email", "marketing", "evt-renew-"+string(rune('a'+i)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	history, err := s.service.History(ctx, agreementID)
	s.Require().NoError(err)
	s.Require().Len(history, 11)
	for i, v := range history {
		s.Equal(i+1, v.Version)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := service.New(nil, store.NewInMemoryCatalog()); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := service.New(store.NewInMemory(), nil); err == nil {
		t.Fatal("expected error for nil catalog")
	}
}
