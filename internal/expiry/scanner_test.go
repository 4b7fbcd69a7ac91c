package expiry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"consentline/internal/broker"
	"consentline/internal/broker/memory"
	"consentline/internal/consent/models"
	"consentline/internal/consent/store"
	"consentline/internal/events"
	"consentline/internal/expiry"
	"consentline/internal/platform/logger"
)

const day = 24 * time.Hour

type ScannerSuite struct {
	suite.Suite
	now     time.Time
	broker  *memory.Broker
	store   *store.InMemoryStore
	scanner *expiry.Scanner
}

func TestScannerSuite(t *testing.T) {
	suite.Run(t, new(ScannerSuite))
}

func (s *ScannerSuite) clock() time.Time { return s.now }

func (s *ScannerSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.broker = memory.New(memory.WithClock(s.clock))
	s.T().Cleanup(func() { _ = s.broker.Close() })
	s.Require().NoError(s.broker.Declare(context.Background(), broker.Topology(broker.DefaultRetryDelays())...))

	s.store = store.NewInMemory()
	s.scanner = expiry.New(s.store, s.broker,
		expiry.WithLogger(logger.Discard()),
		expiry.WithClock(s.clock),
	)
}

func (s *ScannerSuite) insert(id string, consentExpiry, retention time.Time) {
	a := &models.ConsentArtifact{
		ID:            id,
		AgreementID:   "agr-" + id,
		Version:       1,
		DataPrincipal: models.DataPrincipal{PrincipalRef: "dp-1"},
		DFID:          "df-1",
		CPID:          "cp-1",
		ConsentScope: models.ConsentScope{DataElements: []models.DataElement{{
			DEID:            "email",
			DEStatus:        models.ElementActive,
			RetentionExpiry: &retention,
			Consents: []models.Consent{{
				PurposeID:        "marketing",
				ConsentStatus:    models.StatusApproved,
				ConsentTimestamp: s.now.Add(-day),
				ConsentExpiry:    &consentExpiry,
			}},
		}}},
		CreatedAt: s.now.Add(-day),
	}
	s.Require().NoError(s.store.Insert(context.Background(), a))
}

func (s *ScannerSuite) waiting(queue string) []broker.Message {
	msgs, err := s.broker.Peek(context.Background(), queue, 0)
	s.Require().NoError(err)
	return msgs
}

func (s *ScannerSuite) TestSchedulesConsentExpiryOnce() {
	ctx := context.Background()
	s.insert("a1", s.now.Add(10*day), s.now.Add(300*day))

	res, err := s.scanner.Scan(ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Consent)
	s.Equal(0, res.Retention)

	msgs := s.waiting(broker.ConsentExpiryDelayQueue)
	s.Require().Len(msgs, 1)
	s.Equal(10*day, msgs[0].Expiration)

	ev, env, err := events.Decode(msgs[0].Body)
	s.Require().NoError(err)
	s.Equal(msgs[0].CorrelationID, env.CorrelationID)
	exp, ok := ev.(events.ConsentExpiry)
	s.Require().True(ok)
	s.Equal("a1", exp.ArtifactID)
	s.Equal("email", exp.DataElementID)
	s.Equal("marketing", exp.PurposeID)
	s.True(exp.ExpiryAt.Equal(s.now.Add(10 * day)))

	a, err := s.store.Get(ctx, "a1")
	s.Require().NoError(err)
	s.True(a.ConsentScope.DataElements[0].Consents[0].ExpiryNotificationSent)

	s.now = s.now.Add(3 * day)
	res, err = s.scanner.Scan(ctx)
	s.Require().NoError(err)
	s.Zero(res.Consent)
	s.Len(s.waiting(broker.ConsentExpiryDelayQueue), 1)
}

func (s *ScannerSuite) TestWindowsBoundWhatIsScheduled() {
	ctx := context.Background()
	s.insert("far", s.now.Add(40*day), s.now.Add(3*day))
	s.insert("near", s.now.Add(20*day), s.now.Add(36*time.Hour))

	res, err := s.scanner.Scan(ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Consent)
	s.Equal(1, res.Retention)

	consent := s.waiting(broker.ConsentExpiryDelayQueue)
	s.Require().Len(consent, 1)
	ev, _, err := events.Decode(consent[0].Body)
	s.Require().NoError(err)
	s.Equal("near", ev.(events.ConsentExpiry).ArtifactID)

	retention := s.waiting(broker.DataExpiryDelayQueue)
	s.Require().Len(retention, 1)
	s.Equal(36*time.Hour, retention[0].Expiration)
	ev, _, err = events.Decode(retention[0].Body)
	s.Require().NoError(err)
	s.Equal(events.TypeDataRetentionExpiry, ev.Type())
}

func (s *ScannerSuite) TestPassedDeadlineReleasesImmediately() {
	s.insert("late", s.now.Add(-time.Hour), s.now.Add(300*day))

	_, err := s.scanner.Scan(context.Background())
	s.Require().NoError(err)

	msgs := s.waiting(broker.ConsentExpiryDelayQueue)
	s.Require().Len(msgs, 1)
	s.Positive(msgs[0].Expiration)
	s.LessOrEqual(msgs[0].Expiration, time.Second)
}

func (s *ScannerSuite) TestFlagFailureIsRescheduledWithSameCorrelation() {
	ctx := context.Background()
	s.insert("a1", s.now.Add(5*day), s.now.Add(300*day))
	flaky := &flakyFlags{InMemoryStore: s.store, fail: true}
	scanner := expiry.New(flaky, s.broker, expiry.WithLogger(logger.Discard()), expiry.WithClock(s.clock))

	res, err := scanner.Scan(ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Unflagged)

	flaky.fail = false
	res, err = scanner.Scan(ctx)
	s.Require().NoError(err)
	s.Zero(res.Unflagged)

	msgs := s.waiting(broker.ConsentExpiryDelayQueue)
	s.Require().Len(msgs, 2)
	s.Equal(msgs[0].CorrelationID, msgs[1].CorrelationID)
}

func (s *ScannerSuite) TestRunReleasesChannelOnCancel() {
	s.insert("a1", s.now.Add(5*day), s.now.Add(300*day))
	ctx, cancel := context.WithCancel(context.Background())
	scanner := expiry.New(s.store, s.broker,
		expiry.WithLogger(logger.Discard()),
		expiry.WithClock(s.clock),
		expiry.WithInterval(time.Hour),
	)

	done := make(chan error, 1)
	go func() { done <- scanner.Run(ctx) }()

	s.Eventually(func() bool {
		return len(s.waiting(broker.ConsentExpiryDelayQueue)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Equal(1, s.broker.OpenChannels())

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("scanner did not stop")
	}
	s.Zero(s.broker.OpenChannels())
}

func TestCorrelationIDIsStablePerDeadline(t *testing.T) {
	deadline := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := models.DueEntry{Kind: models.DueConsent, ArtifactID: "a", DEID: "d", PurposeID: "p", Deadline: deadline}
	require.Equal(t, expiry.CorrelationID(due), expiry.CorrelationID(due))

	moved := due
	moved.Deadline = deadline.Add(time.Second)
	require.NotEqual(t, expiry.CorrelationID(due), expiry.CorrelationID(moved))
	require.Equal(t, broker.DataExpiryDelayQueue, expiry.DelayQueue(models.DueRetention))
}

type flakyFlags struct {
	*store.InMemoryStore
	fail bool
}

func (f *flakyFlags) MarkExpiryNotified(ctx context.Context, artifactID, deID, purposeID string) error {
	if f.fail {
		return errors.New("store unavailable")
	}
	return f.InMemoryStore.MarkExpiryNotified(ctx, artifactID, deID, purposeID)
}
