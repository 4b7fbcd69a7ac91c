package dispatcher_test

//go:generate mockgen -source=dispatcher.go -destination=mocks/mocks.go -package=mocks Subscriptions,EventLog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"consentline/internal/broker"
	"consentline/internal/platform/logger"
	"consentline/internal/webhook/dispatcher"
	"consentline/internal/webhook/dispatcher/mocks"
	"consentline/internal/webhook/models"
	"consentline/internal/webhook/store"
	dErrors "consentline/pkg/domain-errors"
)

type DispatcherSuite struct {
	suite.Suite
	ctx   context.Context
	store *store.InMemoryStore
	now   time.Time
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *DispatcherSuite) newDispatcher(opts ...dispatcher.Option) *dispatcher.Dispatcher {
	opts = append([]dispatcher.Option{
		dispatcher.WithLogger(logger.Discard()),
		dispatcher.WithClock(func() time.Time { return s.now }),
	}, opts...)
	return dispatcher.New(s.store, s.store, opts...)
}

func (s *DispatcherSuite) subscription(id, url string, retries int) *models.Subscription {
	sub := &models.Subscription{
		ID:          id,
		DFID:        "df-1",
		URL:         url,
		Auth:        models.Auth{Type: models.AuthHeader, Secret: "s3cret"},
		RetryPolicy: models.RetryPolicy{MaxRetries: retries, Backoff: models.BackoffNone},
		CreatedAt:   s.now,
		UpdatedAt:   s.now,
	}
	sub.ApplyDefaults()
	s.Require().NoError(sub.Validate())
	s.Require().NoError(s.store.Create(s.ctx, sub))
	return sub
}

const payload = `{"event_type":"consent_granted","df_id":"df-1","classification":"approved"}`

// task logs a pending delivery for webhookID and returns the webhook_main
// message that carries it.
func (s *DispatcherSuite) task(eventID, webhookID string) *broker.Message {
	s.Require().NoError(s.store.CreateEvent(s.ctx, &models.Event{
		ID:        eventID,
		WebhookID: webhookID,
		DFID:      "df-1",
		EventType: "consent_granted",
		Payload:   json.RawMessage(payload),
		Status:    models.DeliveryPending,
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}))
	body, err := json.Marshal(models.Task{
		EventID:   eventID,
		WebhookID: webhookID,
		DFID:      "df-1",
		EventType: "consent_granted",
		Payload:   json.RawMessage(payload),
	})
	s.Require().NoError(err)
	return &broker.Message{ID: "m-" + eventID, Body: body, CorrelationID: eventID}
}

func (s *DispatcherSuite) event(id string) *models.Event {
	ev, err := s.store.GetEvent(s.ctx, id)
	s.Require().NoError(err)
	return ev
}

func (s *DispatcherSuite) metrics(id string) models.Metrics {
	sub, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	return sub.Metrics
}

func (s *DispatcherSuite) TestSuccessfulDeliveryIsSignedAndSettled() {
	var gotSignature, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(models.DefaultSignatureHeader)
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL+"/hook", 3)

	s.Require().NoError(s.newDispatcher().Handle(s.ctx, s.task("ev-1", "wh-1")))

	want, err := dispatcher.Sign("s3cret", []byte(payload))
	s.Require().NoError(err)
	s.Equal(want, gotSignature)
	s.JSONEq(payload, gotBody)

	ev := s.event("ev-1")
	s.Equal(models.DeliverySent, ev.Status)
	s.Equal(1, ev.Attempts)
	m := s.metrics("wh-1")
	s.EqualValues(1, m.Delivered)
	s.EqualValues(0, m.Failed)
	s.Require().NotNil(m.LastSuccess)
	s.Equal(s.now, *m.LastSuccess)
}

func (s *DispatcherSuite) TestExhaustedRetriesCountOneFailure() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL, 3)

	s.Require().NoError(s.newDispatcher().Handle(s.ctx, s.task("ev-1", "wh-1")))

	s.EqualValues(3, hits.Load())
	ev := s.event("ev-1")
	s.Equal(models.DeliveryFailed, ev.Status)
	s.Equal(3, ev.Attempts)
	s.Contains(ev.LastError, "502")
	m := s.metrics("wh-1")
	s.EqualValues(1, m.Failed)
	s.EqualValues(0, m.Delivered)
	s.NotNil(m.LastFailure)

	sub, err := s.store.Get(s.ctx, "wh-1")
	s.Require().NoError(err)
	s.Equal(models.StatusActive, sub.Status, "delivery failures never change subscription status")
}

func (s *DispatcherSuite) TestRecoversWithinRetryBudget() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL, 5)

	s.Require().NoError(s.newDispatcher().Handle(s.ctx, s.task("ev-1", "wh-1")))

	ev := s.event("ev-1")
	s.Equal(models.DeliverySent, ev.Status)
	s.Equal(3, ev.Attempts)
	s.EqualValues(1, s.metrics("wh-1").Delivered)
}

func (s *DispatcherSuite) TestSettledEventIsNotDeliveredAgain() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL, 1)
	msg := s.task("ev-1", "wh-1")
	d := s.newDispatcher()

	s.Require().NoError(d.Handle(s.ctx, msg))
	s.Require().NoError(d.Handle(s.ctx, msg))

	s.EqualValues(1, hits.Load())
	s.EqualValues(1, s.metrics("wh-1").Delivered)
}

func (s *DispatcherSuite) TestOpenBreakerStopsHittingTheTarget() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL, 4)

	d := s.newDispatcher(dispatcher.WithBreaker(2, time.Hour))
	s.Require().NoError(d.Handle(s.ctx, s.task("ev-1", "wh-1")))

	s.EqualValues(2, hits.Load())
	ev := s.event("ev-1")
	s.Equal(models.DeliveryFailed, ev.Status)
	s.Equal(4, ev.Attempts)
}

func (s *DispatcherSuite) TestInactiveSubscriptionSettlesFailed() {
	sub := &models.Subscription{ID: "wh-off", DFID: "df-1", URL: "https://hooks.example.com/off", Status: models.StatusInactive}
	sub.ApplyDefaults()
	s.Require().NoError(s.store.Create(s.ctx, sub))

	s.Require().NoError(s.newDispatcher().Handle(s.ctx, s.task("ev-1", "wh-off")))

	ev := s.event("ev-1")
	s.Equal(models.DeliveryFailed, ev.Status)
	s.Equal("webhook is inactive", ev.LastError)
	s.EqualValues(0, s.metrics("wh-off").Failed)
}

func (s *DispatcherSuite) TestMissingSubscriptionSettlesFailed() {
	s.Require().NoError(s.newDispatcher().Handle(s.ctx, s.task("ev-1", "wh-gone")))
	s.Equal(models.DeliveryFailed, s.event("ev-1").Status)
}

func (s *DispatcherSuite) TestMalformedTaskFails() {
	d := s.newDispatcher()
	s.Error(d.Handle(s.ctx, &broker.Message{Body: []byte("nope")}))
	s.Error(d.Handle(s.ctx, &broker.Message{Body: []byte(`{"event_id":"ev-1"}`)}))
	s.Error(d.Handle(s.ctx, &broker.Message{Body: []byte(`{"event_id":"ev-unknown","webhook_id":"wh-1"}`)}))
}

func (s *DispatcherSuite) TestQueryAuthSignsTheURL() {
	defer gock.Off()
	want, err := dispatcher.Sign("s3cret", []byte(payload))
	s.Require().NoError(err)
	gock.New("https://hooks.example.com").
		Post("/consent").
		MatchParam("sig", want).
		Reply(http.StatusOK)

	sub := &models.Subscription{
		ID:          "wh-q",
		DFID:        "df-1",
		URL:         "https://hooks.example.com/consent",
		Auth:        models.Auth{Type: models.AuthQuery, Key: "sig", Secret: "s3cret"},
		RetryPolicy: models.RetryPolicy{MaxRetries: 1, Backoff: models.BackoffNone},
	}
	sub.ApplyDefaults()
	s.Require().NoError(s.store.Create(s.ctx, sub))

	s.Require().NoError(s.newDispatcher().Handle(s.ctx, s.task("ev-1", "wh-q")))

	s.True(gock.IsDone())
	s.False(gock.HasUnmatchedRequest())
	s.Equal(models.DeliverySent, s.event("ev-1").Status)
}

func (s *DispatcherSuite) TestFireOnlyReachesTestingWebhooks() {
	defer gock.Off()
	gock.New("https://hooks.example.com").
		Post("/test").
		MatchHeader("Content-Type", "application/json").
		Reply(http.StatusOK)

	sandbox := &models.Subscription{ID: "wh-t", DFID: "df-1", URL: "https://hooks.example.com/test", Environment: models.EnvTesting}
	sandbox.ApplyDefaults()
	s.Require().NoError(s.store.Create(s.ctx, sandbox))
	prod := &models.Subscription{ID: "wh-p", DFID: "df-1", URL: "https://hooks.example.com/prod", Environment: models.EnvProduction}
	prod.ApplyDefaults()
	s.Require().NoError(s.store.Create(s.ctx, prod))

	d := s.newDispatcher()
	res, err := d.TestFire(s.ctx, "wh-t")
	s.Require().NoError(err)
	s.Equal("success", res.Status)
	s.Equal(http.StatusOK, res.StatusCode)
	s.NotEmpty(res.EventID)
	s.True(gock.IsDone())
	s.EqualValues(0, s.metrics("wh-t").Delivered, "test fires leave delivery counters alone")

	_, err = d.TestFire(s.ctx, "wh-p")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = d.TestFire(s.ctx, "wh-none")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *DispatcherSuite) TestFireReportsEndpointErrors() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	sub := &models.Subscription{ID: "wh-t", DFID: "df-1", URL: srv.URL}
	sub.ApplyDefaults()
	s.Require().NoError(s.store.Create(s.ctx, sub))

	res, err := s.newDispatcher().TestFire(s.ctx, "wh-t")
	s.Require().NoError(err)
	s.Equal("error", res.Status)
	s.Equal(http.StatusNotFound, res.StatusCode)
}

func TestStoreFailuresAreReturnedForRedelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	subs := mocks.NewMockSubscriptions(ctrl)
	events := mocks.NewMockEventLog(ctrl)
	d := dispatcher.New(subs, events, dispatcher.WithLogger(logger.Discard()))

	body, err := json.Marshal(models.Task{EventID: "ev-1", WebhookID: "wh-1"})
	require.NoError(t, err)
	msg := &broker.Message{Body: body}

	t.Run("event log unavailable", func(t *testing.T) {
		events.EXPECT().GetEvent(gomock.Any(), "ev-1").Return(nil, errors.New("connection refused"))
		assert.Error(t, d.Handle(context.Background(), msg))
	})

	t.Run("subscription lookup fails", func(t *testing.T) {
		events.EXPECT().GetEvent(gomock.Any(), "ev-1").Return(&models.Event{ID: "ev-1", Status: models.DeliveryPending}, nil)
		subs.EXPECT().Get(gomock.Any(), "wh-1").Return(nil, errors.New("connection refused"))
		assert.Error(t, d.Handle(context.Background(), msg))
	})

	t.Run("settle fails", func(t *testing.T) {
		events.EXPECT().GetEvent(gomock.Any(), "ev-1").Return(&models.Event{ID: "ev-1", Status: models.DeliveryPending}, nil)
		subs.EXPECT().Get(gomock.Any(), "wh-1").Return(&models.Subscription{ID: "wh-1", Status: models.StatusInactive}, nil)
		events.EXPECT().CompleteDelivery(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, o models.Outcome) (bool, error) {
				assert.Equal(t, models.DeliveryFailed, o.Status)
				assert.Equal(t, "webhook is inactive", o.LastError)
				assert.False(t, o.Count, "an inactive webhook is not a delivery attempt")
				return false, errors.New("connection refused")
			})
		assert.Error(t, d.Handle(context.Background(), msg))
	})

	t.Run("settled by another handler", func(t *testing.T) {
		events.EXPECT().GetEvent(gomock.Any(), "ev-1").Return(&models.Event{ID: "ev-1", Status: models.DeliveryPending}, nil)
		subs.EXPECT().Get(gomock.Any(), "wh-1").Return(&models.Subscription{ID: "wh-1", Status: models.StatusInactive}, nil)
		events.EXPECT().CompleteDelivery(gomock.Any(), gomock.Any()).Return(false, nil)
		assert.NoError(t, d.Handle(context.Background(), msg))
	})
}

// flakyLog fails the first n completions after delivery has happened.
type flakyLog struct {
	*store.InMemoryStore
	fails atomic.Int32
}

func (f *flakyLog) CompleteDelivery(ctx context.Context, o models.Outcome) (bool, error) {
	if f.fails.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return f.InMemoryStore.CompleteDelivery(ctx, o)
}

func (s *DispatcherSuite) TestFailedCompletionIsRedeliveredAndCountedOnce() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL, 1)
	msg := s.task("ev-1", "wh-1")

	log := &flakyLog{InMemoryStore: s.store}
	log.fails.Store(1)
	d := dispatcher.New(s.store, log,
		dispatcher.WithLogger(logger.Discard()),
		dispatcher.WithClock(func() time.Time { return s.now }),
	)

	s.Require().Error(d.Handle(s.ctx, msg))
	s.Equal(models.DeliveryPending, s.event("ev-1").Status)
	s.EqualValues(0, s.metrics("wh-1").Delivered)

	s.Require().NoError(d.Handle(s.ctx, msg))
	s.EqualValues(2, hits.Load())
	s.Equal(models.DeliverySent, s.event("ev-1").Status)
	s.EqualValues(1, s.metrics("wh-1").Delivered)
	s.EqualValues(0, s.metrics("wh-1").Failed)
}

func (s *DispatcherSuite) TestConcurrentRedeliveriesCountOnce() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()
	s.subscription("wh-1", srv.URL, 1)
	msg := s.task("ev-1", "wh-1")
	d := s.newDispatcher()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Handle(s.ctx, msg)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	s.Equal(models.DeliverySent, s.event("ev-1").Status)
	s.EqualValues(1, s.metrics("wh-1").Delivered)
}

func TestSign(t *testing.T) {
	a, err := dispatcher.Sign("k", []byte(`{"b":1,"a":{"y":2,"x":1}}`))
	require.NoError(t, err)
	b, err := dispatcher.Sign("k", []byte(`{ "a": {"x":1, "y":2}, "b": 1 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "signature covers canonical JSON")
	assert.Len(t, a, 64)

	none, err := dispatcher.Sign("", []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = dispatcher.Sign("k", []byte(`{`))
	assert.Error(t, err)
}
