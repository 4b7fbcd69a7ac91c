package classifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"consentline/internal/broker"
	"consentline/internal/platform/logger"
	"consentline/internal/webhook/classifier"
	"consentline/internal/webhook/models"
	"consentline/internal/webhook/store"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []broker.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if queue != broker.WebhookMainQueue {
		return errors.New("unexpected queue " + queue)
	}
	p.sent = append(p.sent, msg.Clone())
	return nil
}

func (p *recordingPublisher) tasks(t *testing.T) []models.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Task, 0, len(p.sent))
	for _, m := range p.sent {
		var task models.Task
		require.NoError(t, json.Unmarshal(m.Body, &task))
		out = append(out, task)
	}
	return out
}

type ClassifierSuite struct {
	suite.Suite
	ctx       context.Context
	store     *store.InMemoryStore
	publisher *recordingPublisher
	clf       *classifier.Classifier
	now       time.Time
}

func TestClassifierSuite(t *testing.T) {
	suite.Run(t, new(ClassifierSuite))
}

func (s *ClassifierSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	s.publisher = &recordingPublisher{}
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clf = classifier.New(s.store, s.store, s.publisher,
		classifier.WithLogger(logger.Discard()),
		classifier.WithClock(func() time.Time { return s.now }),
	)
}

func (s *ClassifierSuite) register(id string, scope models.Scope, dprID string, events ...string) {
	sub := &models.Subscription{
		ID:         id,
		DFID:       "df-1",
		URL:        "https://hooks.example.com/" + id,
		WebhookFor: scope,
		DPRID:      dprID,
		Events:     events,
		CreatedAt:  s.now,
		UpdatedAt:  s.now,
	}
	sub.ApplyDefaults()
	s.Require().NoError(sub.Validate())
	s.Require().NoError(s.store.Create(s.ctx, sub))
}

func (s *ClassifierSuite) deliver(body string, correlationID string) error {
	return s.clf.Handle(s.ctx, &broker.Message{ID: "msg-1", Body: []byte(body), CorrelationID: correlationID})
}

const grantedEvent = `{
	"event_type": "consent_granted",
	"df_id": "df-1",
	"dp_id": "dp-1",
	"agreement_id": "agr-1",
	"purposes": [
		{
			"purpose_id": "marketing",
			"purpose_hash_id": "h-1",
			"consent_timestamp": "2025-01-01T00:00:00Z",
			"legal_mandatory": false,
			"data_processors": [{"data_processor_id": "dpr-1"}, {"data_processor_id": "dpr-2"}]
		},
		{
			"purpose_id": "support",
			"purpose_hash_id": "h-2",
			"data_processors": ["dpr-3"]
		}
	]
}`

func (s *ClassifierSuite) TestFiduciaryScopeGetsTheFullStrippedEvent() {
	s.register("wh-df", models.ScopeFiduciary, "", models.EventConsentGranted)

	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))

	tasks := s.publisher.tasks(s.T())
	s.Require().Len(tasks, 1)
	s.Equal("wh-df", tasks[0].WebhookID)

	var payload map[string]any
	s.Require().NoError(json.Unmarshal(tasks[0].Payload, &payload))
	s.Equal("approved", payload["classification"])
	s.Equal("approved", payload["classification_label"])
	s.Equal("2025-03-01T12:00:00Z", payload["classification_timestamp"])
	s.NotContains(payload, "event_for")

	purposes := payload["purposes"].([]any)
	s.Len(purposes, 2)
	first := purposes[0].(map[string]any)
	s.Equal("marketing", first["purpose_id"])
	s.NotContains(first, "purpose_hash_id")
	s.NotContains(first, "consent_timestamp")
	s.NotContains(first, "legal_mandatory")
}

func (s *ClassifierSuite) TestProcessorScopeIsNarrowedToItsPurposes() {
	s.register("wh-dpr", models.ScopeProcessor, "dpr-3")

	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))

	tasks := s.publisher.tasks(s.T())
	s.Require().Len(tasks, 1)
	var payload map[string]any
	s.Require().NoError(json.Unmarshal(tasks[0].Payload, &payload))
	s.Equal("dpr", payload["event_for"])
	s.Equal("dpr-3", payload["data_processor_id"])
	purposes := payload["purposes"].([]any)
	s.Require().Len(purposes, 1)
	s.Equal("support", purposes[0].(map[string]any)["purpose_id"])
}

func (s *ClassifierSuite) TestFiduciaryTasksComeBeforeProcessorTasks() {
	s.register("a-dpr", models.ScopeProcessor, "dpr-1")
	s.register("b-df", models.ScopeFiduciary, "")

	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))

	tasks := s.publisher.tasks(s.T())
	s.Require().Len(tasks, 2)
	s.Equal("b-df", tasks[0].WebhookID)
	s.Equal("a-dpr", tasks[1].WebhookID)
}

func (s *ClassifierSuite) TestUnreferencedProcessorAndUnsubscribedEventAreSkipped() {
	s.register("wh-other-dpr", models.ScopeProcessor, "dpr-9")
	s.register("wh-expiry-only", models.ScopeFiduciary, "", models.EventConsentExpired)

	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))
	s.Empty(s.publisher.tasks(s.T()))
}

func (s *ClassifierSuite) TestElementEventsNarrowConsents() {
	s.register("wh-dpr", models.ScopeProcessor, "dpr-2")
	body := `{
		"event_type": "data_erasure_manual_triggered",
		"df_id": "df-1",
		"data_elements": [
			{"data_element_id": "email", "de_hash_id": "x", "de_status": "active", "consents": [
				{"purpose_id": "marketing", "purpose_hash_id": "h", "data_processors": ["dpr-1"]},
				{"purpose_id": "analytics", "data_processors": ["dpr-2"]}
			]},
			{"data_element_id": "phone", "consents": [
				{"purpose_id": "support", "data_processors": ["dpr-1"]}
			]}
		]
	}`

	s.Require().NoError(s.deliver(body, "evt-2:manual"))

	tasks := s.publisher.tasks(s.T())
	s.Require().Len(tasks, 1)
	var payload map[string]any
	s.Require().NoError(json.Unmarshal(tasks[0].Payload, &payload))
	s.Equal("data_erasure_manual_triggered", payload["classification_label"])
	elements := payload["data_elements"].([]any)
	s.Require().Len(elements, 1)
	email := elements[0].(map[string]any)
	s.Equal("email", email["data_element_id"])
	s.NotContains(email, "de_hash_id")
	consents := email["consents"].([]any)
	s.Require().Len(consents, 1)
	s.Equal("analytics", consents[0].(map[string]any)["purpose_id"])
}

func (s *ClassifierSuite) TestPendingDeliveryIsLoggedWithDeterministicID() {
	s.register("wh-df", models.ScopeFiduciary, "")

	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))
	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))

	tasks := s.publisher.tasks(s.T())
	s.Require().Len(tasks, 2)
	s.Equal(tasks[0].EventID, tasks[1].EventID, "redelivery reuses the delivery log id")

	logged, err := s.store.EventsFor(s.ctx, "wh-df")
	s.Require().NoError(err)
	s.Require().Len(logged, 1)
	s.Equal(models.DeliveryPending, logged[0].Status)
	s.Equal("dp-1", logged[0].DPID)
	s.Equal(tasks[0].EventID, logged[0].ID)
}

func (s *ClassifierSuite) TestInactiveSubscriptionsAreIgnored() {
	s.register("wh-df", models.ScopeFiduciary, "")
	sub := &models.Subscription{ID: "wh-off", DFID: "df-1", URL: "https://hooks.example.com/off", Status: models.StatusInactive}
	sub.ApplyDefaults()
	s.Require().NoError(s.store.Create(s.ctx, sub))

	s.Require().NoError(s.deliver(grantedEvent, "evt-1:granted"))
	s.Len(s.publisher.tasks(s.T()), 1)
}

func (s *ClassifierSuite) TestMissingFiduciaryIsDropped() {
	s.register("wh-df", models.ScopeFiduciary, "")
	s.NoError(s.deliver(`{"event_type": "consent_granted"}`, "evt-3"))
	s.Empty(s.publisher.tasks(s.T()))
}

func (s *ClassifierSuite) TestMalformedBodyFails() {
	s.Error(s.deliver(`not json`, "evt-4"))
	s.Error(s.deliver(`[1, 2]`, "evt-4"))
}

func (s *ClassifierSuite) TestPublishFailureIsReturned() {
	s.register("wh-df", models.ScopeFiduciary, "")
	s.publisher.err = errors.New("channel closed")
	s.Error(s.deliver(grantedEvent, "evt-1:granted"))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "approved", classifier.Label("CONSENT_GRANTED"))
	assert.Equal(t, "withdrawn", classifier.Label("consent_withdrawn"))
	assert.Equal(t, "expired", classifier.Label("consent_expired"))
	assert.Equal(t, "data_erasure_retention_triggered", classifier.Label("DATA_ERASURE_RETENTION_TRIGGERED"))
	assert.Equal(t, "unclassified", classifier.Label("grievance_raised"))
}

func TestStripLeavesInputUntouched(t *testing.T) {
	in := map[string]any{
		"purposes": []any{map[string]any{"purpose_id": "p", "purpose_hash_id": "h"}},
	}
	out := classifier.Strip(in)
	assert.NotContains(t, out["purposes"].([]any)[0], "purpose_hash_id")
	assert.Contains(t, in["purposes"].([]any)[0], "purpose_hash_id")
}
