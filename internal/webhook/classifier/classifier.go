// Package classifier turns consent_events_q fan-out events into one delivery
// task per matching webhook subscription.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"consentline/internal/broker"
	"consentline/internal/platform/metrics"
	"consentline/internal/webhook/models"
	"consentline/pkg/platform/sentinel"
)

// Subscriptions lists the active subscriptions of a fiduciary.
type Subscriptions interface {
	ListActive(ctx context.Context, dfID string) ([]*models.Subscription, error)
}

// EventLog records pending deliveries.
type EventLog interface {
	CreateEvent(ctx context.Context, e *models.Event) error
}

// Fields removed before a payload leaves the pipeline.
var (
	elementFields = []string{"de_hash_id", "de_status"}
	consentFields = []string{
		"purpose_hash_id", "consent_mode", "cross_border", "consent_timestamp",
		"retention_timestamp", "legal_mandatory", "service_mandatory", "reconsent",
	}
)

// Delivery log ids derive from the source message and subscription so a
// redelivered fan-out event reuses them.
var eventNamespace = uuid.MustParse("1d3f6c0e-5b8a-4e8f-9d2c-7a4b1e6f0c93")

type Classifier struct {
	subs      Subscriptions
	events    EventLog
	publisher broker.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Classifier)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

func New(subs Subscriptions, events EventLog, publisher broker.Publisher, opts ...Option) *Classifier {
	c := &Classifier{
		subs:      subs,
		events:    events,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Label maps a fan-out event type to the classification_label subscribers see.
func Label(eventType string) string {
	switch strings.ToLower(eventType) {
	case "consent_granted", "consent_given":
		return "approved"
	case "consent_withdrawn":
		return "withdrawn"
	case "consent_expired":
		return "expired"
	case "data_erasure_retention_triggered", "data_erasure_manual_triggered", "data_update_requested":
		return strings.ToLower(eventType)
	}
	return "unclassified"
}

// Handle classifies one fan-out event. No matching subscription is a normal
// outcome.
func (c *Classifier) Handle(ctx context.Context, msg *broker.Message) error {
	event, err := decodeObject(msg.Body)
	if err != nil {
		return fmt.Errorf("decode fan-out event: %w", err)
	}
	eventType, _ := event["event_type"].(string)
	dfID, _ := event["df_id"].(string)
	dpID, _ := event["dp_id"].(string)
	if dfID == "" {
		c.logger.ErrorContext(ctx, "fan-out event has no df_id, dropping", "message_id", msg.ID, "event_type", eventType)
		return nil
	}

	subs, err := c.subs.ListActive(ctx, dfID)
	if err != nil {
		return fmt.Errorf("load webhooks for %s: %w", dfID, err)
	}

	processors := processorIDs(event)
	classified := Strip(event)
	classified["classification"] = "approved"
	classified["classification_label"] = Label(eventType)
	classified["classification_timestamp"] = c.now().UTC().Format(time.RFC3339Nano)

	// Fiduciary-wide subscriptions first, then processor-scoped ones.
	ordered := slices.Clone(subs)
	slices.SortStableFunc(ordered, func(a, b *models.Subscription) int {
		return scopeRank(a.WebhookFor) - scopeRank(b.WebhookFor)
	})

	tasks := 0
	for _, sub := range ordered {
		if !sub.Subscribes(eventType) {
			continue
		}
		payload := classified
		if sub.WebhookFor == models.ScopeProcessor {
			if !slices.Contains(processors, sub.DPRID) {
				continue
			}
			var ok bool
			payload, ok = narrow(classified, sub.DPRID)
			if !ok {
				continue
			}
		}
		if err := c.emit(ctx, msg, sub, dpID, eventType, payload); err != nil {
			return err
		}
		tasks++
	}

	c.metrics.IncrementDeliveryTasks(tasks)
	c.logger.InfoContext(ctx, "fan-out event classified",
		"event_type", eventType,
		"df_id", dfID,
		"subscriptions", len(subs),
		"tasks", tasks,
	)
	return nil
}

func scopeRank(s models.Scope) int {
	if s == models.ScopeProcessor {
		return 1
	}
	return 0
}

func (c *Classifier) emit(ctx context.Context, msg *broker.Message, sub *models.Subscription, dpID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	now := c.now().UTC()
	ev := &models.Event{
		ID:        c.eventID(msg, sub.ID),
		WebhookID: sub.ID,
		DFID:      sub.DFID,
		DPID:      dpID,
		EventType: eventType,
		Payload:   body,
		Status:    models.DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.events.CreateEvent(ctx, ev); err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("record webhook event: %w", err)
	}

	task, err := json.Marshal(models.Task{
		EventID:   ev.ID,
		WebhookID: sub.ID,
		DFID:      sub.DFID,
		EventType: eventType,
		Payload:   body,
	})
	if err != nil {
		return fmt.Errorf("encode delivery task: %w", err)
	}
	out := broker.Message{Body: task, CorrelationID: ev.ID}
	out.SetHeader("webhook_id", sub.ID)
	if err := c.publisher.Publish(ctx, broker.WebhookMainQueue, out); err != nil {
		return fmt.Errorf("publish delivery task: %w", err)
	}
	return nil
}

func (c *Classifier) eventID(msg *broker.Message, webhookID string) string {
	source := msg.CorrelationID
	if source == "" {
		source = msg.ID
	}
	if source == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(eventNamespace, []byte(source+"|"+webhookID)).String()
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("event body is not an object")
	}
	return out, nil
}

// Strip returns a subscriber-safe copy of event.
func Strip(event map[string]any) map[string]any {
	out := deepCopy(event).(map[string]any)
	for _, de := range objects(out["data_elements"]) {
		for _, f := range elementFields {
			delete(de, f)
		}
		for _, c := range objects(de["consents"]) {
			for _, f := range consentFields {
				delete(c, f)
			}
		}
	}
	for _, p := range objects(out["purposes"]) {
		for _, f := range elementFields {
			delete(p, f)
		}
		for _, f := range consentFields {
			delete(p, f)
		}
	}
	return out
}

// processorIDs collects every processor the event references, from purposes
// and from element consents.
func processorIDs(event map[string]any) []string {
	var ids []string
	add := func(list any) {
		for _, id := range processorRefs(list) {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	for _, p := range objects(event["purposes"]) {
		add(p["data_processors"])
	}
	for _, de := range objects(event["data_elements"]) {
		for _, c := range objects(de["consents"]) {
			add(c["data_processors"])
		}
	}
	return ids
}

// processorRefs accepts both {"data_processor_id": id} objects and bare ids.
func processorRefs(list any) []string {
	items, _ := list.([]any)
	var out []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case map[string]any:
			if id, _ := v["data_processor_id"].(string); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// narrow keeps only the entries that reference dprID. Element events narrow
// consents inside data_elements; purpose events narrow purposes.
func narrow(classified map[string]any, dprID string) (map[string]any, bool) {
	out := deepCopy(classified).(map[string]any)
	out["event_for"] = string(models.ScopeProcessor)
	out["data_processor_id"] = dprID

	references := func(entry map[string]any) bool {
		return slices.Contains(processorRefs(entry["data_processors"]), dprID)
	}

	if _, hasElements := out["data_elements"]; hasElements && len(objects(out["purposes"])) == 0 {
		var kept []any
		for _, de := range objects(out["data_elements"]) {
			var consents []any
			for _, c := range objects(de["consents"]) {
				if references(c) {
					consents = append(consents, c)
				}
			}
			if len(consents) > 0 {
				de["consents"] = consents
				kept = append(kept, de)
			}
		}
		if len(kept) == 0 {
			return nil, false
		}
		out["data_elements"] = kept
		return out, true
	}

	var kept []any
	for _, p := range objects(out["purposes"]) {
		if references(p) {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, false
	}
	out["purposes"] = kept
	return out, true
}

func objects(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	}
	return v
}

var _ broker.Handler = (*Classifier)(nil)
