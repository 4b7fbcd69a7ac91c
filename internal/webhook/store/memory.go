// Package store persists webhook subscriptions and the delivery log.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"consentline/internal/webhook/models"
	"consentline/pkg/platform/sentinel"
)

// InMemoryStore keeps subscriptions and delivery events in maps.
type InMemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*models.Subscription
	events        map[string]*models.Event
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		subscriptions: make(map[string]*models.Subscription),
		events:        make(map[string]*models.Event),
	}
}

func cloneSubscription(s *models.Subscription) *models.Subscription {
	out := *s
	out.Events = slices.Clone(s.Events)
	if s.Metrics.LastSuccess != nil {
		t := *s.Metrics.LastSuccess
		out.Metrics.LastSuccess = &t
	}
	if s.Metrics.LastFailure != nil {
		t := *s.Metrics.LastFailure
		out.Metrics.LastFailure = &t
	}
	return &out
}

func cloneEvent(e *models.Event) *models.Event {
	out := *e
	out.Payload = slices.Clone(e.Payload)
	return &out
}

// Create stores a new subscription. A URL already registered for the
// fiduciary is rejected.
func (s *InMemoryStore) Create(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; ok {
		return fmt.Errorf("webhook %s: %w", sub.ID, sentinel.ErrConflict)
	}
	for _, existing := range s.subscriptions {
		if existing.DFID == sub.DFID && existing.URL == sub.URL {
			return fmt.Errorf("webhook url %s for %s: %w", sub.URL, sub.DFID, sentinel.ErrAlreadyUsed)
		}
	}
	s.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneSubscription(sub), nil
}

// ListByFiduciary returns every subscription of dfID, oldest first.
func (s *InMemoryStore) ListByFiduciary(_ context.Context, dfID string) ([]*models.Subscription, error) {
	return s.list(dfID, false), nil
}

// ListActive returns the active subscriptions of dfID, oldest first.
func (s *InMemoryStore) ListActive(_ context.Context, dfID string) ([]*models.Subscription, error) {
	return s.list(dfID, true), nil
}

func (s *InMemoryStore) list(dfID string, activeOnly bool) []*models.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Subscription
	for _, sub := range s.subscriptions {
		if sub.DFID != dfID || (activeOnly && sub.Status != models.StatusActive) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	slices.SortFunc(out, func(a, b *models.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// RecordDelivery bumps delivered or failed and stamps the matching time.
func (s *InMemoryStore) RecordDelivery(_ context.Context, id string, delivered bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(id, delivered, at)
}

func (s *InMemoryStore) recordLocked(id string, delivered bool, at time.Time) error {
	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("webhook %s: %w", id, sentinel.ErrNotFound)
	}
	at = at.UTC()
	if delivered {
		sub.Metrics.Delivered++
		sub.Metrics.LastSuccess = &at
	} else {
		sub.Metrics.Failed++
		sub.Metrics.LastFailure = &at
	}
	return nil
}

func (s *InMemoryStore) CreateEvent(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("webhook event %s: %w", e.ID, sentinel.ErrConflict)
	}
	s.events[e.ID] = cloneEvent(e)
	return nil
}

func (s *InMemoryStore) GetEvent(_ context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("webhook event %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneEvent(e), nil
}

// CompleteDelivery settles a pending event and, when the outcome counts,
// bumps the subscription counters under the same lock. It reports false
// when the event was already settled, in which case nothing changes.
func (s *InMemoryStore) CompleteDelivery(_ context.Context, o models.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[o.EventID]
	if !ok {
		return false, fmt.Errorf("webhook event %s: %w", o.EventID, sentinel.ErrNotFound)
	}
	if e.Status != models.DeliveryPending {
		return false, nil
	}
	if o.Count {
		if err := s.recordLocked(o.WebhookID, o.Status == models.DeliverySent, o.At); err != nil {
			return false, err
		}
	}
	e.Status = o.Status
	e.Attempts = o.Attempts
	e.LastError = o.LastError
	e.UpdatedAt = o.At.UTC()
	return true, nil
}

// EventsFor lists the delivery log of one subscription, oldest first.
func (s *InMemoryStore) EventsFor(_ context.Context, webhookID string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.WebhookID == webhookID {
			out = append(out, cloneEvent(e))
		}
	}
	slices.SortFunc(out, func(a, b *models.Event) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
