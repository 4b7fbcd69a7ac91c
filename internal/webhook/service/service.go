// Package service registers and lists webhook subscriptions.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"consentline/internal/webhook/models"
	dErrors "consentline/pkg/domain-errors"
	"consentline/pkg/platform/sentinel"
)

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *models.Subscription) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	ListByFiduciary(ctx context.Context, dfID string) ([]*models.Subscription, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates sub, assigns its identity and stores it. Metrics start
// at zero regardless of input.
func (s *Service) Register(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	sub.ApplyDefaults()
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sub.ID = uuid.NewString()
	sub.Metrics = models.Metrics{}
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.store.Create(ctx, &sub); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "webhook url already registered for this fiduciary")
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "webhook registered",
		"webhook_id", sub.ID,
		"df_id", sub.DFID,
		"webhook_for", sub.WebhookFor,
		"dpr_id", sub.DPRID,
	)
	out := sub.Redacted()
	return &out, nil
}

// Get returns one subscription with its secret redacted.
func (s *Service) Get(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.store.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "webhook not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	out := sub.Redacted()
	return &out, nil
}

// List returns the fiduciary's subscriptions, secrets redacted.
func (s *Service) List(ctx context.Context, dfID string) ([]models.Subscription, error) {
	if dfID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "df_id is required")
	}
	subs, err := s.store.ListByFiduciary(ctx, dfID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	return out, nil
}
