package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"consentline/internal/consent/models"
	"consentline/internal/platform/metrics"
	dErrors "consentline/pkg/domain-errors"
	"consentline/pkg/platform/sentinel"
	"consentline/pkg/platform/tx"
)

// Store persists artifact versions. Versions are inserted, never updated;
// only the scanner's notification flags change in place.
type Store interface {
	Insert(ctx context.Context, a *models.ConsentArtifact) error
	Get(ctx context.Context, id string) (*models.ConsentArtifact, error)
	Latest(ctx context.Context, agreementID string) (*models.ConsentArtifact, error)
	GetVersion(ctx context.Context, agreementID string, version int) (*models.ConsentArtifact, error)
	FindBySourceEvent(ctx context.Context, agreementID, eventID string) (*models.ConsentArtifact, error)
	History(ctx context.Context, agreementID string) ([]*models.ConsentArtifact, error)
	ListByPrincipal(ctx context.Context, principalRef string) ([]*models.ConsentArtifact, error)
}

// PurposeCatalog resolves a purpose's validity window.
type PurposeCatalog interface {
	Window(ctx context.Context, dfID, purposeID string) (time.Duration, error)
}

// ErrNoChange is returned (wrapped) by a Check that finds nothing to do.
var ErrNoChange = errors.New("no change to apply")

// Change describes how a new version derives from the prior one. Replace
// supplies whole new content (a submission); Mutations then apply on top.
//
// Check runs against the latest version under the lineage lock and may veto
// the change with ErrNoChange. After runs in the same transaction once the
// new version is stored; it is not called on replays. OnReplay runs under
// the lineage lock instead of After when the event already produced a
// version, so a side write lost by a runner that cannot roll back can be
// completed.
type Change struct {
	EventID   string
	Replace   *models.ConsentArtifact
	Mutations []models.Mutation
	Check     func(latest *models.ConsentArtifact) error
	After     func(ctx context.Context, res Result) error
	OnReplay  func(ctx context.Context, res Result) error
}

// Result of writing a version. Replayed is set when the event had already
// produced Current on an earlier delivery.
type Result struct {
	Prior    *models.ConsentArtifact
	Current  *models.ConsentArtifact
	Replayed bool
}

// Service owns artifact versioning.
type Service struct {
	store   Store
	catalog PurposeCatalog
	tx      tx.Runner
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(r tx.Runner) Option {
	return func(s *Service) {
		s.tx = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New builds the service. store and catalog are required.
func New(store Store, catalog PurposeCatalog, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("consent store is required")
	}
	if catalog == nil {
		return nil, errors.New("purpose catalog is required")
	}
	s := &Service{
		store:   store,
		catalog: catalog,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = tx.NewShardedRunner(0)
	}
	return s, nil
}

// Now is the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Runner exposes the transaction boundary so callers can group a version
// write with their own writes.
func (s *Service) Runner() tx.Runner {
	return s.tx
}

// CreateVersion derives a new version from prior (nil starts a lineage from
// change.Replace), applies the mutations to a deep copy, rehashes and
// persists it. prior is never modified.
func (s *Service) CreateVersion(ctx context.Context, prior *models.ConsentArtifact, change Change) (*models.ConsentArtifact, error) {
	base := change.Replace
	if base == nil {
		base = prior
	}
	if base == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "no prior version and no replacement content")
	}

	now := s.Now()
	next := base.Clone()
	if prior != nil {
		next.AgreementID = prior.AgreementID
		next.Version = prior.Version + 1
	} else {
		next.AgreementID = models.LineageID(next)
		next.Version = 1
	}
	// A resubmission restamps the pairs whose decision it changes.
	if change.Replace != nil && prior != nil {
		for _, ch := range models.StatusChanges(prior, next) {
			if _, c, ok := next.Pair(ch.DEID, ch.PurposeID); ok && (c.ConsentExpiry == nil || !c.ConsentExpiry.Before(now)) {
				c.ConsentTimestamp = now
			}
		}
	}

	for _, m := range change.Mutations {
		if m.NeedsWindow() && m.Window == 0 {
			w, err := s.catalog.Window(ctx, next.DFID, m.PurposeID)
			if err != nil {
				return nil, err
			}
			m.Window = w
		}
		if err := m.Apply(next, now); err != nil {
			return nil, err
		}
	}

	next.ID = uuid.NewString()
	next.SourceEventID = change.EventID
	next.CreatedAt = now
	next.AgreementHash = ""
	if err := next.Validate(); err != nil {
		return nil, err
	}
	hash, err := models.AgreementHash(next)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "compute agreement hash")
	}
	next.AgreementHash = hash

	if err := s.store.Insert(ctx, next); err != nil {
		return nil, err
	}
	s.metrics.IncrementArtifactVersions()
	s.logger.InfoContext(ctx, "consent artifact version created",
		"agreement_id", next.AgreementID,
		"artifact_id", next.ID,
		"version", next.Version,
		"event_id", change.EventID,
	)
	return next, nil
}

// Apply writes a new version of the agreement's latest artifact inside a
// transaction. A duplicate event id replays the version it produced before.
func (s *Service) Apply(ctx context.Context, agreementID string, change Change) (Result, error) {
	var res Result
	err := s.tx.RunInTx(ctx, agreementID, func(ctx context.Context) error {
		if replay, ok, err := s.replay(ctx, agreementID, change.EventID); err != nil {
			return err
		} else if ok {
			res = replay
			return change.replayed(ctx, res)
		}

		prior, err := s.store.Latest(ctx, agreementID)
		if errors.Is(err, sentinel.ErrNotFound) {
			if change.Replace == nil {
				return dErrors.New(dErrors.CodeNotFound, "agreement not found: "+agreementID)
			}
			prior = nil
		} else if err != nil {
			return fmt.Errorf("load latest version: %w", err)
		}
		if change.Check != nil {
			if err := change.Check(prior); err != nil {
				return err
			}
		}

		current, err := s.CreateVersion(ctx, prior, change)
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			replay, ok, rerr := s.replay(ctx, agreementID, change.EventID)
			if rerr != nil {
				return rerr
			}
			if ok {
				res = replay
				return change.replayed(ctx, res)
			}
		}
		if err != nil {
			return err
		}
		res = Result{Prior: prior, Current: current}
		if change.After != nil {
			return change.After(ctx, res)
		}
		return nil
	})
	return res, err
}

func (c Change) replayed(ctx context.Context, res Result) error {
	if c.OnReplay == nil {
		return nil
	}
	return c.OnReplay(ctx, res)
}

func (s *Service) replay(ctx context.Context, agreementID, eventID string) (Result, bool, error) {
	if eventID == "" || agreementID == "" {
		return Result{}, false, nil
	}
	existing, err := s.store.FindBySourceEvent(ctx, agreementID, eventID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup source event: %w", err)
	}
	res := Result{Current: existing, Replayed: true}
	if existing.Version > 1 {
		prior, err := s.store.GetVersion(ctx, agreementID, existing.Version-1)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return Result{}, false, fmt.Errorf("load prior version: %w", err)
		}
		res.Prior = prior
	}
	s.logger.InfoContext(ctx, "event already applied, replaying",
		"agreement_id", agreementID,
		"event_id", eventID,
		"artifact_id", existing.ID,
	)
	return res, true, nil
}

// Submit stores a submitted artifact as the next version of its lineage.
func (s *Service) Submit(ctx context.Context, eventID string, submitted *models.ConsentArtifact) (Result, error) {
	if submitted == nil {
		return Result{}, dErrors.New(dErrors.CodeInvalidInput, "consent artifact is required")
	}
	return s.Apply(ctx, models.LineageID(submitted), Change{EventID: eventID, Replace: submitted})
}

// Grant approves a pair and restarts its expiry window.
func (s *Service) Grant(ctx context.Context, agreementID, deID, purposeID, eventID string) (Result, error) {
	return s.mutate(ctx, agreementID, eventID, models.Mutation{Kind: models.MutationGrant, DataElementID: deID, PurposeID: purposeID})
}

// Deny records a denial for a pair.
func (s *Service) Deny(ctx context.Context, agreementID, deID, purposeID, eventID string) (Result, error) {
	return s.mutate(ctx, agreementID, eventID, models.Mutation{Kind: models.MutationDeny, DataElementID: deID, PurposeID: purposeID})
}

// Renew extends a pair's expiry by the purpose window. An unknown purpose
// fails synchronously with CodeNotFound.
func (s *Service) Renew(ctx context.Context, agreementID, deID, purposeID, eventID string) (Result, error) {
	return s.mutate(ctx, agreementID, eventID, models.Mutation{Kind: models.MutationRenew, DataElementID: deID, PurposeID: purposeID})
}

func (s *Service) mutate(ctx context.Context, agreementID, eventID string, m models.Mutation) (Result, error) {
	return s.Apply(ctx, agreementID, Change{EventID: eventID, Mutations: []models.Mutation{m}})
}

func (s *Service) Get(ctx context.Context, id string) (*models.ConsentArtifact, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Latest(ctx context.Context, agreementID string) (*models.ConsentArtifact, error) {
	return s.store.Latest(ctx, agreementID)
}

func (s *Service) History(ctx context.Context, agreementID string) ([]*models.ConsentArtifact, error) {
	return s.store.History(ctx, agreementID)
}

func (s *Service) ListByPrincipal(ctx context.Context, principalRef string) ([]*models.ConsentArtifact, error) {
	return s.store.ListByPrincipal(ctx, principalRef)
}

// VerifyHash recomputes agreement_hash and compares it with the stored value.
func (s *Service) VerifyHash(a *models.ConsentArtifact) (bool, error) {
	return models.VerifyAgreementHash(a)
}

// VersionCheck pairs a version with the outcome of recomputing its hash.
type VersionCheck struct {
	Artifact *models.ConsentArtifact `json:"artifact"`
	HashOK   bool                    `json:"hash_ok"`
}

// VerifyHistory recomputes agreement_hash for every version of a lineage.
func (s *Service) VerifyHistory(ctx context.Context, agreementID string) ([]VersionCheck, error) {
	versions, err := s.store.History(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "agreement not found: "+agreementID)
	}
	out := make([]VersionCheck, 0, len(versions))
	for _, v := range versions {
		ok, err := models.VerifyAgreementHash(v)
		if err != nil {
			return nil, err
		}
		out = append(out, VersionCheck{Artifact: v, HashOK: ok})
	}
	return out, nil
}
