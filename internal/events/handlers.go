package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"consentline/internal/broker"
	"consentline/internal/consent/models"
	"consentline/internal/consent/service"
	audit "consentline/pkg/platform/audit"
	"consentline/pkg/platform/sentinel"
)

// Versions is the artifact store surface the handlers write through.
type Versions interface {
	Get(ctx context.Context, id string) (*models.ConsentArtifact, error)
	Latest(ctx context.Context, agreementID string) (*models.ConsentArtifact, error)
	Apply(ctx context.Context, agreementID string, change service.Change) (service.Result, error)
}

// Auditor appends chain entries.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Entry, error)
	Recorded(ctx context.Context, rec audit.Record) (bool, error)
}

// Processor applies decoded events: one new artifact version plus one audit
// entry per event in a single transaction, then the fan-out publish.
type Processor struct {
	versions  Versions
	auditor   Auditor
	publisher broker.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

type ProcessorOption func(*Processor)

func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

func NewProcessor(versions Versions, auditor Auditor, publisher broker.Publisher, opts ...ProcessorOption) *Processor {
	p := &Processor{
		versions:  versions,
		auditor:   auditor,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func skip(reason string) error {
	return fmt.Errorf("%s: %w", reason, service.ErrNoChange)
}

// apply runs the change and publishes its fan-out. A vetoed change is a
// successful no-op.
func (p *Processor) apply(ctx context.Context, ev Event, meta Meta, agreementID string, change service.Change, op func(prior *models.ConsentArtifact) audit.Operation, fanout func(service.Result) []Fanout) error {
	change.EventID = meta.EventID
	if op != nil {
		change.After = func(ctx context.Context, res service.Result) error {
			_, err := p.auditor.Append(ctx, auditRecord(res.Current, op(res.Prior)))
			return err
		}
		// The in-memory runner keeps a version whose audit append failed.
		change.OnReplay = func(ctx context.Context, res service.Result) error {
			rec := auditRecord(res.Current, op(res.Prior))
			ok, err := p.auditor.Recorded(ctx, rec)
			if err != nil || ok {
				return err
			}
			p.logger.WarnContext(ctx, "restoring missing audit entry",
				"agreement_id", rec.AgreementID,
				"version", rec.Version,
				"event_id", meta.EventID,
			)
			_, err = p.auditor.Append(ctx, rec)
			return err
		}
	}

	res, err := p.versions.Apply(ctx, agreementID, change)
	if errors.Is(err, service.ErrNoChange) {
		p.logger.InfoContext(ctx, "event skipped",
			"event_type", ev.Type(),
			"event_id", meta.EventID,
			"agreement_id", agreementID,
			"reason", err.Error(),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", ev.Type(), err)
	}

	p.logger.InfoContext(ctx, "event applied",
		"event_type", ev.Type(),
		"event_id", meta.EventID,
		"agreement_id", res.Current.AgreementID,
		"artifact_id", res.Current.ID,
		"version", res.Current.Version,
		"replayed", res.Replayed,
	)
	if fanout == nil {
		return nil
	}
	return p.publish(ctx, meta.EventID, fanout(res))
}

func (p *Processor) publish(ctx context.Context, eventID string, out []Fanout) error {
	for _, f := range out {
		msg, err := f.message(eventID)
		if err != nil {
			return err
		}
		if err := p.publisher.Publish(ctx, broker.ConsentEventsQueue, msg); err != nil {
			return fmt.Errorf("publish %s: %w", f.EventType, err)
		}
	}
	return nil
}

func auditRecord(a *models.ConsentArtifact, op audit.Operation) audit.Record {
	return audit.Record{
		PrincipalRef: a.DataPrincipal.PrincipalRef,
		DFID:         a.DFID,
		CPID:         a.CPID,
		AgreementID:  a.AgreementID,
		Version:      a.Version,
		Operation:    op,
		Payload:      a,
	}
}

func fixed(op audit.Operation) func(*models.ConsentArtifact) audit.Operation {
	return func(*models.ConsentArtifact) audit.Operation { return op }
}

// lookup resolves the artifact an event names. A missing artifact is a skip:
// the event can never apply.
func (p *Processor) lookup(ctx context.Context, artifactID string) (*models.ConsentArtifact, error) {
	a, err := p.versions.Get(ctx, artifactID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, skip("artifact " + artifactID + " not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", artifactID, err)
	}
	return a, nil
}

func (p *Processor) handleSubmission(ctx context.Context, ev ConsentSubmission, meta Meta) error {
	agreementID := models.LineageID(ev.Artifact)
	return p.apply(ctx, ev, meta, agreementID,
		service.Change{Replace: ev.Artifact},
		func(prior *models.ConsentArtifact) audit.Operation {
			if prior == nil {
				return audit.OpInsert
			}
			return audit.OpUpdate
		},
		func(res service.Result) []Fanout {
			return submissionFanout(res.Prior, res.Current)
		},
	)
}

func (p *Processor) handleConsentExpiry(ctx context.Context, ev ConsentExpiry, meta Meta) error {
	a, err := p.lookup(ctx, ev.ArtifactID)
	if err != nil {
		return p.skipOrFail(ctx, ev, meta, err)
	}
	now := p.now()
	return p.apply(ctx, ev, meta, a.AgreementID,
		service.Change{
			Mutations: []models.Mutation{{Kind: models.MutationExpire, DataElementID: ev.DataElementID, PurposeID: ev.PurposeID}},
			Check: func(latest *models.ConsentArtifact) error {
				_, c, ok := latest.Pair(ev.DataElementID, ev.PurposeID)
				switch {
				case !ok:
					return skip("consent pair not found")
				case c.ConsentStatus != models.StatusApproved:
					return skip("consent not approved")
				case c.ConsentExpiry == nil:
					return skip("consent has no expiry")
				case c.ConsentExpiry.After(now):
					return skip("consent not yet expired")
				}
				return nil
			},
		},
		fixed(audit.OpConsentExpired),
		func(res service.Result) []Fanout {
			return expiryFanout(res.Current, ev.DataElementID, ev.PurposeID)
		},
	)
}

func (p *Processor) handleRetention(ctx context.Context, ev Event, meta Meta, artifactID, deID string, manual bool) error {
	a, err := p.lookup(ctx, artifactID)
	if err != nil {
		return p.skipOrFail(ctx, ev, meta, err)
	}
	op, fanoutType := audit.OpRetentionErasure, FanoutRetentionErasure
	if manual {
		op, fanoutType = audit.OpManualErasure, FanoutManualErasure
	}
	now := p.now()
	return p.apply(ctx, ev, meta, a.AgreementID,
		service.Change{
			Mutations: []models.Mutation{{Kind: models.MutationRetire, DataElementID: deID}},
			Check: func(latest *models.ConsentArtifact) error {
				de, ok := latest.Element(deID)
				switch {
				case !ok:
					return skip("data element not found")
				case de.DEStatus == models.ElementInactive:
					return skip("data element already inactive")
				case manual:
					return nil
				case de.RetentionExpiry == nil:
					return skip("data element has no retention period")
				case de.RetentionExpiry.After(now):
					return skip("retention not yet expired")
				}
				return nil
			},
		},
		fixed(op),
		func(res service.Result) []Fanout {
			return erasureFanout(fanoutType, res.Current, deID)
		},
	)
}

func (p *Processor) handleOTPVerification(ctx context.Context, ev OTPVerification, meta Meta) error {
	a, err := p.versions.Get(ctx, ev.ArtifactID)
	if errors.Is(err, sentinel.ErrNotFound) {
		a, err = p.versions.Latest(ctx, ev.ArtifactID)
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return p.skipOrFail(ctx, ev, meta, skip("artifact "+ev.ArtifactID+" not found"))
	}
	if err != nil {
		return fmt.Errorf("load artifact %s: %w", ev.ArtifactID, err)
	}
	return p.apply(ctx, ev, meta, a.AgreementID,
		service.Change{
			Mutations: []models.Mutation{{Kind: models.MutationVerify}},
			Check: func(latest *models.ConsentArtifact) error {
				if latest.DPVerification {
					return skip("principal already verified")
				}
				return nil
			},
		},
		fixed(audit.OpPrincipalVerified),
		nil,
	)
}

func (p *Processor) skipOrFail(ctx context.Context, ev Event, meta Meta, err error) error {
	if errors.Is(err, service.ErrNoChange) {
		p.logger.WarnContext(ctx, "event skipped",
			"event_type", ev.Type(),
			"event_id", meta.EventID,
			"reason", err.Error(),
		)
		return nil
	}
	return err
}
