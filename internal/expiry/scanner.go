// Package expiry schedules consent and data retention deadlines as delayed
// broker messages. A polling scanner publishes each upcoming deadline once to
// a delay queue whose per-message expiration releases it into
// consent_processing_q when the deadline arrives.
package expiry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"consentline/internal/broker"
	"consentline/internal/consent/models"
	"consentline/internal/events"
	"consentline/internal/platform/metrics"
)

const (
	defaultInterval        = 180 * time.Second
	defaultConsentWindow   = 31 * 24 * time.Hour
	defaultRetentionWindow = 2 * 24 * time.Hour
	defaultBatchSize       = 500
	passTimeout            = time.Minute

	// A zero expiration holds a message in a delay queue indefinitely, so
	// deadlines already passed are released after the smallest delay instead.
	minDelay = time.Millisecond
)

// Store is the artifact store surface the scanner reads and flags.
type Store interface {
	DueConsentExpiries(ctx context.Context, before time.Time, limit int) ([]models.DueEntry, error)
	DueRetentionExpiries(ctx context.Context, before time.Time, limit int) ([]models.DueEntry, error)
	MarkExpiryNotified(ctx context.Context, artifactID, deID, purposeID string) error
	MarkRetentionNotified(ctx context.Context, artifactID, deID string) error
}

// PassResult summarises one scan.
type PassResult struct {
	Consent   int
	Retention int
	Unflagged int
}

// Scanner finds deadlines inside the lookahead windows and schedules them.
type Scanner struct {
	store           Store
	broker          broker.Broker
	interval        time.Duration
	consentWindow   time.Duration
	retentionWindow time.Duration
	batchSize       int
	logger          *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

type Option func(*Scanner)

func WithInterval(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWindows sets the consent and retention lookahead windows.
func WithWindows(consent, retention time.Duration) Option {
	return func(s *Scanner) {
		if consent > 0 {
			s.consentWindow = consent
		}
		if retention > 0 {
			s.retentionWindow = retention
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

func New(store Store, b broker.Broker, opts ...Option) *Scanner {
	s := &Scanner{
		store:           store,
		broker:          b,
		interval:        defaultInterval,
		consentWindow:   defaultConsentWindow,
		retentionWindow: defaultRetentionWindow,
		batchSize:       defaultBatchSize,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every interval until ctx is cancelled. A failed pass is logged and
// the loop sleeps its normal interval; Run only returns on cancellation. The
// publish channel is held for the loop's lifetime and released on exit.
func (s *Scanner) Run(ctx context.Context) error {
	pub := broker.NewSessionPublisher(s.broker)
	defer func() {
		if err := pub.Close(); err != nil {
			s.logger.WarnContext(ctx, "release scanner channel", "error", err)
		}
		s.logger.InfoContext(ctx, "expiry scanner stopped")
	}()

	s.logger.InfoContext(ctx, "expiry scanner started",
		"interval", s.interval,
		"consent_window", s.consentWindow,
		"retention_window", s.retentionWindow,
	)
	for {
		passCtx, cancel := context.WithTimeout(ctx, passTimeout)
		res, err := s.scan(passCtx, pub)
		cancel()
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.metrics.IncrementScanFailures()
			s.logger.ErrorContext(ctx, "expiry scan failed", "error", err, "retry_in", s.interval)
		default:
			s.logger.InfoContext(ctx, "expiry scan complete",
				"consent_scheduled", res.Consent,
				"retention_scheduled", res.Retention,
				"unflagged", res.Unflagged,
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// Scan runs a single pass over a short-lived channel.
func (s *Scanner) Scan(ctx context.Context) (PassResult, error) {
	pub := broker.NewSessionPublisher(s.broker)
	defer pub.Close()
	return s.scan(ctx, pub)
}

func (s *Scanner) scan(ctx context.Context, pub broker.Publisher) (PassResult, error) {
	var res PassResult
	now := s.now().UTC()

	consents, err := s.store.DueConsentExpiries(ctx, now.Add(s.consentWindow), s.batchSize)
	if err != nil {
		return res, fmt.Errorf("query consent expiries: %w", err)
	}
	retention, err := s.store.DueRetentionExpiries(ctx, now.Add(s.retentionWindow), s.batchSize)
	if err != nil {
		return res, fmt.Errorf("query retention expiries: %w", err)
	}

	var errs []error
	for _, due := range append(consents, retention...) {
		flagged, err := s.schedule(ctx, pub, due, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if due.Kind == models.DueConsent {
			res.Consent++
		} else {
			res.Retention++
		}
		if !flagged {
			res.Unflagged++
		}
	}
	return res, errors.Join(errs...)
}

// schedule publishes first and flags second. A crash between the two leaves
// the entry unflagged, so the next pass publishes it again under the same
// correlation id and the router applies it once.
func (s *Scanner) schedule(ctx context.Context, pub broker.Publisher, due models.DueEntry, now time.Time) (bool, error) {
	delay := max(due.Deadline.Sub(now), 0)
	if err := publishDue(ctx, pub, due, delay, now); err != nil {
		return false, err
	}
	s.metrics.IncrementScheduled(string(due.Kind))

	var err error
	if due.Kind == models.DueConsent {
		err = s.store.MarkExpiryNotified(ctx, due.ArtifactID, due.DEID, due.PurposeID)
	} else {
		err = s.store.MarkRetentionNotified(ctx, due.ArtifactID, due.DEID)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "scheduled expiry not flagged, will be rescheduled",
			"kind", due.Kind,
			"artifact_id", due.ArtifactID,
			"de_id", due.DEID,
			"purpose_id", due.PurposeID,
			"error", err,
		)
		return false, nil
	}
	s.logger.DebugContext(ctx, "expiry scheduled",
		"kind", due.Kind,
		"artifact_id", due.ArtifactID,
		"de_id", due.DEID,
		"purpose_id", due.PurposeID,
		"deadline", due.Deadline,
		"delay", delay,
	)
	return true, nil
}

// DelayQueue returns the delay queue for kind.
func DelayQueue(kind models.DueKind) string {
	if kind == models.DueConsent {
		return broker.ConsentExpiryDelayQueue
	}
	return broker.DataExpiryDelayQueue
}

// CorrelationID is stable for one deadline of one entry, so every publish of
// the same deadline carries the same idempotency key.
func CorrelationID(due models.DueEntry) string {
	sum := sha256.Sum256([]byte(string(due.Kind) + "|" + due.ArtifactID + "|" + due.DEID + "|" +
		due.PurposeID + "|" + due.Deadline.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

func eventFor(due models.DueEntry) events.Event {
	deadline := due.Deadline.UTC()
	if due.Kind == models.DueConsent {
		return events.ConsentExpiry{
			ArtifactID:    due.ArtifactID,
			DataElementID: due.DEID,
			PurposeID:     due.PurposeID,
			ExpiryAt:      &deadline,
		}
	}
	return events.DataRetentionExpiry{
		ArtifactID:    due.ArtifactID,
		DataElementID: due.DEID,
		ExpiryAt:      &deadline,
	}
}

func publishDue(ctx context.Context, pub broker.Publisher, due models.DueEntry, delay time.Duration, now time.Time) error {
	correlationID := CorrelationID(due)
	body, err := events.Encode(eventFor(due), correlationID, now)
	if err != nil {
		return err
	}
	queue := DelayQueue(due.Kind)
	msg := broker.Message{
		ID:            ulid.Make().String(),
		Body:          body,
		CorrelationID: correlationID,
		Expiration:    max(delay, minDelay),
	}
	if err := pub.Publish(ctx, queue, msg); err != nil {
		return fmt.Errorf("schedule %s expiry for %s/%s: %w", due.Kind, due.ArtifactID, due.DEID, err)
	}
	return nil
}
