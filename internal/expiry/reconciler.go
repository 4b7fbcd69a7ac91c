package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"consentline/internal/broker"
	"consentline/internal/consent/models"
	"consentline/internal/platform/metrics"
)

const (
	defaultReconcileSpec  = "@every 15m"
	defaultReconcileGrace = 10 * time.Minute
	reconcileTimeout      = 5 * time.Minute
)

// OverdueStore lists entries already flagged as scheduled whose deadline has
// passed while they are still in force.
type OverdueStore interface {
	NotifiedOverdue(ctx context.Context, before time.Time, limit int) ([]models.DueEntry, error)
}

// Reconciler republishes flagged entries whose delayed message never took
// effect: the publish was lost after the flag was set, or the message was
// dead-lettered. The router skips entries that already changed.
type Reconciler struct {
	store     OverdueStore
	publisher broker.Publisher
	spec      string
	grace     time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type ReconcilerOption func(*Reconciler)

// WithSchedule sets the cron spec; descriptors like "@every 15m" are accepted.
func WithSchedule(spec string) ReconcilerOption {
	return func(r *Reconciler) {
		if spec != "" {
			r.spec = spec
		}
	}
}

// WithGrace sets how long past its deadline a flagged entry may stay in force.
func WithGrace(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.grace = d
		}
	}
}

func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

func NewReconciler(store OverdueStore, publisher broker.Publisher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     store,
		publisher: publisher,
		spec:      defaultReconcileSpec,
		grace:     defaultReconcileGrace,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile republishes every overdue entry with the smallest delay and
// returns how many were sent.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	now := r.now().UTC()
	overdue, err := r.store.NotifiedOverdue(ctx, now.Add(-r.grace), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("query overdue entries: %w", err)
	}
	sent := 0
	for _, due := range overdue {
		if err := publishDue(ctx, r.publisher, due, 0, now); err != nil {
			return sent, err
		}
		sent++
		r.metrics.IncrementReconciled()
		r.logger.WarnContext(ctx, "republished overdue expiry",
			"kind", due.Kind,
			"artifact_id", due.ArtifactID,
			"de_id", due.DEID,
			"purpose_id", due.PurposeID,
			"deadline", due.Deadline,
		)
	}
	return sent, nil
}

// Run schedules Reconcile on the cron spec until ctx is cancelled, then
// waits for a running pass to finish.
func (r *Reconciler) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(r.spec)
	if err != nil {
		return fmt.Errorf("parse reconcile schedule %q: %w", r.spec, err)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		passCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
		defer cancel()
		start := time.Now()
		n, err := r.Reconcile(passCtx)
		if err != nil {
			r.logger.ErrorContext(ctx, "expiry reconciliation failed", "error", err, "republished", n)
			return
		}
		r.logger.InfoContext(ctx, "expiry reconciliation complete", "republished", n, "duration", time.Since(start))
	}))

	r.logger.InfoContext(ctx, "expiry reconciler started", "schedule", r.spec, "grace", r.grace)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.InfoContext(ctx, "expiry reconciler stopped")
	return nil
}
