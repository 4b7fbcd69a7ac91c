// Package dispatcher delivers webhook_main tasks to subscriber endpoints.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"consentline/internal/broker"
	"consentline/internal/platform/metrics"
	"consentline/internal/webhook/models"
	"consentline/pkg/canonjson"
	dErrors "consentline/pkg/domain-errors"
	"consentline/pkg/platform/sentinel"
)

const (
	defaultRequestTimeout  = 10 * time.Second
	defaultMaxDelay        = 5 * time.Minute
	defaultBreakerFailures = 5
	defaultBreakerOpenFor  = 30 * time.Second
	testEventName          = "WEBHOOK_TEST"
)

// Subscriptions loads subscriptions.
type Subscriptions interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
}

// EventLog settles logged deliveries. CompleteDelivery applies an outcome
// and its counter bump together, and only to a still-pending event.
type EventLog interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	CompleteDelivery(ctx context.Context, o models.Outcome) (bool, error)
}

type Dispatcher struct {
	subs     Subscriptions
	events   EventLog
	client   *http.Client
	limiter  *rate.Limiter
	maxDelay time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	breakerFailures uint32
	breakerOpenFor  time.Duration
	breakersMu      sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker[int]
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithRateLimit caps outbound requests per second across all targets.
// Zero disables the limiter.
func WithRateLimit(perSec float64) Option {
	return func(d *Dispatcher) {
		if perSec > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

// WithBreaker opens a target's breaker after failures consecutive errors and
// keeps it open for openFor.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(d *Dispatcher) {
		if failures > 0 {
			d.breakerFailures = failures
		}
		if openFor > 0 {
			d.breakerOpenFor = openFor
		}
	}
}

// WithMaxDelay caps the backoff between attempts.
func WithMaxDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.maxDelay = delay
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func New(subs Subscriptions, events EventLog, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:            subs,
		events:          events,
		client:          &http.Client{Timeout: defaultRequestTimeout},
		maxDelay:        defaultMaxDelay,
		logger:          slog.Default(),
		now:             time.Now,
		breakerFailures: defaultBreakerFailures,
		breakerOpenFor:  defaultBreakerOpenFor,
		breakers:        make(map[string]*gobreaker.CircuitBreaker[int]),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle delivers one task. Delivery outcomes settle the task; only store
// failures return an error so the broker retries the task.
func (d *Dispatcher) Handle(ctx context.Context, msg *broker.Message) error {
	var task models.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		return fmt.Errorf("decode delivery task: %w", err)
	}
	if task.EventID == "" || task.WebhookID == "" {
		return fmt.Errorf("delivery task missing event_id or webhook_id")
	}

	ev, err := d.events.GetEvent(ctx, task.EventID)
	if err != nil {
		return fmt.Errorf("load webhook event %s: %w", task.EventID, err)
	}
	if ev.Status != models.DeliveryPending {
		d.logger.InfoContext(ctx, "webhook event already settled", "event_id", ev.ID, "status", ev.Status)
		return nil
	}

	sub, err := d.subs.Get(ctx, task.WebhookID)
	if errors.Is(err, sentinel.ErrNotFound) {
		_, err := d.complete(ctx, models.Outcome{EventID: ev.ID, WebhookID: task.WebhookID, Status: models.DeliveryFailed, LastError: "webhook not found"})
		return err
	}
	if err != nil {
		return fmt.Errorf("load webhook %s: %w", task.WebhookID, err)
	}
	if sub.Status != models.StatusActive {
		_, err := d.complete(ctx, models.Outcome{EventID: ev.ID, WebhookID: sub.ID, Status: models.DeliveryFailed, LastError: "webhook is " + string(sub.Status)})
		return err
	}

	payload := task.Payload
	if len(payload) == 0 {
		payload = ev.Payload
	}

	start := time.Now()
	attempts, deliverErr := d.deliver(ctx, sub, payload)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	out := models.Outcome{EventID: ev.ID, WebhookID: sub.ID, Status: models.DeliverySent, Attempts: attempts, Count: true}
	if deliverErr != nil {
		out.Status = models.DeliveryFailed
		out.LastError = deliverErr.Error()
	}
	applied, err := d.complete(ctx, out)
	if err != nil || !applied {
		return err
	}

	if deliverErr == nil {
		d.metrics.ObserveDelivery("delivered", time.Since(start))
		d.logger.InfoContext(ctx, "webhook delivered", "webhook_id", sub.ID, "event_id", ev.ID, "attempts", attempts)
		return nil
	}
	d.metrics.ObserveDelivery("failed", time.Since(start))
	d.logger.WarnContext(ctx, "webhook delivery failed",
		"webhook_id", sub.ID,
		"event_id", ev.ID,
		"attempts", attempts,
		"error", deliverErr,
	)
	return nil
}

// complete writes the outcome. A concurrent handler that settled the event
// first wins; this one reports not applied and counts nothing.
func (d *Dispatcher) complete(ctx context.Context, o models.Outcome) (bool, error) {
	o.At = d.now()
	applied, err := d.events.CompleteDelivery(ctx, o)
	if err != nil {
		return false, fmt.Errorf("settle webhook event %s: %w", o.EventID, err)
	}
	if !applied {
		d.logger.InfoContext(ctx, "webhook event settled concurrently", "event_id", o.EventID)
	}
	return applied, nil
}

// deliver runs the subscription's retry policy and reports how many
// attempts were made.
func (d *Dispatcher) deliver(ctx context.Context, sub *models.Subscription, payload []byte) (int, error) {
	signature, err := Sign(sub.Auth.Secret, payload)
	if err != nil {
		return 0, err
	}
	policy := sub.RetryPolicy
	tries := max(1, policy.MaxRetries)

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(tries)),
		retry.LastErrorOnly(true),
		retry.MaxDelay(d.maxDelay),
	}
	switch policy.Backoff {
	case models.BackoffExponential:
		opts = append(opts, retry.Delay(policy.Interval()), retry.DelayType(retry.BackOffDelay))
	case models.BackoffFixed:
		opts = append(opts, retry.Delay(policy.Interval()), retry.DelayType(retry.FixedDelay))
	default:
		opts = append(opts, retry.Delay(0), retry.DelayType(retry.FixedDelay))
	}

	breaker := d.breaker(sub.URL)
	attempts := 0
	err = retry.Do(func() error {
		attempts++
		_, err := breaker.Execute(func() (int, error) {
			return d.post(ctx, sub, payload, signature)
		})
		return err
	}, opts...)
	return attempts, err
}

func (d *Dispatcher) breaker(target string) *gobreaker.CircuitBreaker[int] {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	if cb, ok := d.breakers[target]; ok {
		return cb
	}
	failures := d.breakerFailures
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook:" + target,
		MaxRequests: 1,
		Timeout:     d.breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("webhook breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[target] = cb
	return cb
}

// post sends one request. Any non-2xx status is an error.
func (d *Dispatcher) post(ctx context.Context, sub *models.Subscription, payload []byte, signature string) (int, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	target, err := url.Parse(sub.URL)
	if err != nil {
		return 0, fmt.Errorf("parse webhook url: %w", err)
	}
	if sub.Auth.Type == models.AuthQuery {
		q := target.Query()
		q.Set(sub.Auth.Key, signature)
		target.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Auth.Type == models.AuthHeader {
		req.Header.Set(sub.Auth.Key, signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign is hex(hmac_sha256(secret, canonical payload)). An empty secret
// yields no signature.
func Sign(secret string, payload []byte) (string, error) {
	if secret == "" {
		return "", nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decode webhook payload: %w", err)
	}
	canonical, err := canonjson.Encode(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// TestResult reports a test fire.
type TestResult struct {
	WebhookID  string        `json:"webhook_id"`
	EventID    string        `json:"event_id"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// TestFire sends one synchronous probe to a testing-environment
// subscription. It skips classification, retries and metrics.
func (d *Dispatcher) TestFire(ctx context.Context, webhookID string) (*TestResult, error) {
	sub, err := d.subs.Get(ctx, webhookID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "webhook not found: "+webhookID)
	}
	if err != nil {
		return nil, err
	}
	if sub.Environment != models.EnvTesting {
		return nil, dErrors.New(dErrors.CodeForbidden, "test events can only be sent to testing environment webhooks")
	}

	eventID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"webhook_id":  sub.ID,
		"event_id":    eventID,
		"df_id":       sub.DFID,
		"dpr_id":      sub.DPRID,
		"event":       testEventName,
		"environment": string(models.EnvTesting),
		"timestamp":   d.now().UTC().Format(time.RFC3339Nano),
		"message":     "This is a test event to verify webhook integration.",
	})
	if err != nil {
		return nil, fmt.Errorf("encode test payload: %w", err)
	}
	signature, err := Sign(sub.Auth.Secret, payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	code, postErr := d.post(ctx, sub, payload, signature)
	res := &TestResult{WebhookID: sub.ID, EventID: eventID, StatusCode: code, Elapsed: time.Since(start)}
	if postErr != nil {
		res.Status = "error"
		res.Message = postErr.Error()
	} else {
		res.Status = "success"
		res.Message = "Webhook tested successfully."
	}
	d.logger.InfoContext(ctx, "webhook test fired", "webhook_id", sub.ID, "status", res.Status, "status_code", code)
	return res, nil
}

var _ broker.Handler = (*Dispatcher)(nil)
