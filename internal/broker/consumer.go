package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consentline/internal/platform/metrics"
)

// Handler processes one message. A returned error schedules a retry or, once
// attempts are exhausted, a dead-letter copy.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Headers stamped on dead-lettered copies.
const (
	HeaderLastError   = "x-last-error"
	HeaderSourceQueue = "x-source-queue"
	HeaderAttempts    = "x-attempts"
)

const (
	defaultMaxRetries     = 5
	defaultPrefetch       = 10
	defaultRestartDelay   = 5 * time.Second
	defaultHandlerTimeout = 30 * time.Second
	settleTimeout         = 10 * time.Second
)

var (
	errDeliveriesClosed = errors.New("delivery stream closed")
	errSettleFailed     = errors.New("delivery could not be settled")
)

// Consumer runs the receive, apply, settle loop for one route. The attempt
// number comes from the message's own death records, so the consumer keeps
// no state between deliveries or restarts.
type Consumer struct {
	broker         Broker
	route          Route
	handler        Handler
	maxRetries     int
	prefetch       int
	restartDelay   time.Duration
	handlerTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

func WithRestartDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.restartDelay = d
		}
	}
}

func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

func WithTracer(t trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewConsumer builds a consumer for route dispatching to handler.
func NewConsumer(b Broker, route Route, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:         b,
		route:          route,
		handler:        handler,
		maxRetries:     defaultMaxRetries,
		prefetch:       defaultPrefetch,
		restartDelay:   defaultRestartDelay,
		handlerTimeout: defaultHandlerTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer("consentline/broker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. Any failure of the session is logged
// and the loop reconnects after the restart delay; Run itself only returns
// on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "consumer stopped", "queue", c.route.Queue)
			return nil
		}
		c.logger.ErrorContext(ctx, "consumer session failed, restarting",
			"queue", c.route.Queue,
			"error", err,
			"restart_in", c.restartDelay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.restartDelay):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) error {
	ch, err := c.broker.OpenChannel(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	// An unsettled delivery holds a prefetch slot and blocks the stream, so
	// a failed settle ends the session and the channel close requeues it.
	sctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	deliveries, err := ch.Consume(sctx, c.route.Queue, c.prefetch)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.route.Queue, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	c.logger.InfoContext(ctx, "waiting for messages", "queue", c.route.Queue, "prefetch", c.prefetch)
	for {
		select {
		case <-sctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return context.Cause(sctx)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errDeliveriesClosed
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.process(ctx, ch, d, abort)
			}()
		}
	}
}

func (c *Consumer) process(ctx context.Context, pub Publisher, d Delivery, abort context.CancelCauseFunc) {
	start := time.Now()
	msg := d.Message()
	attempt := msg.DeathCount(c.route.Queue, ReasonRejected) + 1

	hctx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()
	hctx, span := c.tracer.Start(hctx, "consume "+c.route.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.route.Queue),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("messaging.message.conversation_id", msg.CorrelationID),
			attribute.Int("messaging.attempt", attempt),
		),
	)
	defer span.End()

	err := c.safeHandle(hctx, msg)

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	if err == nil {
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			c.logger.ErrorContext(ctx, "ack failed", "queue", c.route.Queue, "message_id", msg.ID, "error", ackErr)
		}
		c.metrics.ObserveHandled(c.route.Queue, "ack", time.Since(start))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		// Shutdown interrupted the handler; hand the message back untouched.
		if nackErr := d.Nack(settleCtx, true); nackErr != nil {
			c.logger.ErrorContext(ctx, "requeue on shutdown failed", "queue", c.route.Queue, "message_id", msg.ID, "error", nackErr)
		}
		return
	}

	if attempt >= c.maxRetries {
		c.deadLetter(settleCtx, pub, d, err, attempt, abort)
		c.metrics.ObserveHandled(c.route.Queue, "dead_letter", time.Since(start))
		return
	}

	c.logger.WarnContext(ctx, "handler failed, scheduling retry",
		"queue", c.route.Queue,
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
		"attempt", attempt,
		"max_retries", c.maxRetries,
		"error", err,
	)
	if nackErr := d.Nack(settleCtx, false); nackErr != nil {
		c.logger.ErrorContext(ctx, "nack failed", "queue", c.route.Queue, "message_id", msg.ID, "error", nackErr)
		abort(fmt.Errorf("%w: %s: %w", errSettleFailed, msg.ID, nackErr))
		return
	}
	c.metrics.ObserveHandled(c.route.Queue, "retry", time.Since(start))
}

// deadLetter copies the message to the route's DLQ and only then acks the
// original. If the copy cannot be published the delivery goes around the
// retry path again instead of being dropped.
func (c *Consumer) deadLetter(ctx context.Context, pub Publisher, d Delivery, cause error, attempt int, abort context.CancelCauseFunc) {
	msg := d.Message()
	dead := msg.Clone()
	dead.Expiration = 0
	dead.SetHeader(HeaderLastError, cause.Error())
	dead.SetHeader(HeaderSourceQueue, c.route.Queue)
	dead.SetHeader(HeaderAttempts, fmt.Sprint(attempt))

	if err := pub.Publish(ctx, c.route.DeadLetter, dead); err != nil {
		c.logger.ErrorContext(ctx, "dead-letter publish failed, falling back to retry",
			"queue", c.route.Queue,
			"dlq", c.route.DeadLetter,
			"message_id", msg.ID,
			"error", err,
		)
		if nackErr := d.Nack(ctx, false); nackErr != nil {
			c.logger.ErrorContext(ctx, "nack failed", "queue", c.route.Queue, "message_id", msg.ID, "error", nackErr)
			abort(fmt.Errorf("%w: %s: %w", errSettleFailed, msg.ID, nackErr))
		}
		return
	}

	c.logger.ErrorContext(ctx, "max retries reached, message dead-lettered",
		"queue", c.route.Queue,
		"dlq", c.route.DeadLetter,
		"message_id", msg.ID,
		"correlation_id", msg.CorrelationID,
		"attempt", attempt,
		"error", cause,
	)
	if err := d.Ack(ctx); err != nil {
		c.logger.ErrorContext(ctx, "ack after dead-letter copy failed", "queue", c.route.Queue, "message_id", msg.ID, "error", err)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Handle(ctx, msg)
}
