package events

import (
	"context"
	"log/slog"

	"consentline/internal/broker"
)

// Meta carries delivery identity into a handler. EventID is the idempotency
// key for the artifact version the event produces.
type Meta struct {
	EventID   string
	MessageID string
	Envelope  Envelope
}

// TypeHandler handles one event variant.
type TypeHandler interface {
	HandleEvent(ctx context.Context, ev Event, meta Meta) error
}

// TypeHandlerFunc adapts a function to TypeHandler.
type TypeHandlerFunc func(ctx context.Context, ev Event, meta Meta) error

func (f TypeHandlerFunc) HandleEvent(ctx context.Context, ev Event, meta Meta) error {
	return f(ctx, ev, meta)
}

// Router dispatches decoded events to type-specific handlers. It is the
// broker.Handler for consent_processing_q.
type Router struct {
	handlers map[Type]TypeHandler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[Type]TypeHandler),
		logger:   logger,
	}
}

// Register adds a handler for an event type.
func (r *Router) Register(t Type, handler TypeHandler) {
	r.handlers[t] = handler
}

// Handle decodes and routes the message. Undecodable bodies and unrouted
// types fail the delivery so they surface on the DLQ.
func (r *Router) Handle(ctx context.Context, msg *broker.Message) error {
	ev, env, err := Decode(msg.Body)
	if err != nil {
		r.logger.WarnContext(ctx, "undecodable event",
			"message_id", msg.ID,
			"event_type", env.EventType,
			"error", err,
		)
		return err
	}
	handler, ok := r.handlers[ev.Type()]
	if !ok {
		return &UnknownEventError{Type: ev.Type()}
	}
	return handler.HandleEvent(ctx, ev, metaFor(msg, env))
}

func metaFor(msg *broker.Message, env Envelope) Meta {
	id := env.CorrelationID
	if id == "" {
		id = msg.CorrelationID
	}
	if id == "" {
		id = msg.ID
	}
	return Meta{EventID: id, MessageID: msg.ID, Envelope: env}
}

// Routes registers the processor's handlers for every event type.
func (p *Processor) Routes(r *Router) {
	r.Register(TypeConsentSubmission, TypeHandlerFunc(func(ctx context.Context, ev Event, meta Meta) error {
		return p.handleSubmission(ctx, ev.(ConsentSubmission), meta)
	}))
	r.Register(TypeConsentExpiry, TypeHandlerFunc(func(ctx context.Context, ev Event, meta Meta) error {
		return p.handleConsentExpiry(ctx, ev.(ConsentExpiry), meta)
	}))
	r.Register(TypeDataRetentionExpiry, TypeHandlerFunc(func(ctx context.Context, ev Event, meta Meta) error {
		e := ev.(DataRetentionExpiry)
		return p.handleRetention(ctx, e, meta, e.ArtifactID, e.DataElementID, false)
	}))
	r.Register(TypeManualRetentionExpiry, TypeHandlerFunc(func(ctx context.Context, ev Event, meta Meta) error {
		e := ev.(ManualDataRetentionExpiry)
		return p.handleRetention(ctx, e, meta, e.ArtifactID, e.DataElementID, true)
	}))
	r.Register(TypeOTPVerification, TypeHandlerFunc(func(ctx context.Context, ev Event, meta Meta) error {
		return p.handleOTPVerification(ctx, ev.(OTPVerification), meta)
	}))
}

// NewProcessingHandler wires a router with every processor route.
func NewProcessingHandler(p *Processor, logger *slog.Logger) broker.Handler {
	r := NewRouter(logger)
	p.Routes(r)
	return r
}

var _ broker.Handler = (*Router)(nil)
