// Package models holds webhook subscriptions, the delivery log and the
// delivery task carried on webhook_main.
package models

import (
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"time"

	dErrors "consentline/pkg/domain-errors"
	strs "consentline/pkg/platform/strings"
)

// Subscribable event types, upper-cased as subscribers register them.
const (
	EventConsentGranted       = "CONSENT_GRANTED"
	EventConsentValidated     = "CONSENT_VALIDATED"
	EventConsentUpdated       = "CONSENT_UPDATED"
	EventConsentRenewed       = "CONSENT_RENEWED"
	EventConsentWithdrawn     = "CONSENT_WITHDRAWN"
	EventConsentExpired       = "CONSENT_EXPIRED"
	EventDataErasureManual    = "DATA_ERASURE_MANUAL_TRIGGERED"
	EventDataErasureRetention = "DATA_ERASURE_RETENTION_TRIGGERED"
	EventDataUpdateRequested  = "DATA_UPDATE_REQUESTED"
	EventConsentAuditLog      = "CONSENT_AUDIT_LOG"
	EventGrievanceRaised      = "GRIEVANCE_RAISED"
)

const (
	DefaultSignatureHeader  = "X-Consent-Signature"
	defaultMaxRetries       = 3
	defaultRetryIntervalSec = 10
)

// KnownEvents lists every subscribable type.
func KnownEvents() []string {
	return []string{
		EventConsentGranted, EventConsentValidated, EventConsentUpdated, EventConsentRenewed,
		EventConsentWithdrawn, EventConsentExpired, EventDataErasureManual, EventDataErasureRetention,
		EventDataUpdateRequested, EventConsentAuditLog, EventGrievanceRaised,
	}
}

// Scope says whether a subscription receives everything for a fiduciary or
// only what references one data processor.
type Scope string

const (
	ScopeFiduciary Scope = "df"
	ScopeProcessor Scope = "dpr"
)

type AuthType string

const (
	AuthHeader AuthType = "header"
	AuthQuery  AuthType = "query"
	AuthNone   AuthType = "none"
)

type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
	BackoffNone        Backoff = "none"
)

type Environment string

const (
	EnvTesting    Environment = "testing"
	EnvProduction Environment = "production"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// Auth signs deliveries. Key is the header or query parameter name.
type Auth struct {
	Type   AuthType `json:"type"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

type RetryPolicy struct {
	MaxRetries       int     `json:"max_retries"`
	RetryIntervalSec int     `json:"retry_interval_sec"`
	Backoff          Backoff `json:"backoff_strategy"`
}

// Interval is the base delay between attempts.
func (p RetryPolicy) Interval() time.Duration {
	return time.Duration(p.RetryIntervalSec) * time.Second
}

// Metrics are delivery counters kept on the subscription. Delivery never
// changes the subscription's status.
type Metrics struct {
	Delivered   int64      `json:"delivered"`
	Failed      int64      `json:"failed"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Subscription is a registered outbound webhook.
type Subscription struct {
	ID          string      `json:"id"`
	DFID        string      `json:"df_id"`
	URL         string      `json:"url"`
	WebhookFor  Scope       `json:"webhook_for"`
	DPRID       string      `json:"dpr_id,omitempty"`
	Events      []string    `json:"subscribed_events"`
	Auth        Auth        `json:"auth"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	Environment Environment `json:"environment"`
	Status      Status      `json:"status"`
	Metrics     Metrics     `json:"metrics"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ApplyDefaults fills unset fields the way registration does.
func (s *Subscription) ApplyDefaults() {
	if s.WebhookFor == "" {
		s.WebhookFor = ScopeFiduciary
	}
	s.Events = strs.DedupeUpper(s.Events)
	if len(s.Events) == 0 {
		s.Events = KnownEvents()
	}
	if s.Auth.Type == "" {
		s.Auth.Type = AuthNone
	}
	if s.Auth.Type != AuthNone && s.Auth.Key == "" {
		s.Auth.Key = DefaultSignatureHeader
	}
	if s.RetryPolicy.MaxRetries == 0 {
		s.RetryPolicy.MaxRetries = defaultMaxRetries
	}
	if s.RetryPolicy.RetryIntervalSec == 0 {
		s.RetryPolicy.RetryIntervalSec = defaultRetryIntervalSec
	}
	if s.RetryPolicy.Backoff == "" {
		s.RetryPolicy.Backoff = BackoffExponential
	}
	if s.Environment == "" {
		s.Environment = EnvTesting
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
}

func (s *Subscription) Validate() error {
	if s.DFID == "" {
		return dErrors.New(dErrors.CodeValidation, "df_id is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dErrors.New(dErrors.CodeValidation, "url must be an absolute http or https URL")
	}
	switch s.WebhookFor {
	case ScopeFiduciary:
		if s.DPRID != "" {
			return dErrors.New(dErrors.CodeValidation, "dpr_id is only allowed when webhook_for is dpr")
		}
	case ScopeProcessor:
		if s.DPRID == "" {
			return dErrors.New(dErrors.CodeValidation, "dpr_id is required when webhook_for is dpr")
		}
	default:
		return dErrors.New(dErrors.CodeValidation, "webhook_for must be df or dpr")
	}
	known := KnownEvents()
	for _, e := range s.Events {
		if !slices.Contains(known, strings.ToUpper(e)) {
			return dErrors.New(dErrors.CodeValidation, "unknown event type "+e)
		}
	}
	switch s.Auth.Type {
	case AuthHeader, AuthQuery:
		if s.Auth.Secret == "" {
			return dErrors.New(dErrors.CodeValidation, "auth secret is required for "+string(s.Auth.Type)+" auth")
		}
	case AuthNone:
	default:
		return dErrors.New(dErrors.CodeValidation, "auth type must be header, query or none")
	}
	if s.RetryPolicy.MaxRetries < 1 || s.RetryPolicy.RetryIntervalSec < 0 {
		return dErrors.New(dErrors.CodeValidation, "retry policy needs at least one attempt and a non-negative interval")
	}
	switch s.RetryPolicy.Backoff {
	case BackoffExponential, BackoffFixed, BackoffNone:
	default:
		return dErrors.New(dErrors.CodeValidation, "backoff_strategy must be exponential, fixed or none")
	}
	switch s.Environment {
	case EnvTesting, EnvProduction:
	default:
		return dErrors.New(dErrors.CodeValidation, "environment must be testing or production")
	}
	switch s.Status {
	case StatusActive, StatusInactive, StatusArchived:
	default:
		return dErrors.New(dErrors.CodeValidation, "status must be active, inactive or archived")
	}
	return nil
}

// Subscribes matches eventType case-insensitively.
func (s *Subscription) Subscribes(eventType string) bool {
	want := strings.ToUpper(eventType)
	for _, e := range s.Events {
		if strings.ToUpper(e) == want {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to hand to operators.
func (s Subscription) Redacted() Subscription {
	if s.Auth.Secret != "" {
		s.Auth.Secret = "***"
	}
	s.Events = slices.Clone(s.Events)
	return s
}

// DeliveryStatus is the state of one logged delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Event is one entry of the delivery log, written by the classifier and
// settled by the dispatcher.
type Event struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhook_id"`
	DFID      string          `json:"df_id"`
	DPID      string          `json:"dp_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    DeliveryStatus  `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Outcome is the terminal result of one logged delivery. Count marks
// outcomes that move the subscription's delivered/failed counters.
type Outcome struct {
	EventID   string
	WebhookID string
	Status    DeliveryStatus
	Attempts  int
	LastError string
	At        time.Time
	Count     bool
}

// Task is the webhook_main message body.
type Task struct {
	EventID   string          `json:"event_id"`
	WebhookID string          `json:"webhook_id"`
	DFID      string          `json:"df_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}
