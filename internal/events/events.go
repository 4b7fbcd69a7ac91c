// Package events decodes the messages on consent_processing_q into a closed
// set of event variants and applies them to the artifact store.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"consentline/internal/consent/models"
)

// Type is the event_type tag.
type Type string

const (
	TypeConsentSubmission     Type = "consent_submission"
	TypeConsentExpiry         Type = "consent_expiry"
	TypeDataRetentionExpiry   Type = "data_retention_expiry"
	TypeManualRetentionExpiry Type = "data_retention_expiry_manual"
	TypeOTPVerification       Type = "otp_verification"
)

// Event is one decoded variant. The set is closed: only this package
// implements it.
type Event interface {
	Type() Type
	isEvent()
}

type ConsentSubmission struct {
	Artifact *models.ConsentArtifact `json:"consent_artifact"`
}

type ConsentExpiry struct {
	ArtifactID    string     `json:"consent_artifact_id"`
	DataElementID string     `json:"data_element_id"`
	PurposeID     string     `json:"purpose_id"`
	ExpiryAt      *time.Time `json:"expiry_at,omitempty"`
}

// DataRetentionExpiry fires when an element's retention deadline passes.
type DataRetentionExpiry struct {
	ArtifactID    string     `json:"consent_artifact_id"`
	DataElementID string     `json:"data_element_id"`
	ExpiryAt      *time.Time `json:"expiry_at,omitempty"`
}

// ManualDataRetentionExpiry erases immediately, without the deadline check.
type ManualDataRetentionExpiry struct {
	ArtifactID    string `json:"consent_artifact_id"`
	DataElementID string `json:"data_element_id"`
}

type OTPVerification struct {
	ArtifactID string `json:"consent_artifact_id"`
}

func (ConsentSubmission) Type() Type         { return TypeConsentSubmission }
func (ConsentExpiry) Type() Type             { return TypeConsentExpiry }
func (DataRetentionExpiry) Type() Type       { return TypeDataRetentionExpiry }
func (ManualDataRetentionExpiry) Type() Type { return TypeManualRetentionExpiry }
func (OTPVerification) Type() Type           { return TypeOTPVerification }

func (ConsentSubmission) isEvent()         {}
func (ConsentExpiry) isEvent()             {}
func (DataRetentionExpiry) isEvent()       {}
func (ManualDataRetentionExpiry) isEvent() {}
func (OTPVerification) isEvent()           {}

// UnknownEventError reports a tag outside the closed set. It fails the
// delivery like any other error, so the message ends on the DLQ.
type UnknownEventError struct {
	Type Type
}

func (e *UnknownEventError) Error() string {
	if e.Type == "" {
		return "event has no event_type"
	}
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// Envelope is the wire shape. A body without a payload member is its own
// payload, which is how the scanner and front doors publish.
type Envelope struct {
	EventType     Type            `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode parses body into its variant.
func Decode(body []byte) (Event, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, env, fmt.Errorf("decode event envelope: %w", err)
	}
	payload := env.Payload
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = body
	}

	var (
		ev  Event
		err error
	)
	switch env.EventType {
	case TypeConsentSubmission:
		ev, err = decodeAs[ConsentSubmission](payload)
	case TypeConsentExpiry:
		ev, err = decodeAs[ConsentExpiry](payload)
	case TypeDataRetentionExpiry:
		ev, err = decodeAs[DataRetentionExpiry](payload)
	case TypeManualRetentionExpiry:
		ev, err = decodeAs[ManualDataRetentionExpiry](payload)
	case TypeOTPVerification:
		ev, err = decodeAs[OTPVerification](payload)
	default:
		return nil, env, &UnknownEventError{Type: env.EventType}
	}
	if err != nil {
		return nil, env, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	if err := validate(ev); err != nil {
		return nil, env, err
	}
	return ev, env, nil
}

func decodeAs[T Event](raw []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func validate(ev Event) error {
	missing := func(field string) error {
		return fmt.Errorf("%s event missing %s", ev.Type(), field)
	}
	switch e := ev.(type) {
	case ConsentSubmission:
		if e.Artifact == nil {
			return missing("consent_artifact")
		}
	case ConsentExpiry:
		if e.ArtifactID == "" || e.DataElementID == "" || e.PurposeID == "" {
			return missing("consent_artifact_id, data_element_id or purpose_id")
		}
	case DataRetentionExpiry:
		if e.ArtifactID == "" || e.DataElementID == "" {
			return missing("consent_artifact_id or data_element_id")
		}
	case ManualDataRetentionExpiry:
		if e.ArtifactID == "" || e.DataElementID == "" {
			return missing("consent_artifact_id or data_element_id")
		}
	case OTPVerification:
		if e.ArtifactID == "" {
			return missing("consent_artifact_id")
		}
	}
	return nil
}

// Encode writes ev as an envelope.
func Encode(ev Event, correlationID string, emittedAt time.Time) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{
		EventType:     ev.Type(),
		CorrelationID: correlationID,
		EmittedAt:     emittedAt.UTC(),
		Payload:       payload,
	})
}
