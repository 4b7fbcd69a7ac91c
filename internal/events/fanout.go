package events

import (
	"encoding/json"
	"fmt"
	"time"

	"consentline/internal/broker"
	"consentline/internal/consent/models"
)

// Fan-out event types published on consent_events_q.
const (
	FanoutConsentGranted   = "consent_granted"
	FanoutConsentWithdrawn = "consent_withdrawn"
	FanoutConsentExpired   = "consent_expired"
	FanoutRetentionErasure = "data_erasure_retention_triggered"
	FanoutManualErasure    = "data_erasure_manual_triggered"
)

// ProcessorRef names a data processor inside a fan-out purpose.
type ProcessorRef struct {
	DataProcessorID string `json:"data_processor_id"`
}

// Purpose flattens one element/purpose pair for subscribers.
type Purpose struct {
	DEID             string               `json:"de_id"`
	DEHashID         string               `json:"de_hash_id,omitempty"`
	DEName           string               `json:"de_name,omitempty"`
	RetentionExpiry  *time.Time           `json:"data_retention_period,omitempty"`
	PurposeID        string               `json:"purpose_id"`
	PurposeHashID    string               `json:"purpose_hash_id,omitempty"`
	PurposeTitle     string               `json:"purpose_title,omitempty"`
	ConsentStatus    models.ConsentStatus `json:"consent_status"`
	ConsentTimestamp time.Time            `json:"consent_timestamp"`
	ConsentExpiry    *time.Time           `json:"consent_expiry_period,omitempty"`
	Expired          bool                 `json:"expired,omitempty"`
	ConsentMode      string               `json:"consent_mode,omitempty"`
	LegalMandatory   bool                 `json:"legal_mandatory,omitempty"`
	ServiceMandatory bool                 `json:"service_mandatory,omitempty"`
	CrossBorder      bool                 `json:"cross_border,omitempty"`
	Reconsent        bool                 `json:"reconsent,omitempty"`
	DataProcessors   []ProcessorRef       `json:"data_processors,omitempty"`
}

// Fanout is the message the webhook classifier consumes.
type Fanout struct {
	EventType    string               `json:"event_type"`
	DPID         string               `json:"dp_id"`
	DFID         string               `json:"df_id"`
	CPName       string               `json:"cp_name,omitempty"`
	AgreementID  string               `json:"agreement_id"`
	ArtifactID   string               `json:"consent_artifact_id"`
	Timestamp    time.Time            `json:"timestamp"`
	Purposes     []Purpose            `json:"purposes,omitempty"`
	DataElements []models.DataElement `json:"data_elements,omitempty"`
}

func flatten(de *models.DataElement, c *models.Consent) Purpose {
	p := Purpose{
		DEID:             de.DEID,
		DEHashID:         de.DEHashID,
		DEName:           de.DEName,
		RetentionExpiry:  de.RetentionExpiry,
		PurposeID:        c.PurposeID,
		PurposeHashID:    c.PurposeHashID,
		PurposeTitle:     c.PurposeTitle,
		ConsentStatus:    c.ConsentStatus,
		ConsentTimestamp: c.ConsentTimestamp,
		ConsentExpiry:    c.ConsentExpiry,
		Expired:          c.Expired,
		ConsentMode:      c.ConsentMode,
		LegalMandatory:   c.LegalMandatory,
		ServiceMandatory: c.ServiceMandatory,
		CrossBorder:      c.CrossBorder,
		Reconsent:        c.Reconsent,
	}
	for _, id := range c.DataProcessors {
		p.DataProcessors = append(p.DataProcessors, ProcessorRef{DataProcessorID: id})
	}
	return p
}

func newFanout(eventType string, a *models.ConsentArtifact) Fanout {
	return Fanout{
		EventType:   eventType,
		DPID:        a.DataPrincipal.PrincipalRef,
		DFID:        a.DFID,
		CPName:      a.CPName,
		AgreementID: a.AgreementID,
		ArtifactID:  a.ID,
		Timestamp:   a.CreatedAt,
	}
}

// submissionFanout emits consent_granted for pairs that became approved and
// consent_withdrawn for pairs that became denied. A nil prior counts every
// decided pair.
func submissionFanout(prior, current *models.ConsentArtifact) []Fanout {
	granted := newFanout(FanoutConsentGranted, current)
	withdrawn := newFanout(FanoutConsentWithdrawn, current)
	for _, ch := range models.StatusChanges(prior, current) {
		de, c, ok := current.Pair(ch.DEID, ch.PurposeID)
		if !ok {
			continue
		}
		switch ch.To {
		case models.StatusApproved:
			granted.Purposes = append(granted.Purposes, flatten(de, c))
		case models.StatusDenied:
			withdrawn.Purposes = append(withdrawn.Purposes, flatten(de, c))
		}
	}
	var out []Fanout
	if len(granted.Purposes) > 0 {
		out = append(out, granted)
	}
	if len(withdrawn.Purposes) > 0 {
		out = append(out, withdrawn)
	}
	return out
}

func expiryFanout(current *models.ConsentArtifact, deID, purposeID string) []Fanout {
	de, c, ok := current.Pair(deID, purposeID)
	if !ok {
		return nil
	}
	f := newFanout(FanoutConsentExpired, current)
	f.Purposes = []Purpose{flatten(de, c)}
	return []Fanout{f}
}

func erasureFanout(eventType string, current *models.ConsentArtifact, deID string) []Fanout {
	de, ok := current.Element(deID)
	if !ok {
		return nil
	}
	f := newFanout(eventType, current)
	f.DataElements = []models.DataElement{*de}
	return []Fanout{f}
}

// message wraps a fan-out event. The correlation id derives from the source
// event so a replay republishes under the same id.
func (f Fanout) message(sourceEventID string) (broker.Message, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return broker.Message{}, fmt.Errorf("encode fan-out event: %w", err)
	}
	msg := broker.Message{
		Body:          body,
		CorrelationID: sourceEventID + ":" + f.EventType,
	}
	msg.SetHeader("event_type", f.EventType)
	return msg, nil
}
