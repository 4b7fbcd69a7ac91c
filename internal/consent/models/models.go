package models

import (
	"slices"
	"time"

	dErrors "consentline/pkg/domain-errors"
)

// ConsentStatus is a principal's decision for one element/purpose pair.
type ConsentStatus string

const (
	StatusApproved ConsentStatus = "approved"
	StatusDenied   ConsentStatus = "denied"
	StatusPending  ConsentStatus = "pending"
)

func (s ConsentStatus) IsValid() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusPending:
		return true
	}
	return false
}

// ElementStatus is machine-only: inactive once the retention window lapses.
type ElementStatus string

const (
	ElementActive   ElementStatus = "active"
	ElementInactive ElementStatus = "inactive"
)

// DataPrincipal holds only hashed identifiers. PrincipalRef is the stable
// reference audit chains and lookups key on.
type DataPrincipal struct {
	PrincipalRef string `json:"dp_id"`
	EmailHash    string `json:"dp_email_hash,omitempty"`
	MobileHash   string `json:"dp_mobile_hash,omitempty"`
}

// Binding ties a submission to the request it arrived on.
type Binding struct {
	IPAddress  string `json:"ip_address,omitempty"`
	HeaderHash string `json:"header_hash,omitempty"`
}

// Consent is the decision for one purpose on a data element.
type Consent struct {
	PurposeID              string        `json:"purpose_id"`
	PurposeHashID          string        `json:"purpose_hash_id,omitempty"`
	PurposeTitle           string        `json:"purpose_title,omitempty"`
	ConsentStatus          ConsentStatus `json:"consent_status"`
	ConsentTimestamp       time.Time     `json:"consent_timestamp"`
	ConsentExpiry          *time.Time    `json:"consent_expiry_period,omitempty"`
	ExpiryNotificationSent bool          `json:"expiry_notification_sent"`
	Expired                bool          `json:"expired,omitempty"`
	ConsentMode            string        `json:"consent_mode,omitempty"`
	LegalMandatory         bool          `json:"legal_mandatory,omitempty"`
	ServiceMandatory       bool          `json:"service_mandatory,omitempty"`
	CrossBorder            bool          `json:"cross_border,omitempty"`
	Reconsent              bool          `json:"reconsent,omitempty"`
	DataProcessors         []string      `json:"data_processors,omitempty"`
}

// DataElement groups the consents given for one piece of personal data.
type DataElement struct {
	DEID                      string        `json:"de_id"`
	DEHashID                  string        `json:"de_hash_id,omitempty"`
	DEName                    string        `json:"de_name,omitempty"`
	DEStatus                  ElementStatus `json:"de_status"`
	RetentionExpiry           *time.Time    `json:"data_retention_period,omitempty"`
	RetentionNotificationSent bool          `json:"retention_notification_sent"`
	Consents                  []Consent     `json:"consents"`
}

// ConsentScope is the element/purpose tree of an artifact.
type ConsentScope struct {
	DataElements []DataElement `json:"data_elements"`
}

// ConsentArtifact is one immutable version in an agreement's lineage.
type ConsentArtifact struct {
	ID             string        `json:"id"`
	AgreementID    string        `json:"agreement_id"`
	Version        int           `json:"version"`
	SourceEventID  string        `json:"source_event_id,omitempty"`
	DataPrincipal  DataPrincipal `json:"data_principal"`
	DFID           string        `json:"df_id"`
	CPID           string        `json:"cp_id"`
	CPName         string        `json:"cp_name,omitempty"`
	Binding        Binding       `json:"binding"`
	ConsentScope   ConsentScope  `json:"consent_scope"`
	DPVerification bool          `json:"dp_verification"`
	AgreementHash  string        `json:"agreement_hash"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Clone deep-copies the artifact so a new version never aliases the prior one.
func (a *ConsentArtifact) Clone() *ConsentArtifact {
	if a == nil {
		return nil
	}
	out := *a
	out.ConsentScope.DataElements = make([]DataElement, len(a.ConsentScope.DataElements))
	for i, de := range a.ConsentScope.DataElements {
		de.RetentionExpiry = cloneTime(de.RetentionExpiry)
		consents := make([]Consent, len(de.Consents))
		for j, c := range de.Consents {
			c.ConsentExpiry = cloneTime(c.ConsentExpiry)
			c.DataProcessors = slices.Clone(c.DataProcessors)
			consents[j] = c
		}
		de.Consents = consents
		out.ConsentScope.DataElements[i] = de
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Element returns the element with deID.
func (a *ConsentArtifact) Element(deID string) (*DataElement, bool) {
	for i := range a.ConsentScope.DataElements {
		if a.ConsentScope.DataElements[i].DEID == deID {
			return &a.ConsentScope.DataElements[i], true
		}
	}
	return nil, false
}

// Pair returns the consent for (deID, purposeID).
func (a *ConsentArtifact) Pair(deID, purposeID string) (*DataElement, *Consent, bool) {
	de, ok := a.Element(deID)
	if !ok {
		return nil, nil, false
	}
	for i := range de.Consents {
		if de.Consents[i].PurposeID == purposeID {
			return de, &de.Consents[i], true
		}
	}
	return de, nil, false
}

// Validate enforces the structural invariants of a version.
func (a *ConsentArtifact) Validate() error {
	if a.DFID == "" {
		return dErrors.New(dErrors.CodeValidation, "df_id is required")
	}
	if a.DataPrincipal.PrincipalRef == "" {
		return dErrors.New(dErrors.CodeValidation, "data principal reference is required")
	}
	seenDE := map[string]bool{}
	for _, de := range a.ConsentScope.DataElements {
		if de.DEID == "" {
			return dErrors.New(dErrors.CodeValidation, "data element id is required")
		}
		if seenDE[de.DEID] {
			return dErrors.New(dErrors.CodeValidation, "duplicate data element "+de.DEID)
		}
		seenDE[de.DEID] = true
		seenPurpose := map[string]bool{}
		for _, c := range de.Consents {
			if seenPurpose[c.PurposeID] {
				return dErrors.New(dErrors.CodeValidation, "duplicate purpose "+c.PurposeID+" on element "+de.DEID)
			}
			seenPurpose[c.PurposeID] = true
			if !c.ConsentStatus.IsValid() {
				return dErrors.New(dErrors.CodeValidation, "invalid consent status "+string(c.ConsentStatus))
			}
			if c.ConsentExpiry != nil && !c.ConsentTimestamp.IsZero() && c.ConsentExpiry.Before(c.ConsentTimestamp) {
				return dErrors.New(dErrors.CodeValidation, "consent expiry precedes consent timestamp for purpose "+c.PurposeID)
			}
		}
	}
	return nil
}

// PairChange is a status transition between two versions.
type PairChange struct {
	DEID      string
	PurposeID string
	From      ConsentStatus
	To        ConsentStatus
}

// StatusChanges lists pairs whose status differs from prior. With a nil
// prior every non-pending pair counts as a change.
func StatusChanges(prior, next *ConsentArtifact) []PairChange {
	var changes []PairChange
	for _, de := range next.ConsentScope.DataElements {
		for _, c := range de.Consents {
			var from ConsentStatus
			if prior != nil {
				if _, old, ok := prior.Pair(de.DEID, c.PurposeID); ok {
					from = old.ConsentStatus
				}
			}
			if from == c.ConsentStatus || (from == "" && c.ConsentStatus == StatusPending) {
				continue
			}
			changes = append(changes, PairChange{DEID: de.DEID, PurposeID: c.PurposeID, From: from, To: c.ConsentStatus})
		}
	}
	return changes
}

// DueKind distinguishes consent expiry from data retention deadlines.
type DueKind string

const (
	DueConsent   DueKind = "consent"
	DueRetention DueKind = "retention"
)

// DueEntry is a deadline the expiry scanner acts on. PurposeID is empty for
// retention entries.
type DueEntry struct {
	Kind        DueKind
	ArtifactID  string
	AgreementID string
	DFID        string
	DEID        string
	PurposeID   string
	Deadline    time.Time
}
