package models

import (
	"time"

	dErrors "consentline/pkg/domain-errors"
)

// MutationKind names a change applied while deriving a new version.
type MutationKind string

const (
	MutationGrant  MutationKind = "grant"
	MutationDeny   MutationKind = "deny"
	MutationRenew  MutationKind = "renew"
	MutationExpire MutationKind = "expire"
	MutationRetire MutationKind = "retire"
	MutationVerify MutationKind = "verify"
)

// Mutation targets one element/purpose pair; retire targets an element and
// verify the whole artifact. Window is the purpose's validity period for
// grant and renew.
type Mutation struct {
	Kind          MutationKind
	DataElementID string
	PurposeID     string
	Window        time.Duration
}

// NeedsWindow reports whether the purpose window must be resolved first.
func (m Mutation) NeedsWindow() bool {
	return m.Kind == MutationGrant || m.Kind == MutationRenew
}

// RenewedExpiry extends from the later of the current expiry and now, so a
// still-valid consent is never shortened.
func RenewedExpiry(current *time.Time, now time.Time, window time.Duration) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(window)
}

// Apply mutates a in place. Callers apply mutations to a fresh Clone.
func (m Mutation) Apply(a *ConsentArtifact, now time.Time) error {
	switch m.Kind {
	case MutationVerify:
		a.DPVerification = true
		return nil
	case MutationRetire:
		de, ok := a.Element(m.DataElementID)
		if !ok {
			return dErrors.New(dErrors.CodeNotFound, "data element not found: "+m.DataElementID)
		}
		de.DEStatus = ElementInactive
		return nil
	}

	_, c, ok := a.Pair(m.DataElementID, m.PurposeID)
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "consent pair not found: "+m.DataElementID+"/"+m.PurposeID)
	}

	switch m.Kind {
	case MutationGrant:
		c.ConsentStatus = StatusApproved
		c.ConsentTimestamp = now
		c.Expired = false
		c.ExpiryNotificationSent = false
		if m.Window > 0 {
			exp := now.Add(m.Window)
			c.ConsentExpiry = &exp
		}
	case MutationDeny:
		c.ConsentStatus = StatusDenied
		c.ConsentTimestamp = now
	case MutationRenew:
		exp := RenewedExpiry(c.ConsentExpiry, now, m.Window)
		c.ConsentStatus = StatusApproved
		c.ConsentTimestamp = now
		c.ConsentExpiry = &exp
		c.Expired = false
		c.ExpiryNotificationSent = false
	case MutationExpire:
		c.ConsentStatus = StatusDenied
		c.ConsentTimestamp = now
		c.Expired = true
	default:
		return dErrors.New(dErrors.CodeInvalidInput, "unknown mutation "+string(m.Kind))
	}
	return nil
}
