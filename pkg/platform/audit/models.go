package audit

import (
	"encoding/json"
	"time"
)

// Operation names the consent-affecting action an entry records.
type Operation string

const (
	OpInsert            Operation = "insert"
	OpUpdate            Operation = "update"
	OpConsentExpired    Operation = "consent_expired"
	OpRetentionErasure  Operation = "data_erasure_retention_triggered"
	OpManualErasure     Operation = "data_erasure_manual_triggered"
	OpPrincipalVerified Operation = "otp_verified"
)

const (
	DefaultSigningKeyID = "cm-key-2025-01"

	// Stores keep microseconds; timestamps are truncated before hashing so
	// they survive a round trip.
	timestampResolution = time.Microsecond
	chainLockPrefix     = "audit:"
)

// ChainKey identifies one hash chain: a principal's entries for one fiduciary.
type ChainKey struct {
	PrincipalRef string
	DFID         string
}

// LockKey scopes the advisory lock that serializes appends to the chain.
func (k ChainKey) LockKey() string {
	return chainLockPrefix + k.PrincipalRef + "|" + k.DFID
}

// Record is what callers hand to Append; the chain fields are derived.
type Record struct {
	PrincipalRef string
	DFID         string
	CPID         string
	AgreementID  string
	Version      int
	Operation    Operation
	Payload      any
}

// Entry is one append-only, signed link of a chain.
type Entry struct {
	ID              string          `json:"id"`
	PrincipalRef    string          `json:"dp_id"`
	DFID            string          `json:"df_id"`
	CPID            string          `json:"cp_id,omitempty"`
	AgreementID     string          `json:"agreement_id,omitempty"`
	Version         int             `json:"version,omitempty"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       time.Time       `json:"timestamp"`
	DataHash        string          `json:"data_hash"`
	PrevRecordHash  string          `json:"prev_record_hash"`
	RecordHash      string          `json:"record_hash"`
	Signature       string          `json:"signature"`
	SignedWithKeyID string          `json:"signed_with_key_id"`
}

func (e *Entry) Chain() ChainKey {
	return ChainKey{PrincipalRef: e.PrincipalRef, DFID: e.DFID}
}

// Clone copies the entry including its payload bytes.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return &out
}

// Integrity holds the three independent per-entry checks.
type Integrity struct {
	DataHashOK  bool `json:"data_hash_ok"`
	ChainOK     bool `json:"chain_ok"`
	SignatureOK bool `json:"signature_ok"`
}

type EntryReport struct {
	Entry     *Entry    `json:"entry"`
	Tampered  bool      `json:"tampered"`
	Integrity Integrity `json:"integrity"`
}

// Report is the verification outcome for a principal, ascending by timestamp.
type Report struct {
	PrincipalRef string        `json:"dp_id"`
	DFID         string        `json:"df_id,omitempty"`
	Entries      []EntryReport `json:"entries"`
	Valid        bool          `json:"valid"`
}
