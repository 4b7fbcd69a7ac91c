package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"consentline/pkg/canonjson"
)

// Fields excluded from the canonical form: identity and the chain and
// signature fields computed over it.
var unhashedFields = []string{
	"id",
	"canonical_record",
	"data_hash",
	"prev_record_hash",
	"record_hash",
	"signature",
	"signed_with_key_id",
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DataHash digests the canonical form of the entry's content.
func DataHash(e *Entry) (string, error) {
	raw, err := canonjson.Marshal(e, unhashedFields...)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	return sha256Hex(string(raw)), nil
}

// RecordHash links an entry to its predecessor.
func RecordHash(prev, dataHash string, ts time.Time) string {
	return sha256Hex(prev + dataHash + formatTimestamp(ts))
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// VerifyEntries checks entries of one principal in ascending timestamp order.
// Each chain's pointer advances to the entry's stored record_hash, not the
// recomputed one, so a deviation is reported where it happens and entries
// chained after it on stored values stay valid.
func VerifyEntries(entries []*Entry, keys *Keyring) []EntryReport {
	prev := make(map[ChainKey]string)
	out := make([]EntryReport, 0, len(entries))
	for _, e := range entries {
		var integrity Integrity
		if h, err := DataHash(e); err == nil {
			integrity.DataHashOK = h == e.DataHash
		}
		integrity.ChainOK = RecordHash(prev[e.Chain()], e.DataHash, e.Timestamp) == e.RecordHash
		integrity.SignatureOK = keys.Verify(e.SignedWithKeyID, e.RecordHash, e.Signature)

		out = append(out, EntryReport{
			Entry:     e,
			Tampered:  !(integrity.DataHashOK && integrity.ChainOK && integrity.SignatureOK),
			Integrity: integrity,
		})
		prev[e.Chain()] = e.RecordHash
	}
	return out
}
