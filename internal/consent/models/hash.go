package models

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"consentline/pkg/canonjson"
)

const shakeDigestSize = 32

// Bookkeeping flags flipped in place by the scanner; they are not content.
var unhashedKeys = []string{"expiry_notification_sent", "retention_notification_sent"}

// AgreementHash content-addresses a version: SHAKE-256 over the canonical
// document without the hash itself and the scanner flags.
func AgreementHash(a *ConsentArtifact) (string, error) {
	m, err := canonjson.ToMap(a)
	if err != nil {
		return "", fmt.Errorf("canonicalize artifact: %w", err)
	}
	delete(m, "agreement_hash")
	canonjson.StripKeysDeep(m, unhashedKeys...)
	raw, err := canonjson.Encode(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize artifact: %w", err)
	}
	return shakeHex(raw), nil
}

// VerifyAgreementHash recomputes the hash and compares it with the stored one.
func VerifyAgreementHash(a *ConsentArtifact) (bool, error) {
	h, err := AgreementHash(a)
	if err != nil {
		return false, err
	}
	return h == a.AgreementHash, nil
}

// HashIdentifier hashes a principal identifier (email, mobile) for storage.
func HashIdentifier(v string) string {
	return shakeHex([]byte(strings.ToLower(strings.TrimSpace(v))))
}

func shakeHex(b []byte) string {
	out := make([]byte, shakeDigestSize)
	sha3.ShakeSum256(out, b)
	return hex.EncodeToString(out)
}

var lineageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:consentline:agreement"))

// LineageID returns the artifact's agreement id, deriving a stable one from
// the principal and collection point when the submission carries none, so
// redelivered submissions land on the same lineage.
func LineageID(a *ConsentArtifact) string {
	if a.AgreementID != "" {
		return a.AgreementID
	}
	key := a.DataPrincipal.PrincipalRef + "|" + a.DFID + "|" + a.CPID
	return uuid.NewSHA1(lineageNamespace, []byte(key)).String()
}
