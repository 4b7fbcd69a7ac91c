package audit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
)

// Signer signs record hashes with an ECDSA P-256 key.
type Signer struct {
	key   *ecdsa.PrivateKey
	keyID string
}

// NewSigner parses a PEM private key (SEC 1 "EC PRIVATE KEY" or PKCS#8).
func NewSigner(pemData []byte, keyID string) (*Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("audit signing key: no PEM block found")
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("audit signing key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("audit signing key: %w", err)
		}
		k, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("audit signing key: not an ECDSA key")
		}
		key = k
	default:
		return nil, fmt.Errorf("audit signing key: unsupported PEM type %q", block.Type)
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("audit signing key: curve must be P-256")
	}
	return &Signer{key: key, keyID: orDefaultKeyID(keyID)}, nil
}

// GenerateSigner creates an ephemeral key for development and tests. Entries
// signed with it cannot be verified after a restart.
func GenerateSigner(keyID string) (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate audit signing key: %w", err)
	}
	return &Signer{key: key, keyID: orDefaultKeyID(keyID)}, nil
}

func orDefaultKeyID(keyID string) string {
	if keyID == "" {
		return DefaultSigningKeyID
	}
	return keyID
}

func (s *Signer) KeyID() string {
	return s.keyID
}

func (s *Signer) Public() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign returns base64(ASN.1 ECDSA signature over SHA-256(recordHash)).
func (s *Signer) Sign(recordHash string) (string, error) {
	digest := sha256.Sum256([]byte(recordHash))
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign record hash: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Keyring holds the public keys signatures are checked against, by key id.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*ecdsa.PublicKey)}
}

func (k *Keyring) Add(keyID string, pub *ecdsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// AddPEM registers a PEM-encoded PKIX public key.
func (k *Keyring) AddPEM(keyID string, pemData []byte) error {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return errors.New("audit public key: no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("audit public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("audit public key: not an ECDSA key")
	}
	k.Add(keyID, pub)
	return nil
}

// Verify reports whether sig is a valid signature of recordHash by keyID.
// Unknown keys and malformed signatures fail.
func (k *Keyring) Verify(keyID, recordHash, sig string) bool {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(recordHash))
	return ecdsa.VerifyASN1(pub, digest[:], raw)
}
