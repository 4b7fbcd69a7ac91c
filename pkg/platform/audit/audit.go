package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store persists chain entries. Append must serialize concurrent appends to
// the same chain and hand build the current head (nil for an empty chain)
// under that exclusion.
type Store interface {
	Append(ctx context.Context, chain ChainKey, build func(head *Entry) (*Entry, error)) (*Entry, error)
	// List returns a principal's entries in ascending timestamp order; an
	// empty dfID spans every fiduciary.
	List(ctx context.Context, principalRef, dfID string) ([]*Entry, error)
}

// Counter is the slice of the metrics surface the chain reports to.
type Counter interface {
	IncrementAuditEntries()
}

// Chain appends signed entries and verifies them.
type Chain struct {
	store   Store
	signer  *Signer
	keys    *Keyring
	logger  *slog.Logger
	metrics Counter
	now     func() time.Time
}

type Option func(*Chain)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = logger
	}
}

func WithMetrics(m Counter) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		c.now = now
	}
}

// WithKeyring verifies against keys beyond the signer's own, such as
// rotated-out keys.
func WithKeyring(keys *Keyring) Option {
	return func(c *Chain) {
		c.keys = keys
	}
}

func New(store Store, signer *Signer, opts ...Option) (*Chain, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if signer == nil {
		return nil, errors.New("audit signer is required")
	}
	c := &Chain{
		store:  store,
		signer: signer,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.keys == nil {
		c.keys = NewKeyring()
	}
	c.keys.Add(signer.KeyID(), signer.Public())
	return c, nil
}

// Append links rec onto its chain. Timestamps are strictly increasing within
// a chain even when the clock is not.
func (c *Chain) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.PrincipalRef == "" || rec.DFID == "" {
		return nil, errors.New("audit record requires principal and fiduciary")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	key := ChainKey{PrincipalRef: rec.PrincipalRef, DFID: rec.DFID}

	entry, err := c.store.Append(ctx, key, func(head *Entry) (*Entry, error) {
		ts := c.now().UTC().Truncate(timestampResolution)
		prev := ""
		if head != nil {
			prev = head.RecordHash
			if !ts.After(head.Timestamp) {
				ts = head.Timestamp.Add(timestampResolution)
			}
		}
		e := &Entry{
			ID:              uuid.NewString(),
			PrincipalRef:    rec.PrincipalRef,
			DFID:            rec.DFID,
			CPID:            rec.CPID,
			AgreementID:     rec.AgreementID,
			Version:         rec.Version,
			Operation:       rec.Operation,
			Payload:         payload,
			Timestamp:       ts,
			PrevRecordHash:  prev,
			SignedWithKeyID: c.signer.KeyID(),
		}
		dataHash, err := DataHash(e)
		if err != nil {
			return nil, err
		}
		e.DataHash = dataHash
		e.RecordHash = RecordHash(prev, dataHash, ts)
		sig, err := c.signer.Sign(e.RecordHash)
		if err != nil {
			return nil, err
		}
		e.Signature = sig
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	if c.metrics != nil {
		c.metrics.IncrementAuditEntries()
	}
	c.logger.DebugContext(ctx, "audit entry appended",
		"dp_id", entry.PrincipalRef,
		"df_id", entry.DFID,
		"operation", entry.Operation,
		"record_hash", entry.RecordHash,
	)
	return entry, nil
}

// Recorded reports whether rec's chain already holds an entry for the same
// agreement version.
func (c *Chain) Recorded(ctx context.Context, rec Record) (bool, error) {
	entries, err := c.store.List(ctx, rec.PrincipalRef, rec.DFID)
	if err != nil {
		return false, fmt.Errorf("load audit entries: %w", err)
	}
	for _, e := range entries {
		if e.AgreementID == rec.AgreementID && e.Version == rec.Version {
			return true, nil
		}
	}
	return false, nil
}

// Verify loads the principal's entries and checks every one of them.
func (c *Chain) Verify(ctx context.Context, principalRef, dfID string) (*Report, error) {
	entries, err := c.store.List(ctx, principalRef, dfID)
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	report := &Report{
		PrincipalRef: principalRef,
		DFID:         dfID,
		Entries:      VerifyEntries(entries, c.keys),
		Valid:        true,
	}
	for _, r := range report.Entries {
		if r.Tampered {
			report.Valid = false
			c.logger.WarnContext(ctx, "audit entry failed verification",
				"dp_id", principalRef,
				"entry_id", r.Entry.ID,
				"data_hash_ok", r.Integrity.DataHashOK,
				"chain_ok", r.Integrity.ChainOK,
				"signature_ok", r.Integrity.SignatureOK,
			)
		}
	}
	return report, nil
}
