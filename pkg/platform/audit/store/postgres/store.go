package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	audit "consentline/pkg/platform/audit"
	txcontext "consentline/pkg/platform/tx"
)

// Store implements audit.Store on the audit_entries table. Appends take a
// transaction-scoped advisory lock on the chain, so they serialize even when
// they run nested inside a caller's transaction.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `id, principal_ref, df_id, cp_id, agreement_id, version, operation, payload, ts,
	data_hash, prev_record_hash, record_hash, signature, signed_with_key_id`

func (s *Store) Append(ctx context.Context, chain audit.ChainKey, build func(head *audit.Entry) (*audit.Entry, error)) (*audit.Entry, error) {
	if t, ok := txcontext.From(ctx); ok {
		return s.append(ctx, t, chain, build)
	}

	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() {
		_ = t.Rollback()
	}()
	e, err := s.append(ctx, t, chain, build)
	if err != nil {
		return nil, err
	}
	if err := t.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) append(ctx context.Context, t *sql.Tx, chain audit.ChainKey, build func(head *audit.Entry) (*audit.Entry, error)) (*audit.Entry, error) {
	if _, err := t.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, chain.LockKey()); err != nil {
		return nil, fmt.Errorf("lock audit chain: %w", err)
	}

	head, err := scanEntry(t.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE principal_ref = $1 AND df_id = $2
		ORDER BY ts DESC
		LIMIT 1`, chain.PrincipalRef, chain.DFID))
	if errors.Is(err, sql.ErrNoRows) {
		head = nil
	} else if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}

	e, err := build(head)
	if err != nil {
		return nil, err
	}
	_, err = t.ExecContext(ctx, `
		INSERT INTO audit_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.PrincipalRef, e.DFID, e.CPID, e.AgreementID, e.Version, string(e.Operation),
		[]byte(e.Payload), e.Timestamp, e.DataHash, e.PrevRecordHash, e.RecordHash,
		e.Signature, e.SignedWithKeyID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, principalRef, dfID string) ([]*audit.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE principal_ref = $1`
	args := []any{principalRef}
	if dfID != "" {
		query += ` AND df_id = $2`
		args = append(args, dfID)
	}
	query += ` ORDER BY ts, df_id`

	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*audit.Entry, error) {
	var (
		e       audit.Entry
		op      string
		payload []byte
	)
	err := row.Scan(
		&e.ID, &e.PrincipalRef, &e.DFID, &e.CPID, &e.AgreementID, &e.Version, &op, &payload, &e.Timestamp,
		&e.DataHash, &e.PrevRecordHash, &e.RecordHash, &e.Signature, &e.SignedWithKeyID,
	)
	if err != nil {
		return nil, err
	}
	e.Operation = audit.Operation(op)
	e.Payload = payload
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}
