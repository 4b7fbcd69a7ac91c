package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"consentline/internal/consent/models"
	"consentline/pkg/platform/sentinel"
	"consentline/pkg/platform/tx"
)

const (
	uniqueViolation       = "23505"
	sourceEventConstraint = "consent_artifacts_source_event_idx"
)

// PostgresStore persists each version as a JSONB document plus one index row
// per deadline in consent_entries. Only the latest version's rows carry
// is_latest, which is what the scanner queries.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// inTx runs fn on the context's transaction, or on a short one of its own.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx.Execer) error) error {
	if t, ok := tx.From(ctx); ok {
		return fn(t)
	}
	t, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = t.Rollback()
	}()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (s *PostgresStore) Insert(ctx context.Context, a *models.ConsentArtifact) error {
	if a == nil {
		return fmt.Errorf("consent artifact is required")
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	return s.inTx(ctx, func(q tx.Execer) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO consent_artifacts (id, agreement_id, version, source_event_id, principal_ref, df_id, cp_id, agreement_hash, document, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.AgreementID, a.Version, a.SourceEventID, a.DataPrincipal.PrincipalRef,
			a.DFID, a.CPID, a.AgreementHash, doc, a.CreatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				if pqErr.Constraint == sourceEventConstraint {
					return fmt.Errorf("event %s on %s: %w", a.SourceEventID, a.AgreementID, sentinel.ErrAlreadyUsed)
				}
				return fmt.Errorf("agreement %s version %d: %w", a.AgreementID, a.Version, sentinel.ErrConflict)
			}
			return fmt.Errorf("insert artifact: %w", err)
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE consent_entries SET is_latest = FALSE WHERE agreement_id = $1 AND is_latest`,
			a.AgreementID,
		); err != nil {
			return fmt.Errorf("retire previous entries: %w", err)
		}
		for _, e := range entriesOf(a) {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO consent_entries (artifact_id, agreement_id, is_latest, de_id, purpose_id, kind, status, deadline, notification_sent)
				VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7, $8)`,
				a.ID, a.AgreementID, e.deID, e.purposeID, string(e.kind), e.status, e.deadline, e.notified,
			); err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}
		return nil
	})
}

type entryRow struct {
	deID      string
	purposeID string
	kind      models.DueKind
	status    string
	deadline  *time.Time
	notified  bool
}

func entriesOf(a *models.ConsentArtifact) []entryRow {
	var rows []entryRow
	for _, de := range a.ConsentScope.DataElements {
		rows = append(rows, entryRow{
			deID: de.DEID, kind: models.DueRetention, status: string(de.DEStatus),
			deadline: de.RetentionExpiry, notified: de.RetentionNotificationSent,
		})
		for _, c := range de.Consents {
			rows = append(rows, entryRow{
				deID: de.DEID, purposeID: c.PurposeID, kind: models.DueConsent, status: string(c.ConsentStatus),
				deadline: c.ConsentExpiry, notified: c.ExpiryNotificationSent,
			})
		}
	}
	return rows
}

func scanDocument(row interface{ Scan(...any) error }) (*models.ConsentArtifact, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var a models.ConsentArtifact
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("decode artifact document: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, what, query string, args ...any) (*models.ConsentArtifact, error) {
	a, err := scanDocument(tx.Exec(ctx, s.db).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", what, err)
	}
	return a, nil
}

func (s *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]*models.ConsentArtifact, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	var out []*models.ConsentArtifact
	for rows.Next() {
		a, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ConsentArtifact, error) {
	return s.queryOne(ctx, "artifact "+id, `SELECT document FROM consent_artifacts WHERE id = $1`, id)
}

func (s *PostgresStore) Latest(ctx context.Context, agreementID string) (*models.ConsentArtifact, error) {
	return s.queryOne(ctx, "agreement "+agreementID, `
		SELECT document FROM consent_artifacts
		WHERE agreement_id = $1
		ORDER BY version DESC
		LIMIT 1`, agreementID)
}

func (s *PostgresStore) GetVersion(ctx context.Context, agreementID string, version int) (*models.ConsentArtifact, error) {
	return s.queryOne(ctx, fmt.Sprintf("agreement %s version %d", agreementID, version),
		`SELECT document FROM consent_artifacts WHERE agreement_id = $1 AND version = $2`, agreementID, version)
}

func (s *PostgresStore) FindBySourceEvent(ctx context.Context, agreementID, eventID string) (*models.ConsentArtifact, error) {
	return s.queryOne(ctx, "event "+eventID,
		`SELECT document FROM consent_artifacts WHERE agreement_id = $1 AND source_event_id = $2`, agreementID, eventID)
}

func (s *PostgresStore) History(ctx context.Context, agreementID string) ([]*models.ConsentArtifact, error) {
	return s.queryMany(ctx, `SELECT document FROM consent_artifacts WHERE agreement_id = $1 ORDER BY version`, agreementID)
}

func (s *PostgresStore) ListByPrincipal(ctx context.Context, principalRef string) ([]*models.ConsentArtifact, error) {
	return s.queryMany(ctx, `
		SELECT latest.document
		FROM (
			SELECT DISTINCT ON (agreement_id) agreement_id, principal_ref, document
			FROM consent_artifacts
			ORDER BY agreement_id, version DESC
		) latest
		JOIN consent_artifacts first ON first.agreement_id = latest.agreement_id AND first.version = 1
		WHERE latest.principal_ref = $1
		ORDER BY first.created_at, latest.agreement_id`, principalRef)
}

func (s *PostgresStore) DueConsentExpiries(ctx context.Context, before time.Time, limit int) ([]models.DueEntry, error) {
	return s.queryDue(ctx, `
		WHERE e.is_latest AND e.kind = 'consent' AND NOT e.notification_sent
		  AND e.status = 'approved' AND e.deadline <= $1`, before, limit)
}

func (s *PostgresStore) DueRetentionExpiries(ctx context.Context, before time.Time, limit int) ([]models.DueEntry, error) {
	return s.queryDue(ctx, `
		WHERE e.is_latest AND e.kind = 'retention' AND NOT e.notification_sent
		  AND e.status = 'active' AND e.deadline <= $1`, before, limit)
}

func (s *PostgresStore) NotifiedOverdue(ctx context.Context, before time.Time, limit int) ([]models.DueEntry, error) {
	return s.queryDue(ctx, `
		WHERE e.is_latest AND e.notification_sent AND e.deadline <= $1
		  AND ((e.kind = 'consent' AND e.status = 'approved') OR (e.kind = 'retention' AND e.status = 'active'))`, before, limit)
}

func (s *PostgresStore) queryDue(ctx context.Context, where string, before time.Time, limit int) ([]models.DueEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT e.kind, e.artifact_id, e.agreement_id, a.df_id, e.de_id, e.purpose_id, e.deadline
		FROM consent_entries e
		JOIN consent_artifacts a ON a.id = e.artifact_id` + where + `
		ORDER BY e.deadline, e.artifact_id, e.de_id, e.purpose_id
		LIMIT $2`
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query due entries: %w", err)
	}
	defer rows.Close()
	var out []models.DueEntry
	for rows.Next() {
		var (
			e    models.DueEntry
			kind string
		)
		if err := rows.Scan(&kind, &e.ArtifactID, &e.AgreementID, &e.DFID, &e.DEID, &e.PurposeID, &e.Deadline); err != nil {
			return nil, fmt.Errorf("scan due entry: %w", err)
		}
		e.Kind = models.DueKind(kind)
		e.Deadline = e.Deadline.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkExpiryNotified(ctx context.Context, artifactID, deID, purposeID string) error {
	return s.markNotified(ctx, artifactID, deID, purposeID, func(a *models.ConsentArtifact) bool {
		_, c, ok := a.Pair(deID, purposeID)
		if ok {
			c.ExpiryNotificationSent = true
		}
		return ok
	})
}

func (s *PostgresStore) MarkRetentionNotified(ctx context.Context, artifactID, deID string) error {
	return s.markNotified(ctx, artifactID, deID, "", func(a *models.ConsentArtifact) bool {
		de, ok := a.Element(deID)
		if ok {
			de.RetentionNotificationSent = true
		}
		return ok
	})
}

// markNotified flips the flag in both the index row and the document so
// later versions cloned from the document inherit it.
func (s *PostgresStore) markNotified(ctx context.Context, artifactID, deID, purposeID string, flip func(*models.ConsentArtifact) bool) error {
	return s.inTx(ctx, func(q tx.Execer) error {
		a, err := scanDocument(q.QueryRowContext(ctx,
			`SELECT document FROM consent_artifacts WHERE id = $1 FOR UPDATE`, artifactID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("artifact %s: %w", artifactID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load artifact %s: %w", artifactID, err)
		}
		if !flip(a) {
			return fmt.Errorf("entry %s/%s: %w", deID, purposeID, sentinel.ErrNotFound)
		}
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE consent_artifacts SET document = $2 WHERE id = $1`, artifactID, doc); err != nil {
			return fmt.Errorf("update artifact document: %w", err)
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE consent_entries SET notification_sent = TRUE
			WHERE artifact_id = $1 AND de_id = $2 AND purpose_id = $3`,
			artifactID, deID, purposeID); err != nil {
			return fmt.Errorf("flag entry: %w", err)
		}
		return nil
	})
}
