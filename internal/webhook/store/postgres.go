package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"consentline/internal/webhook/models"
	"consentline/pkg/platform/sentinel"
	"consentline/pkg/platform/tx"
)

const (
	uniqueViolation = "23505"
	urlConstraint   = "webhooks_df_url_key"
)

// PostgresStore keeps the subscription document as JSONB. Delivery counters
// live in their own columns so concurrent dispatchers increment atomically.
type PostgresStore struct {
	db     *sql.DB
	runner *tx.PostgresRunner
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, runner: tx.NewPostgresRunner(db, 0)}
}

func (s *PostgresStore) Create(ctx context.Context, sub *models.Subscription) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	_, err = tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO webhooks (id, df_id, url, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.DFID, sub.URL, string(sub.Status), doc, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == urlConstraint {
				return fmt.Errorf("webhook url %s for %s: %w", sub.URL, sub.DFID, sentinel.ErrAlreadyUsed)
			}
			return fmt.Errorf("webhook %s: %w", sub.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

const subscriptionColumns = `document, delivered, failed, last_success, last_failure`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		doc                      []byte
		delivered, failed        int64
		lastSuccess, lastFailure sql.NullTime
	)
	if err := row.Scan(&doc, &delivered, &failed, &lastSuccess, &lastFailure); err != nil {
		return nil, err
	}
	var sub models.Subscription
	if err := json.Unmarshal(doc, &sub); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	sub.Metrics = models.Metrics{Delivered: delivered, Failed: failed}
	if lastSuccess.Valid {
		t := lastSuccess.Time.UTC()
		sub.Metrics.LastSuccess = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time.UTC()
		sub.Metrics.LastFailure = &t
	}
	return &sub, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Subscription, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListByFiduciary(ctx context.Context, dfID string) ([]*models.Subscription, error) {
	return s.query(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE df_id = $1 ORDER BY created_at, id`, dfID)
}

func (s *PostgresStore) ListActive(ctx context.Context, dfID string) ([]*models.Subscription, error) {
	return s.query(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE df_id = $1 AND status = $2 ORDER BY created_at, id`,
		dfID, string(models.StatusActive))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Subscription, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	var out []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, id string, delivered bool, at time.Time) error {
	q := `UPDATE webhooks SET failed = failed + 1, last_failure = $2, updated_at = $2 WHERE id = $1`
	if delivered {
		q = `UPDATE webhooks SET delivered = delivered + 1, last_success = $2, updated_at = $2 WHERE id = $1`
	}
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, q, id, at.UTC())
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateEvent(ctx context.Context, e *models.Event) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO webhook_events (id, webhook_id, df_id, event_type, payload, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.WebhookID, e.DFID, e.EventType, []byte(payload), string(e.Status), e.Attempts, e.LastError, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("webhook event %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

const eventColumns = `id, webhook_id, df_id, event_type, payload, status, attempts, last_error, created_at, updated_at`

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		e       models.Event
		payload []byte
		status  string
	)
	if err := row.Scan(&e.ID, &e.WebhookID, &e.DFID, &e.EventType, &payload, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Status = models.DeliveryStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook event: %w", err)
	}
	return e, nil
}

// CompleteDelivery settles the event only while it is still pending and
// bumps the subscription counters in the same transaction.
func (s *PostgresStore) CompleteDelivery(ctx context.Context, o models.Outcome) (bool, error) {
	var applied bool
	err := s.runner.RunInTx(ctx, "", func(ctx context.Context) error {
		res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
			UPDATE webhook_events SET status = $2, attempts = $3, last_error = $4, updated_at = $5
			WHERE id = $1 AND status = 'pending'`,
			o.EventID, string(o.Status), o.Attempts, o.LastError, o.At.UTC(),
		)
		if err != nil {
			return fmt.Errorf("settle webhook event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.GetEvent(ctx, o.EventID); err != nil {
				return err
			}
			return nil
		}
		if o.Count {
			if err := s.RecordDelivery(ctx, o.WebhookID, o.Status == models.DeliverySent, o.At); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *PostgresStore) EventsFor(ctx context.Context, webhookID string) ([]*models.Event, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE webhook_id = $1 ORDER BY created_at, id`, webhookID)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()
	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
