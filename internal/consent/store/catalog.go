package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	dErrors "consentline/pkg/domain-errors"
)

const day = 24 * time.Hour

// Purpose is a catalog entry: how long an approval for it stays valid.
type Purpose struct {
	DFID       string `json:"df_id"`
	PurposeID  string `json:"purpose_id"`
	Title      string `json:"title,omitempty"`
	WindowDays int    `json:"window_days"`
}

func (p Purpose) validate() error {
	if p.DFID == "" || p.PurposeID == "" {
		return dErrors.New(dErrors.CodeValidation, "df_id and purpose_id are required")
	}
	if p.WindowDays <= 0 {
		return dErrors.New(dErrors.CodeValidation, "window_days must be positive")
	}
	return nil
}

func unknownPurpose(dfID, purposeID string) error {
	return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("unknown purpose %s for %s", purposeID, dfID))
}

// InMemoryCatalog is a purpose catalog for tests and single-node runs.
type InMemoryCatalog struct {
	mu       sync.RWMutex
	purposes map[[2]string]Purpose
}

func NewInMemoryCatalog(purposes ...Purpose) *InMemoryCatalog {
	c := &InMemoryCatalog{purposes: make(map[[2]string]Purpose)}
	for _, p := range purposes {
		c.purposes[[2]string{p.DFID, p.PurposeID}] = p
	}
	return c
}

func (c *InMemoryCatalog) Put(_ context.Context, p Purpose) error {
	if err := p.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purposes[[2]string{p.DFID, p.PurposeID}] = p
	return nil
}

func (c *InMemoryCatalog) Window(_ context.Context, dfID, purposeID string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.purposes[[2]string{dfID, purposeID}]
	if !ok {
		return 0, unknownPurpose(dfID, purposeID)
	}
	return time.Duration(p.WindowDays) * day, nil
}

// PostgresCatalog reads windows from consent_purposes.
type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) Put(ctx context.Context, p Purpose) error {
	if err := p.validate(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO consent_purposes (df_id, purpose_id, title, window_days)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (df_id, purpose_id) DO UPDATE SET
			title = EXCLUDED.title,
			window_days = EXCLUDED.window_days`,
		p.DFID, p.PurposeID, p.Title, p.WindowDays)
	if err != nil {
		return fmt.Errorf("upsert purpose: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) Window(ctx context.Context, dfID, purposeID string) (time.Duration, error) {
	var days int
	err := c.db.QueryRowContext(ctx,
		`SELECT window_days FROM consent_purposes WHERE df_id = $1 AND purpose_id = $2`,
		dfID, purposeID).Scan(&days)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, unknownPurpose(dfID, purposeID)
	}
	if err != nil {
		return 0, fmt.Errorf("load purpose window: %w", err)
	}
	return time.Duration(days) * day, nil
}
