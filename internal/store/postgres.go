package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/deep-research/execution-engine/pkg/types"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS account_configs (
	account_id      TEXT PRIMARY KEY,
	config          JSONB NOT NULL,
	equity_snapshot NUMERIC NOT NULL DEFAULT 0,
	last_run        TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	account_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_events_account_idx ON audit_events (account_id, created_at);
`

// PostgresStore is the Store implementation backed by Postgres. Configs live
// as JSONB documents with the equity snapshot mirrored into a NUMERIC column;
// audit events are an append-only table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects, registers the decimal codec, verifies
// connectivity and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// Register shopspring decimal for the NUMERIC equity column.
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// LoadConfig reads the account config, creating defaults on first read.
func (s *PostgresStore) LoadConfig(ctx context.Context, accountID string) (*types.AccountConfig, error) {
	var (
		raw     []byte
		equity  decimal.Decimal
		lastRun *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT config, equity_snapshot, last_run FROM account_configs WHERE account_id = $1`,
		accountID,
	).Scan(&raw, &equity, &lastRun)

	if errors.Is(err, pgx.ErrNoRows) {
		cfg := types.DefaultAccountConfig(accountID)
		cfg.UpdatedAt = s.now()
		if err := s.upsert(ctx, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var cfg types.AccountConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.EquitySnapshot = equity.InexactFloat64()
	if lastRun != nil {
		cfg.LastRun = *lastRun
	}
	return &cfg, nil
}

// SaveConfig merges the partial update into the stored config inside a
// transaction so concurrent updates for the same account serialize.
func (s *PostgresStore) SaveConfig(ctx context.Context, accountID string, update *types.ConfigUpdate) (*types.AccountConfig, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT config FROM account_configs WHERE account_id = $1 FOR UPDATE`,
		accountID,
	).Scan(&raw)

	var cfg *types.AccountConfig
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		cfg = types.DefaultAccountConfig(accountID)
	case err != nil:
		return nil, fmt.Errorf("load config for update: %w", err)
	default:
		cfg = &types.AccountConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if update != nil {
		update.Apply(cfg)
	}
	cfg.LastRun = s.now()
	cfg.UpdatedAt = s.now()

	if err := s.upsertTx(ctx, tx, cfg); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) upsert(ctx context.Context, cfg *types.AccountConfig) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.upsertTx(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) upsertTx(ctx context.Context, tx pgx.Tx, cfg *types.AccountConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	var lastRun *time.Time
	if !cfg.LastRun.IsZero() {
		lastRun = &cfg.LastRun
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO account_configs (account_id, config, equity_snapshot, last_run, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			config = EXCLUDED.config,
			equity_snapshot = EXCLUDED.equity_snapshot,
			last_run = EXCLUDED.last_run,
			updated_at = EXCLUDED.updated_at`,
		cfg.AccountID, raw, decimal.NewFromFloat(cfg.EquitySnapshot), lastRun, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert config: %w", err)
	}
	return nil
}

// AppendAudit inserts one audit event.
func (s *PostgresStore) AppendAudit(ctx context.Context, accountID, eventType string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_events (account_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		accountID, eventType, raw, s.now(),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
