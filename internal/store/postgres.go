package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/autotrader/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore. Quantities and
// prices are stored as NUMERIC and travel as decimal strings.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	tenant_id      TEXT PRIMARY KEY,
	last_candle_ts BIGINT NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	kill_switch    BOOLEAN NOT NULL DEFAULT FALSE,
	paused         BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	tenant_id TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS credentials (
	tenant_id TEXT NOT NULL,
	venue     TEXT NOT NULL,
	sealed    TEXT NOT NULL,
	PRIMARY KEY (tenant_id, venue)
);

CREATE TABLE IF NOT EXISTS trades (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	tenant_id  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	qty        NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	mode       TEXT NOT NULL,
	adapter    TEXT NOT NULL,
	order_id   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_tenant_created ON trades (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS positions (
	tenant_id  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	qty        NUMERIC NOT NULL,
	avg_price  NUMERIC NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, symbol)
);

CREATE TABLE IF NOT EXISTS risk_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	tenant_id  TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT PRIMARY KEY,
	keys      TEXT[] NOT NULL DEFAULT '{}'
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) GetEngineState(ctx context.Context, tenantID string) (model.EngineState, error) {
	st := model.EngineState{TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		`SELECT last_candle_ts, last_error, kill_switch, paused, updated_at
		 FROM engine_state WHERE tenant_id = $1`, tenantID).
		Scan(&st.LastCandleTS, &st.LastError, &st.KillSwitch, &st.Paused, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultEngineState(tenantID), nil
	}
	if err != nil {
		return st, fmt.Errorf("get engine state %s: %w", tenantID, err)
	}
	return st, nil
}

// UpdateEngineState upserts in one statement; NULL parameters keep the
// stored value.
func (s *PostgresStore) UpdateEngineState(ctx context.Context, tenantID string, p model.StatePatch) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_state (tenant_id, last_candle_ts, last_error, kill_switch, paused, updated_at)
		 VALUES ($1, COALESCE($2::BIGINT, 0), COALESCE($3::TEXT, ''), COALESCE($4::BOOLEAN, FALSE), COALESCE($5::BOOLEAN, TRUE), $6)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		     last_candle_ts = COALESCE($2::BIGINT, engine_state.last_candle_ts),
		     last_error     = COALESCE($3::TEXT, engine_state.last_error),
		     kill_switch    = COALESCE($4::BOOLEAN, engine_state.kill_switch),
		     paused         = COALESCE($5::BOOLEAN, engine_state.paused),
		     updated_at     = $6`,
		tenantID, p.LastCandleTS, p.LastError, p.KillSwitch, p.Paused, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update engine state %s: %w", tenantID, err)
	}
	return nil
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM engine_state ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetSettings(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetSetting(ctx context.Context, tenantID, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (tenant_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value`,
		tenantID, key, value)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, tenantID, venue string) (string, error) {
	var sealed string
	err := s.pool.QueryRow(ctx,
		`SELECT sealed FROM credentials WHERE tenant_id = $1 AND venue = $2`, tenantID, venue).
		Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("credential %s/%s: %w", tenantID, venue, ErrNotFound)
	}
	return sealed, err
}

func (s *PostgresStore) SetCredential(ctx context.Context, tenantID, venue, sealed string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (tenant_id, venue, sealed) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, venue) DO UPDATE SET sealed = excluded.sealed`,
		tenantID, venue, sealed)
	return err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, tenant_id, symbol, side, qty, price, mode, adapter, order_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		t.ID, t.TenantID, t.Symbol, string(t.Side),
		decimal.NewFromFloat(t.Quantity).String(), decimal.NewFromFloat(t.Price).String(),
		t.Mode, t.Adapter, t.OrderID, t.CreatedAt,
	)
	return err
}

const tradeColumns = `id, tenant_id, symbol, side, qty::TEXT, price::TEXT, mode, adapter, order_id, created_at`

func (s *PostgresStore) ListTradesSince(ctx context.Context, tenantID string, since time.Time) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE tenant_id = $1 AND created_at >= $2 ORDER BY created_at, seq`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListRecentTrades(ctx context.Context, tenantID string, limit int) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE tenant_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListPositions(ctx context.Context, tenantID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, qty::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE tenant_id = $1 ORDER BY symbol`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, avgS string
		if err := rows.Scan(&p.Symbol, &qtyS, &avgS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity = parseNumeric(qtyS)
		p.AvgPrice = parseNumeric(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, tenantID string, p model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (tenant_id, symbol, qty, avg_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (tenant_id, symbol) DO UPDATE
		 SET qty = excluded.qty, avg_price = excluded.avg_price, updated_at = excluded.updated_at`,
		tenantID, p.Symbol,
		decimal.NewFromFloat(p.Quantity).String(), decimal.NewFromFloat(p.AvgPrice).String(),
		time.Now().UTC(),
	)
	return err
}

func (s *PostgresStore) InsertRiskEvent(ctx context.Context, e *model.RiskEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_events (id, tenant_id, reason, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.TenantID, e.Reason, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListRiskEvents(ctx context.Context, tenantID string, limit int) ([]model.RiskEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, reason, created_at FROM risk_events
		 WHERE tenant_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RiskEvent
	for rows.Next() {
		var e model.RiskEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpdateIdempotencyKeys locks the tenant's window row for the duration of fn.
func (s *PostgresStore) UpdateIdempotencyKeys(ctx context.Context, tenantID string, fn KeyWindowFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency_keys (tenant_id) VALUES ($1) ON CONFLICT DO NOTHING`, tenantID); err != nil {
			return err
		}
		var keys []string
		if err := tx.QueryRow(ctx,
			`SELECT keys FROM idempotency_keys WHERE tenant_id = $1 FOR UPDATE`, tenantID).
			Scan(&keys); err != nil {
			return fmt.Errorf("lock idempotency window %s: %w", tenantID, err)
		}
		next, changed := fn(keys)
		if !changed {
			return nil
		}
		_, err := tx.Exec(ctx,
			`UPDATE idempotency_keys SET keys = $2 WHERE tenant_id = $1`, tenantID, next)
		return err
	})
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side, qtyS, priceS string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Symbol, &side,
			&qtyS, &priceS, &t.Mode, &t.Adapter, &t.OrderID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Quantity = parseNumeric(qtyS)
		t.Price = parseNumeric(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func parseNumeric(s string) float64 {
	d, _ := decimal.NewFromString(s)
	return d.InexactFloat64()
}
