package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atmx/autotrader/internal/model"
)

// SQLiteSchema creates the tables used by SQLiteStore. Timestamps are unix
// nanoseconds; seq preserves insertion order within one timestamp.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS engine_state (
	tenant_id      TEXT PRIMARY KEY,
	last_candle_ts INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	kill_switch    INTEGER NOT NULL DEFAULT 0,
	paused         INTEGER NOT NULL DEFAULT 1,
	updated_at     INTEGER NOT NULL
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
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	tenant_id  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	qty        REAL NOT NULL,
	price      REAL NOT NULL,
	mode       TEXT NOT NULL,
	adapter    TEXT NOT NULL,
	order_id   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_tenant_created ON trades (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS positions (
	tenant_id  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	qty        REAL NOT NULL,
	avg_price  REAL NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, symbol)
);

CREATE TABLE IF NOT EXISTS risk_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	tenant_id  TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT PRIMARY KEY,
	keys      TEXT NOT NULL DEFAULT '[]'
);
`

// SQLiteStore implements Store on an embedded SQLite database. All access
// goes through a single connection, which serializes writers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetEngineState(ctx context.Context, tenantID string) (model.EngineState, error) {
	st := model.EngineState{TenantID: tenantID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_candle_ts, last_error, kill_switch, paused, updated_at
		 FROM engine_state WHERE tenant_id = ?`, tenantID).
		Scan(&st.LastCandleTS, &st.LastError, &st.KillSwitch, &st.Paused, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultEngineState(tenantID), nil
	}
	if err != nil {
		return st, fmt.Errorf("get engine state %s: %w", tenantID, err)
	}
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return st, nil
}

func (s *SQLiteStore) UpdateEngineState(ctx context.Context, tenantID string, p model.StatePatch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_state (tenant_id, last_candle_ts, last_error, kill_switch, paused, updated_at)
		 VALUES (?1, COALESCE(?2, 0), COALESCE(?3, ''), COALESCE(?4, 0), COALESCE(?5, 1), ?6)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		     last_candle_ts = COALESCE(?2, last_candle_ts),
		     last_error     = COALESCE(?3, last_error),
		     kill_switch    = COALESCE(?4, kill_switch),
		     paused         = COALESCE(?5, paused),
		     updated_at     = ?6`,
		tenantID, nullInt(p.LastCandleTS), nullString(p.LastError),
		nullBool(p.KillSwitch), nullBool(p.Paused), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("update engine state %s: %w", tenantID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM engine_state ORDER BY tenant_id`)
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

func (s *SQLiteStore) GetSettings(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE tenant_id = ?`, tenantID)
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

func (s *SQLiteStore) SetSetting(ctx context.Context, tenantID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (tenant_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value`,
		tenantID, key, value)
	return err
}

func (s *SQLiteStore) GetCredential(ctx context.Context, tenantID, venue string) (string, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM credentials WHERE tenant_id = ? AND venue = ?`, tenantID, venue).
		Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("credential %s/%s: %w", tenantID, venue, ErrNotFound)
	}
	return sealed, err
}

func (s *SQLiteStore) SetCredential(ctx context.Context, tenantID, venue, sealed string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, venue, sealed) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, venue) DO UPDATE SET sealed = excluded.sealed`,
		tenantID, venue, sealed)
	return err
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, tenant_id, symbol, side, qty, price, mode, adapter, order_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Symbol, string(t.Side), t.Quantity, t.Price,
		t.Mode, t.Adapter, t.OrderID, t.CreatedAt.UnixNano(),
	)
	return err
}

const sqliteTradeColumns = `id, tenant_id, symbol, side, qty, price, mode, adapter, order_id, created_at`

func (s *SQLiteStore) ListTradesSince(ctx context.Context, tenantID string, since time.Time) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades
		 WHERE tenant_id = ? AND created_at >= ? ORDER BY created_at, seq`,
		tenantID, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLiteTrades(rows)
}

func (s *SQLiteStore) ListRecentTrades(ctx context.Context, tenantID string, limit int) ([]model.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades
		 WHERE tenant_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLiteTrades(rows)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, tenantID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, qty, avg_price, updated_at FROM positions
		 WHERE tenant_id = ? ORDER BY symbol`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var updated int64
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgPrice, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(0, updated).UTC()
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) UpsertPosition(ctx context.Context, tenantID string, p model.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (tenant_id, symbol, qty, avg_price, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, symbol) DO UPDATE
		 SET qty = excluded.qty, avg_price = excluded.avg_price, updated_at = excluded.updated_at`,
		tenantID, p.Symbol, p.Quantity, p.AvgPrice, time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) InsertRiskEvent(ctx context.Context, e *model.RiskEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_events (id, tenant_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.TenantID, e.Reason, e.CreatedAt.UnixNano())
	return err
}

func (s *SQLiteStore) ListRiskEvents(ctx context.Context, tenantID string, limit int) ([]model.RiskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, reason, created_at FROM risk_events
		 WHERE tenant_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RiskEvent
	for rows.Next() {
		var e model.RiskEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpdateIdempotencyKeys runs fn inside a transaction; the single connection
// keeps other writers out until commit.
func (s *SQLiteStore) UpdateIdempotencyKeys(ctx context.Context, tenantID string, fn KeyWindowFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT keys FROM idempotency_keys WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		raw = "[]"
	} else if err != nil {
		return fmt.Errorf("read idempotency window %s: %w", tenantID, err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return fmt.Errorf("decode idempotency window %s: %w", tenantID, err)
	}
	next, changed := fn(keys)
	if !changed {
		return tx.Commit()
	}

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (tenant_id, keys) VALUES (?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET keys = excluded.keys`,
		tenantID, string(data)); err != nil {
		return err
	}
	return tx.Commit()
}

func scanSQLiteTrades(rows *sql.Rows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side string
		var created int64
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Symbol, &side, &t.Quantity, &t.Price,
			&t.Mode, &t.Adapter, &t.OrderID, &created); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.CreatedAt = time.Unix(0, created).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}
