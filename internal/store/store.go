// Package store persists engine state in SQLite using database/sql directly
// against modernc.org/sqlite — one table per logical collection (positions,
// orders, lots, trades, signals, bot_state, bot_config, exchange_info_cache),
// matching the document-collection shape the MONGO_URI contract describes.
//
// Writes to a single entity are serialized by entity id: a per-key mutex
// guards the read-modify-write around each upsert, mirroring the atomic
// file-replace discipline the position store used before it, just scoped to
// rows instead of files.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"usspot-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	entry_order_id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lots (
	id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_pair_status ON lots(pair, status);

CREATE TABLE IF NOT EXISTS trades (
	entry_order_id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	closed_at INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	pair TEXT NOT NULL,
	action TEXT NOT NULL,
	generated_at INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exchange_info_cache (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	refreshed_at INTEGER NOT NULL
);
`

// Store is the engine's SQLite-backed persistence layer. All operations take
// a context and are safe for concurrent use; writes to the same entity id are
// serialized via entityLocks.
type Store struct {
	db *sql.DB

	locksMu     sync.Mutex
	entityLocks map[string]*sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and applies the
// schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, entityLocks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// lockFor returns the per-entity mutex for key, creating it on first use.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.entityLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.entityLocks[key] = m
	}
	return m
}

// withEntityLock serializes fn against any other call keyed by the same id,
// running it inside a transaction.
func (s *Store) withEntityLock(ctx context.Context, key string, fn func(tx *sql.Tx) error) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// SavePosition upserts a position keyed by its entry order id.
func (s *Store) SavePosition(ctx context.Context, pos types.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return s.withEntityLock(ctx, "position:"+pos.EntryOrderID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (entry_order_id, pair, status, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entry_order_id) DO UPDATE SET
				pair = excluded.pair, status = excluded.status,
				data = excluded.data, updated_at = excluded.updated_at`,
			pos.EntryOrderID, pos.Pair, string(pos.Status), string(data), time.Now().Unix())
		return err
	})
}

// LoadOpenPositions returns every position not in PositionClosed.
func (s *Store) LoadOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM positions WHERE status != ?`, string(types.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		var pos types.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("unmarshal position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// SaveOrder upserts an order keyed by its client order id.
func (s *Store) SaveOrder(ctx context.Context, order types.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return s.withEntityLock(ctx, "order:"+order.ClientOrderID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (client_order_id, pair, status, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(client_order_id) DO UPDATE SET
				pair = excluded.pair, status = excluded.status,
				data = excluded.data, updated_at = excluded.updated_at`,
			order.ClientOrderID, order.Pair, string(order.Status), string(data), time.Now().Unix())
		return err
	})
}

// LoadOrder fetches a single order by client order id. Returns nil, nil if
// not found.
func (s *Store) LoadOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM orders WHERE client_order_id = ?`, clientOrderID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	var order types.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &order, nil
}

// ————————————————————————————————————————————————————————————————————————
// Lots
// ————————————————————————————————————————————————————————————————————————

// SaveLot upserts a tax lot keyed by its id.
func (s *Store) SaveLot(ctx context.Context, lot types.Lot) error {
	data, err := json.Marshal(lot)
	if err != nil {
		return fmt.Errorf("marshal lot: %w", err)
	}
	return s.withEntityLock(ctx, "lot:"+lot.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lots (id, pair, status, data, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				pair = excluded.pair, status = excluded.status,
				data = excluded.data, updated_at = excluded.updated_at`,
			lot.ID, lot.Pair, string(lot.Status), string(data), time.Now().Unix())
		return err
	})
}

// LoadOpenLots returns every OPEN lot for pair, ordered by when each lot was
// first saved (FIFO) — the caller's basis-matching order.
func (s *Store) LoadOpenLots(ctx context.Context, pair string) ([]types.Lot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM lots WHERE pair = ? AND status = ? ORDER BY rowid ASC`,
		pair, string(types.LotOpen))
	if err != nil {
		return nil, fmt.Errorf("query open lots: %w", err)
	}
	defer rows.Close()

	var out []types.Lot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		var lot types.Lot
		if err := json.Unmarshal([]byte(raw), &lot); err != nil {
			return nil, fmt.Errorf("unmarshal lot: %w", err)
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Trades (closed positions)
// ————————————————————————————————————————————————————————————————————————

// SaveTrade records a closed position, keyed by its originating entry order
// id. Idempotent: re-saving the same entry order id overwrites the record.
func (s *Store) SaveTrade(ctx context.Context, pos types.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	closedAt := pos.ClosedAt.Unix()
	return s.withEntityLock(ctx, "trade:"+pos.EntryOrderID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trades (entry_order_id, pair, closed_at, data)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entry_order_id) DO UPDATE SET
				pair = excluded.pair, closed_at = excluded.closed_at, data = excluded.data`,
			pos.EntryOrderID, pos.Pair, closedAt, string(data))
		return err
	})
}

// LoadRecentTrades returns the most recently closed trades for a pair,
// newest first, capped at limit.
func (s *Store) LoadRecentTrades(ctx context.Context, pair string, limit int) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM trades WHERE pair = ? ORDER BY closed_at DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		var pos types.Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("unmarshal trade: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Signals (accepted + skipped)
// ————————————————————————————————————————————————————————————————————————

// SignalRecord is a persisted signal, annotated with the router's verdict.
type SignalRecord struct {
	ID     string
	Signal types.Signal
	Action types.SignalAction
	Reason string
}

// SaveSignal records a candidate signal and whether it was executed or
// skipped. id should be caller-generated (e.g. a uuid) since a pair can
// produce many signals.
func (s *Store) SaveSignal(ctx context.Context, id string, rec SignalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (id, pair, action, generated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pair = excluded.pair, action = excluded.action,
			generated_at = excluded.generated_at, data = excluded.data`,
		id, rec.Signal.Pair, string(rec.Action), rec.Signal.GeneratedAt.Unix(), string(data))
	return err
}

// LoadRecentSignals returns the most recent signals for a pair, newest first.
func (s *Store) LoadRecentSignals(ctx context.Context, pair string, limit int) ([]SignalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM signals WHERE pair = ? ORDER BY generated_at DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		var rec SignalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal signal: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Singleton docs: BotState, BotConfig, ExchangeInfo cache
// ————————————————————————————————————————————————————————————————————————

// SaveBotState upserts the single bot-state document.
func (s *Store) SaveBotState(ctx context.Context, state types.BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal bot state: %w", err)
	}
	return s.withEntityLock(ctx, "bot_state", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bot_state (id, data, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			string(data), time.Now().Unix())
		return err
	})
}

// LoadBotState fetches the singleton bot-state document. Returns nil, nil if
// the bot has never run.
func (s *Store) LoadBotState(ctx context.Context) (*types.BotState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM bot_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bot state: %w", err)
	}
	var state types.BotState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal bot state: %w", err)
	}
	return &state, nil
}

// SaveBotConfig upserts the single bot-config document.
func (s *Store) SaveBotConfig(ctx context.Context, cfg types.BotConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal bot config: %w", err)
	}
	return s.withEntityLock(ctx, "bot_config", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bot_config (id, data, updated_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			string(data), time.Now().Unix())
		return err
	})
}

// LoadBotConfig fetches the singleton bot-config document. Returns nil, nil
// if none has been saved yet.
func (s *Store) LoadBotConfig(ctx context.Context) (*types.BotConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM bot_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bot config: %w", err)
	}
	var cfg types.BotConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal bot config: %w", err)
	}
	return &cfg, nil
}

// SaveExchangeInfoCache persists the daily exchange-info snapshot, keyed to a
// single row and timestamped so callers can decide staleness.
func (s *Store) SaveExchangeInfoCache(ctx context.Context, pairs []types.Pair, refreshedAt time.Time) error {
	data, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("marshal exchange info: %w", err)
	}
	return s.withEntityLock(ctx, "exchange_info_cache", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exchange_info_cache (id, data, refreshed_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, refreshed_at = excluded.refreshed_at`,
			string(data), refreshedAt.Unix())
		return err
	})
}

// LoadExchangeInfoCache returns the last-persisted exchange-info snapshot and
// its refresh time. Returns nil, zero-time, nil if none has been saved yet.
func (s *Store) LoadExchangeInfoCache(ctx context.Context) ([]types.Pair, time.Time, error) {
	var raw string
	var refreshedAtUnix int64
	err := s.db.QueryRowContext(ctx, `SELECT data, refreshed_at FROM exchange_info_cache WHERE id = 1`).
		Scan(&raw, &refreshedAtUnix)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("query exchange info cache: %w", err)
	}
	var pairs []types.Pair
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal exchange info cache: %w", err)
	}
	return pairs, time.Unix(refreshedAtUnix, 0), nil
}
