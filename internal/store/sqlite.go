// Package store provides the SQLite persistence for the account registry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/models"
)

const savedAtKey = "saved_at"

// SQLiteStore implements ledger.Store using SQLite. Every Save replaces the
// whole record set inside one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer; the registry is saved from the tick loop only
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- One row per virtual account
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		principal REAL NOT NULL,
		instrument_code TEXT NOT NULL DEFAULT '',
		balance REAL NOT NULL,
		strategy_config TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holdings (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		average_price REAL NOT NULL,
		total_cost REAL NOT NULL,
		PRIMARY KEY (account_id, code)
	);

	-- Ledger history; seq keeps the append order
	CREATE TABLE IF NOT EXISTS trades (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		action TEXT NOT NULL,
		code TEXT NOT NULL,
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		balance_after REAL NOT NULL,
		pnl REAL,
		batch_ref INTEGER,
		target_sell_price REAL,
		status TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		timestamp TEXT NOT NULL,
		total_value REAL NOT NULL,
		balance REAL NOT NULL,
		pnl REAL NOT NULL,
		pnl_rate REAL NOT NULL,
		holdings_count INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_trades_code ON trades(code);
	CREATE INDEX IF NOT EXISTS idx_snapshots_account ON snapshots(account_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Backup writes a consistent copy of the database next to it with a .bak
// suffix, replacing any previous backup.
func (s *SQLiteStore) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.path + ".bak"
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("removing old backup: %w", err)
	}
	if _, err := s.db.Exec("VACUUM INTO ?", dest); err != nil {
		return "", apperrors.Wrapf(apperrors.ErrDatabaseError, "backup: %v", err)
	}
	return dest, nil
}

// Save replaces the stored registry with records.
func (s *SQLiteStore) Save(ctx context.Context, records []ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", apperrors.ErrDatabaseError, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"snapshots", "trades", "holdings", "accounts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("%w: clear %s: %v", apperrors.ErrDatabaseError, table, err)
		}
	}

	for _, rec := range records {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return fmt.Errorf("%w: account %s: %v", apperrors.ErrDatabaseError, rec.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		savedAtKey, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: meta: %v", apperrors.ErrDatabaseError, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", apperrors.ErrDatabaseError, err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec ledger.Record) error {
	cfg, err := json.Marshal(rec.StrategyConfig)
	if err != nil {
		return fmt.Errorf("encode strategy config: %w", err)
	}
	balance := rec.Principal
	if rec.Balance != nil {
		balance = *rec.Balance
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, principal, instrument_code, balance, strategy_config)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.Principal, rec.InstrumentCode, balance, string(cfg)); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	for code, h := range rec.Holdings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO holdings (account_id, code, quantity, average_price, total_cost)
			VALUES (?, ?, ?, ?, ?)
		`, rec.ID, code, h.Quantity, h.AveragePrice, h.TotalCost); err != nil {
			return fmt.Errorf("insert holding %s: %w", code, err)
		}
	}

	tradeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (account_id, id, action, code, price, quantity, timestamp, balance_after, pnl, batch_ref, target_sell_price, status, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare trade insert: %w", err)
	}
	defer tradeStmt.Close()

	for _, t := range rec.History {
		if _, err := tradeStmt.ExecContext(ctx, rec.ID, t.ID, string(t.Action), t.Code, t.Price, t.Quantity,
			formatTime(t.Timestamp), t.BalanceAfter, nullFloat(t.PnL), nullInt(t.BatchRef),
			nullFloat(t.TargetSellPrice), string(t.Status), t.Note); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	snapStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshots (account_id, timestamp, total_value, balance, pnl, pnl_rate, holdings_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer snapStmt.Close()

	for _, snap := range rec.PerformanceLog {
		if _, err := snapStmt.ExecContext(ctx, rec.ID, formatTime(snap.Timestamp), snap.TotalValue,
			snap.Balance, snap.PnL, snap.PnLRate, snap.HoldingsCount); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	return nil
}

// Load reads the stored registry. It returns ErrStateNotFound when nothing
// was ever saved.
func (s *SQLiteStore) Load(ctx context.Context) ([]ledger.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, savedAtKey).Scan(&savedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read meta: %v", apperrors.ErrDatabaseError, err)
	}

	records, index, err := s.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.loadHoldings(ctx, records, index); err != nil {
		return nil, err
	}
	if err := s.loadTrades(ctx, records, index); err != nil {
		return nil, err
	}
	if err := s.loadSnapshots(ctx, records, index); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteStore) loadAccounts(ctx context.Context) ([]ledger.Record, map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal, instrument_code, balance, strategy_config
		FROM accounts ORDER BY id ASC
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: query accounts: %v", apperrors.ErrDatabaseError, err)
	}
	defer rows.Close()

	records := []ledger.Record{}
	index := make(map[string]int)
	for rows.Next() {
		var (
			rec     ledger.Record
			balance float64
			cfg     string
		)
		if err := rows.Scan(&rec.ID, &rec.Principal, &rec.InstrumentCode, &balance, &cfg); err != nil {
			return nil, nil, fmt.Errorf("%w: scan account: %v", apperrors.ErrDatabaseError, err)
		}
		if err := json.Unmarshal([]byte(cfg), &rec.StrategyConfig); err != nil {
			return nil, nil, fmt.Errorf("decode strategy config of %s: %w", rec.ID, err)
		}
		rec.Balance = &balance
		rec.Holdings = make(map[string]models.Holding)
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	return records, index, rows.Err()
}

func (s *SQLiteStore) loadHoldings(ctx context.Context, records []ledger.Record, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, code, quantity, average_price, total_cost FROM holdings
	`)
	if err != nil {
		return fmt.Errorf("%w: query holdings: %v", apperrors.ErrDatabaseError, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			accountID, code string
			h               models.Holding
		)
		if err := rows.Scan(&accountID, &code, &h.Quantity, &h.AveragePrice, &h.TotalCost); err != nil {
			return fmt.Errorf("%w: scan holding: %v", apperrors.ErrDatabaseError, err)
		}
		if i, ok := index[accountID]; ok {
			records[i].Holdings[code] = h
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadTrades(ctx context.Context, records []ledger.Record, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, id, action, code, price, quantity, timestamp, balance_after, pnl, batch_ref, target_sell_price, status, note
		FROM trades ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("%w: query trades: %v", apperrors.ErrDatabaseError, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			accountID, ts, action, status string
			t                             models.Trade
			pnl, target                   sql.NullFloat64
			batchRef                      sql.NullInt64
		)
		if err := rows.Scan(&accountID, &t.ID, &action, &t.Code, &t.Price, &t.Quantity, &ts,
			&t.BalanceAfter, &pnl, &batchRef, &target, &status, &t.Note); err != nil {
			return fmt.Errorf("%w: scan trade: %v", apperrors.ErrDatabaseError, err)
		}
		if t.Timestamp, err = parseTime(ts); err != nil {
			return fmt.Errorf("trade %s: %w", t.ID, err)
		}
		t.Action = models.Side(action)
		t.Status = models.LotStatus(status)
		if pnl.Valid {
			v := pnl.Float64
			t.PnL = &v
		}
		if batchRef.Valid {
			v := int(batchRef.Int64)
			t.BatchRef = &v
		}
		if target.Valid {
			v := target.Float64
			t.TargetSellPrice = &v
		}
		if i, ok := index[accountID]; ok {
			records[i].History = append(records[i].History, t)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadSnapshots(ctx context.Context, records []ledger.Record, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, timestamp, total_value, balance, pnl, pnl_rate, holdings_count
		FROM snapshots ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("%w: query snapshots: %v", apperrors.ErrDatabaseError, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			accountID, ts string
			snap          models.Snapshot
		)
		if err := rows.Scan(&accountID, &ts, &snap.TotalValue, &snap.Balance, &snap.PnL, &snap.PnLRate, &snap.HoldingsCount); err != nil {
			return fmt.Errorf("%w: scan snapshot: %v", apperrors.ErrDatabaseError, err)
		}
		if snap.Timestamp, err = parseTime(ts); err != nil {
			return fmt.Errorf("snapshot of %s: %w", accountID, err)
		}
		if i, ok := index[accountID]; ok {
			records[i].PerformanceLog = append(records[i].PerformanceLog, snap)
		}
	}
	return rows.Err()
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

var _ ledger.Store = (*SQLiteStore)(nil)
