package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/appforge/appforge/pkg/models"
)

// Store persists budget limits and transactions in SQLite.
type Store struct {
	Path string
	DB   *sql.DB
}

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS budget_limits (
				user_id TEXT NOT NULL,
				period TEXT NOT NULL,
				cap REAL NOT NULL DEFAULT 0,
				has_cap INTEGER NOT NULL DEFAULT 0,
				spent REAL NOT NULL DEFAULT 0,
				window_start TEXT NOT NULL,
				PRIMARY KEY (user_id, period)
			)`,
			`CREATE TABLE IF NOT EXISTS transactions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				model_id TEXT NOT NULL,
				tokens_in INTEGER NOT NULL,
				tokens_out INTEGER NOT NULL,
				cost REAL NOT NULL,
				ts TEXT NOT NULL,
				task_hint TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, ts)`,
		},
	},
}

// OpenStore connects to SQLite at path, applies pragmas and migrations.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("budget db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create budget db dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: path, DB: conn}, nil
}

// Close releases the connection. Safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var n int
		if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if n > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.version, formatTime(time.Now().UTC())); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SaveLimit upserts one limit row.
func (s *Store) SaveLimit(ctx context.Context, lim models.BudgetLimit) error {
	return upsertLimit(ctx, s.DB, lim)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertLimit(ctx context.Context, db execer, lim models.BudgetLimit) error {
	_, err := db.ExecContext(ctx, `INSERT INTO budget_limits (user_id, period, cap, has_cap, spent, window_start)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, period) DO UPDATE SET
			cap = excluded.cap, has_cap = excluded.has_cap,
			spent = excluded.spent, window_start = excluded.window_start`,
		lim.User, string(lim.Period), lim.Cap, boolToInt(lim.HasCap), lim.Spent, formatTime(lim.WindowStart))
	if err != nil {
		return fmt.Errorf("upsert budget limit: %w", err)
	}
	return nil
}

// Record appends a transaction and updates the touched limits atomically.
func (s *Store) Record(ctx context.Context, t models.Transaction, limits []models.BudgetLimit) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions (user_id, model_id, tokens_in, tokens_out, cost, ts, task_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.User, t.ModelID, t.TokensIn, t.TokensOut, t.Cost, formatTime(t.Timestamp), t.TaskHint); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert transaction: %w", err)
	}
	for _, lim := range limits {
		if err := upsertLimit(ctx, tx, lim); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Load returns every stored limit and transaction, transactions oldest
// first.
func (s *Store) Load(ctx context.Context) ([]models.BudgetLimit, []models.Transaction, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id, period, cap, has_cap, spent, window_start FROM budget_limits`)
	if err != nil {
		return nil, nil, fmt.Errorf("load budget limits: %w", err)
	}
	var limits []models.BudgetLimit
	for rows.Next() {
		var (
			lim    models.BudgetLimit
			period string
			hasCap int
			start  string
		)
		if err := rows.Scan(&lim.User, &period, &lim.Cap, &hasCap, &lim.Spent, &start); err != nil {
			rows.Close()
			return nil, nil, err
		}
		lim.Period = models.BudgetPeriod(period)
		lim.HasCap = hasCap != 0
		if lim.WindowStart, err = parseTime(start); err != nil {
			rows.Close()
			return nil, nil, err
		}
		limits = append(limits, lim)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.DB.QueryContext(ctx, `SELECT user_id, model_id, tokens_in, tokens_out, cost, ts, COALESCE(task_hint, '')
		FROM transactions ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("load transactions: %w", err)
	}
	defer rows.Close()
	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var ts string
		if err := rows.Scan(&t.User, &t.ModelID, &t.TokensIn, &t.TokensOut, &t.Cost, &ts, &t.TaskHint); err != nil {
			return nil, nil, err
		}
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, nil, err
		}
		txs = append(txs, t)
	}
	return limits, txs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
