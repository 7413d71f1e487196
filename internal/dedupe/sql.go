package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type dialect struct {
	driver   string
	create   string
	has      string
	markDone string
	count    string
}

var postgresDialect = dialect{
	driver: "postgres",
	create: `
		CREATE TABLE IF NOT EXISTS processed_objects (
			object_key TEXT PRIMARY KEY,
			pipeline TEXT,
			first_done_at TIMESTAMPTZ DEFAULT NOW(),
			last_done_at TIMESTAMPTZ DEFAULT NOW(),
			done_count INTEGER DEFAULT 1
		)
	`,
	has: `SELECT 1 FROM processed_objects WHERE object_key = $1`,
	markDone: `
		INSERT INTO processed_objects (object_key, pipeline, first_done_at, last_done_at, done_count)
		VALUES ($1, $2, NOW(), NOW(), 1)
		ON CONFLICT (object_key) DO UPDATE
		SET last_done_at = NOW(),
		    done_count = processed_objects.done_count + 1
	`,
	count: `SELECT COUNT(*) FROM processed_objects`,
}

var sqliteDialect = dialect{
	driver: "sqlite",
	create: `
		CREATE TABLE IF NOT EXISTS processed_objects (
			object_key TEXT PRIMARY KEY,
			pipeline TEXT,
			first_done_at TEXT DEFAULT CURRENT_TIMESTAMP,
			last_done_at TEXT DEFAULT CURRENT_TIMESTAMP,
			done_count INTEGER DEFAULT 1
		)
	`,
	has: `SELECT 1 FROM processed_objects WHERE object_key = ?`,
	markDone: `
		INSERT INTO processed_objects (object_key, pipeline, first_done_at, last_done_at, done_count)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 1)
		ON CONFLICT (object_key) DO UPDATE
		SET last_done_at = CURRENT_TIMESTAMP,
		    done_count = processed_objects.done_count + 1
	`,
	count: `SELECT COUNT(*) FROM processed_objects`,
}

// SQLLedger persists processed keys in a SQL table so they survive restarts
type SQLLedger struct {
	db       *sql.DB
	dialect  dialect
	pipeline string
}

// OpenPostgres connects to Postgres and ensures the ledger table exists
func OpenPostgres(ctx context.Context, dsn, pipeline string) (*SQLLedger, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return newSQLLedger(ctx, db, postgresDialect, pipeline)
}

// OpenSQLite opens (or creates) a SQLite ledger file
func OpenSQLite(ctx context.Context, path, pipeline string) (*SQLLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return newSQLLedger(ctx, db, sqliteDialect, pipeline)
}

func newSQLLedger(ctx context.Context, db *sql.DB, d dialect, pipeline string) (*SQLLedger, error) {
	if _, err := db.ExecContext(ctx, d.create); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create processed_objects table: %w", err)
	}

	log.Info().Str("driver", d.driver).Msg("processed_objects table ready")
	return &SQLLedger{db: db, dialect: d, pipeline: pipeline}, nil
}

// Has reports whether key has a processed row
func (l *SQLLedger) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, l.dialect.has, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return true, nil
}

// MarkDone upserts the processed row for key
func (l *SQLLedger) MarkDone(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, l.dialect.markDone, key, l.pipeline); err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// Len returns the number of processed keys
func (l *SQLLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, l.dialect.count).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ledger: %w", err)
	}
	return n, nil
}

// Close releases the database handle
func (l *SQLLedger) Close() error {
	return l.db.Close()
}
