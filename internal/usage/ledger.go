package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger records every charge for later auditing. It is write-only from the
// agent's point of view: sessions never read totals back from it.
type Ledger interface {
	Record(ctx context.Context, c Charge) error
	Close() error
}

// NoopLedger discards charges.
type NoopLedger struct{}

func (NoopLedger) Record(context.Context, Charge) error { return nil }
func (NoopLedger) Close() error                         { return nil }

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS charges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    kind TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens INTEGER NOT NULL DEFAULT 0,
    cost REAL NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_charges_created_at ON charges(created_at);
CREATE INDEX IF NOT EXISTS idx_charges_run_id ON charges(run_id);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`

// ledgerSchemaVersion is bumped together with a migration when the schema changes.
const ledgerSchemaVersion = 1

const timeLayout = "2006-01-02T15:04:05.000Z"

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := initLedgerSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func initLedgerSchema(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&current)
	if err == nil && current >= ledgerSchemaVersion {
		return nil
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", ledgerSchemaVersion)
	return err
}

func (l *SQLiteLedger) Record(ctx context.Context, c Charge) error {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO charges (run_id, model, kind, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Model, string(c.Kind),
		c.Record.InputTokens, c.Record.OutputTokens, c.Record.CacheWriteTokens, c.Record.CacheReadTokens,
		c.Cost, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record charge: %w", err)
	}
	return nil
}

// Daily aggregates charges since the given time by day and kind, oldest first.
func (l *SQLiteLedger) Daily(ctx context.Context, since time.Time) ([]DailyUsage, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, kind, COUNT(*),
		       SUM(input_tokens), SUM(output_tokens), SUM(cache_write_tokens), SUM(cache_read_tokens), SUM(cost)
		FROM charges
		WHERE created_at >= ?
		GROUP BY day, kind
		ORDER BY day, kind`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query charges: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		var kind string
		if err := rows.Scan(&d.Date, &kind, &d.Calls, &d.InputTokens, &d.OutputTokens, &d.CacheWriteTokens, &d.CacheReadTokens, &d.TotalCost); err != nil {
			return nil, err
		}
		d.Kind = Kind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RunTotal returns the summed cost of one run.
func (l *SQLiteLedger) RunTotal(ctx context.Context, runID string) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRowContext(ctx, "SELECT SUM(cost) FROM charges WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
