package abtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DivergenceRecord is one row in the append-only divergence journal: a
// cycle where the judgment-adjusted decision differed from the quant-only
// decision for an instrument.
type DivergenceRecord struct {
	ID                 int64   `json:"id"`
	Timestamp          int64   `json:"ts"`
	Instrument         string  `json:"instrument"`
	Type               string  `json:"type"` // vetoed_by_judgment | boosted | reduced
	BaselineConviction float64 `json:"baseline_conviction"`
	JudgmentConviction float64 `json:"judgment_conviction"`
	Delta              float64 `json:"delta"`
	Reason             string  `json:"reason,omitempty"`
}

// Journal persists divergence records in SQLite.
type Journal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("divergence journal path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, path: path}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS divergences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			type TEXT NOT NULL,
			baseline_conviction REAL NOT NULL,
			judgment_conviction REAL NOT NULL,
			delta REAL NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_divergences_ts ON divergences(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_divergences_instrument ON divergences(instrument)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure divergence schema: %w", err)
		}
	}
	return nil
}

// Append writes one record. The journal is append-only; nothing updates or
// deletes rows.
func (j *Journal) Append(ctx context.Context, rec DivergenceRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UTC().Unix()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO divergences (ts, instrument, type, baseline_conviction, judgment_conviction, delta, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Instrument, rec.Type, rec.BaselineConviction, rec.JudgmentConviction, rec.Delta, rec.Reason)
	if err != nil {
		return fmt.Errorf("append divergence: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]DivergenceRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, instrument, type, baseline_conviction, judgment_conviction, delta, COALESCE(reason, '')
		 FROM divergences ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query divergences: %w", err)
	}
	defer rows.Close()

	var out []DivergenceRecord
	for rows.Next() {
		var r DivergenceRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Instrument, &r.Type, &r.BaselineConviction, &r.JudgmentConviction, &r.Delta, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of divergence rows.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM divergences`).Scan(&n)
	return n, err
}
