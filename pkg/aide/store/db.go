// Package store – db.go is the embedded relational store. Single writer,
// WAL journaling. Cost rows are batched so a chatty LLM session does not
// turn into one fsync per call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS costs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	source TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	bot_msg_id TEXT NOT NULL,
	signal TEXT NOT NULL,
	sentiment TEXT,
	classification TEXT NOT NULL DEFAULT '',
	user_response TEXT NOT NULL DEFAULT '',
	window_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	source TEXT NOT NULL,
	message TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL,
	peer TEXT NOT NULL,
	direction TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_costs_ts ON costs(ts);
CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer, ts);
`

// CostRow is one LLM call's token and dollar accounting.
type CostRow struct {
	At           time.Time
	Source       string // "chat", "cron:<id>", "workflow:<id>"
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// OutcomeRow records the user's reaction to a bot action (see outcome pkg).
type OutcomeRow struct {
	At             time.Time
	BotMsgID       string
	Signal         string
	Sentiment      string // "positive", "negative" or "" for null
	Classification string
	UserResponse   string
	WindowMs       int64
}

// DB wraps the SQLite database. All writes go through one connection.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	costMu      sync.Mutex
	pendingCost []CostRow
	costTimer   *time.Timer
}

// costFlushDelay is how long cost rows may sit in the batch buffer.
const costFlushDelay = 3 * time.Second

// OpenDB opens (creating if needed) dataDir/aide.db with WAL enabled.
func OpenDB(dataDir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dataDir, "aide.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// Serialise all access through a single connection; SQLite has one
	// writer anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{db: db, logger: logger.With("component", "db")}, nil
}

// RecordCost buffers a cost row; the batch is flushed after a short delay.
func (d *DB) RecordCost(row CostRow) {
	if row.At.IsZero() {
		row.At = time.Now()
	}
	d.costMu.Lock()
	d.pendingCost = append(d.pendingCost, row)
	if d.costTimer == nil {
		d.costTimer = time.AfterFunc(costFlushDelay, d.flushCosts)
	}
	d.costMu.Unlock()
}

func (d *DB) flushCosts() {
	d.costMu.Lock()
	rows := d.pendingCost
	d.pendingCost = nil
	d.costTimer = nil
	d.costMu.Unlock()
	if len(rows) == 0 {
		return
	}

	tx, err := d.db.Begin()
	if err != nil {
		d.logger.Error("cost batch begin failed", "error", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO costs (ts, source, model, input_tokens, output_tokens, cost_usd) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		d.logger.Error("cost batch prepare failed", "error", err)
		return
	}
	for _, r := range rows {
		if _, err := stmt.Exec(r.At, r.Source, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD); err != nil {
			d.logger.Error("cost insert failed", "error", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		d.logger.Error("cost batch commit failed", "error", err)
		return
	}
	d.logger.Debug("cost batch flushed", "rows", len(rows))
}

// CostTotalSince sums cost_usd for rows at or after since.
func (d *DB) CostTotalSince(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := d.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM costs WHERE ts >= ?`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing costs: %w", err)
	}
	return total.Float64, nil
}

// RecordOutcome inserts a reply-outcome row.
func (d *DB) RecordOutcome(ctx context.Context, row OutcomeRow) error {
	if row.At.IsZero() {
		row.At = time.Now()
	}
	var sentiment any
	if row.Sentiment != "" {
		sentiment = row.Sentiment
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO outcomes (ts, bot_msg_id, signal, sentiment, classification, user_response, window_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.At, row.BotMsgID, row.Signal, sentiment, row.Classification, row.UserResponse, row.WindowMs)
	if err != nil {
		return fmt.Errorf("inserting outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to n most recent outcome rows, newest first.
func (d *DB) RecentOutcomes(ctx context.Context, n int) ([]OutcomeRow, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT ts, bot_msg_id, signal, COALESCE(sentiment, ''), classification, user_response, window_ms
		 FROM outcomes ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var r OutcomeRow
		if err := rows.Scan(&r.At, &r.BotMsgID, &r.Signal, &r.Sentiment, &r.Classification, &r.UserResponse, &r.WindowMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordError appends to the error log. Failures here are swallowed,
// an error while logging an error helps nobody.
func (d *DB) RecordError(source, message string) {
	_, err := d.db.Exec(`INSERT INTO errors (ts, source, message) VALUES (?, ?, ?)`,
		time.Now(), source, message)
	if err != nil {
		d.logger.Warn("error log insert failed", "error", err)
	}
}

// RecordMessage appends to the message log.
func (d *DB) RecordMessage(peer, direction, body string) {
	_, err := d.db.Exec(`INSERT INTO messages (ts, peer, direction, body) VALUES (?, ?, ?, ?)`,
		time.Now(), peer, direction, body)
	if err != nil {
		d.logger.Warn("message log insert failed", "error", err)
	}
}

// Close flushes pending batches and closes the database.
func (d *DB) Close() error {
	d.costMu.Lock()
	if d.costTimer != nil {
		d.costTimer.Stop()
		d.costTimer = nil
	}
	d.costMu.Unlock()
	d.flushCosts()
	return d.db.Close()
}
