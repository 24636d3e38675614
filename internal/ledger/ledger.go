// Package ledger is a local SQLite-backed record of per-episode outcomes.
// It answers "what happened to every attempt of run X" after the shards are
// shipped off, which the dataset files alone cannot.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger wraps the episodes table. Writes are serialized by the single
// scheduler goroutine, so one connection is enough.
type Ledger struct {
	db *sql.DB
}

// Entry is one recorded outcome. Status is accepted, rejected, or failed.
type Entry struct {
	RunName    string
	Scenario   string
	ScenarioID string
	UUID       string
	Status     string
	Detail     string
	Score      float64
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing ledger path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Ledger{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_name TEXT NOT NULL,
			scenario TEXT NOT NULL,
			scenario_id TEXT NOT NULL DEFAULT '',
			uuid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL DEFAULT 0,
			created_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_run_status ON episodes(run_name, status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one outcome row.
func (l *Ledger) Record(e Entry) error {
	switch e.Status {
	case "accepted", "rejected", "failed":
	default:
		return fmt.Errorf("invalid ledger status %q", e.Status)
	}
	_, err := l.db.Exec(
		`INSERT INTO episodes (run_name, scenario, scenario_id, uuid, status, detail, score, created_at_unix_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunName, e.Scenario, e.ScenarioID, e.UUID, e.Status, e.Detail, e.Score,
		time.Now().UnixMilli(),
	)
	return err
}

// Summary returns outcome counts per status for a run.
func (l *Ledger) Summary(runName string) (map[string]int, error) {
	rows, err := l.db.Query(
		`SELECT status, COUNT(*) FROM episodes WHERE run_name = ? GROUP BY status`, runName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// Accepted returns the accepted episode UUIDs for a run, oldest first.
func (l *Ledger) Accepted(runName string) ([]string, error) {
	rows, err := l.db.Query(
		`SELECT uuid FROM episodes WHERE run_name = ? AND status = 'accepted' ORDER BY id`, runName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, err
		}
		uuids = append(uuids, uuid)
	}
	return uuids, rows.Err()
}
