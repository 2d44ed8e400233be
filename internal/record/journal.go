package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const journalSchemaVersion = 1

// Journal is an append-only sqlite mirror of the transition history. The
// JSON record is rewritten whole on every save; the journal keeps each
// transition as its own immutable row so the audit trail survives record
// schema migrations and manual record surgery.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens (and if needed initializes) the journal database.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("record: create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(path),
		url.Values{"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)"}}.Encode())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("record: open journal: %w", err)
	}
	j := &Journal{db: db, path: path}
	if err := j.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			at TEXT NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			action TEXT,
			target TEXT,
			outcome TEXT NOT NULL,
			detail TEXT,
			facts TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transitions_run_idx ON transitions(run_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("record: journal migrate: %w", err)
		}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta(key, value) VALUES('schema_version', ?)`,
		fmt.Sprint(journalSchemaVersion))
	if err != nil {
		return fmt.Errorf("record: journal migrate: %w", err)
	}
	return nil
}

// Append writes one transition row. Rows are never updated or deleted.
func (j *Journal) Append(ctx context.Context, runID string, entry HistoryEntry) error {
	factsJSON, err := json.Marshal(entry.Facts)
	if err != nil {
		return fmt.Errorf("record: journal encode facts: %w", err)
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO transitions(run_id, at, from_phase, to_phase, action, target, outcome, detail, facts)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, at.Format(time.RFC3339), entry.From.String(), entry.To.String(),
		entry.Action, entry.Target, string(entry.Outcome), entry.Detail, string(factsJSON))
	if err != nil {
		return fmt.Errorf("record: journal append: %w", err)
	}
	return nil
}

// JournalRow is one persisted transition, as read back for audit.
type JournalRow struct {
	ID      int64
	RunID   string
	At      time.Time
	From    string
	To      string
	Action  string
	Target  string
	Outcome string
	Detail  string
}

// Entries returns all rows for a run in append order.
func (j *Journal) Entries(ctx context.Context, runID string) ([]JournalRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, at, from_phase, to_phase, action, target, outcome, detail
		 FROM transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("record: journal query: %w", err)
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var r JournalRow
		var at string
		if err := rows.Scan(&r.ID, &r.RunID, &at, &r.From, &r.To, &r.Action, &r.Target, &r.Outcome, &r.Detail); err != nil {
			return nil, fmt.Errorf("record: journal scan: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			r.At = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
