package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HatiCode/microdose/pkg/decision"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dosing_decisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT NOT NULL UNIQUE,
	session     TEXT NOT NULL,
	decided_at  TEXT NOT NULL,
	model       TEXT NOT NULL,
	proposed    REAL,
	final       REAL NOT NULL,
	rules       TEXT,
	faults      TEXT,
	reason      TEXT NOT NULL,
	record_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dosing_decisions_session ON dosing_decisions (session, id);
`

// SQLiteSink stores decisions in an insert-only table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it. Use
// ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSink migrates db and returns a sink over it.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Append(ctx context.Context, d decision.Decision) error {
	record, err := json.Marshal(d.Finite())
	if err != nil {
		return fmt.Errorf("sqlite sink: marshal decision: %w", err)
	}

	rules := make([]string, len(d.Rules))
	for i, r := range d.Rules {
		rules[i] = string(r)
	}
	faults := make([]string, len(d.Faults))
	for i, f := range d.Faults {
		faults[i] = string(f)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dosing_decisions (decision_id, session, decided_at, model, proposed, final, rules, faults, reason, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Session,
		d.At.UTC().Format(time.RFC3339Nano),
		d.Model,
		nullIfNonFinite(d.Proposed),
		d.Final,
		nullIfEmpty(strings.Join(rules, ",")),
		nullIfEmpty(strings.Join(faults, ",")),
		d.Rationale,
		string(record),
	)
	if err != nil {
		return fmt.Errorf("sqlite sink: insert decision: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions of session, newest first. The records
// are decoded from their stored JSON, so non-finite values read back as zero.
func (s *SQLiteSink) Recent(ctx context.Context, session string, limit int) ([]decision.Decision, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_json FROM dosing_decisions WHERE session = ? ORDER BY id DESC LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []decision.Decision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var d decision.Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Ping checks the database is reachable.
func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNonFinite(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
