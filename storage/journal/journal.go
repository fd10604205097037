// Package journal keeps an append-only SQLite log of finalized
// transactions and failed compensations for operators.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shardledger/core/events"
	"shardledger/core/types"
)

// ErrNotFound is returned when no journal entry matches.
var ErrNotFound = errors.New("journal: entry not found")

const defaultListLimit = 100

// Entry is one finalized transaction.
type Entry struct {
	ID           int64     `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	Caller       string    `json:"caller"`
	Intent       string    `json:"intent"`
	Token        string    `json:"token"`
	Status       string    `json:"status"`
	Code         string    `json:"code,omitempty"`
	Instructions int       `json:"instructions"`
	FinalizedAt  time.Time `json:"finalizedAt"`
}

// Incident is a compensation that could not be applied.
type Incident struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Shard       string    `json:"shard"`
	Instruction int       `json:"instruction"`
	Reason      string    `json:"reason"`
	ReportedAt  time.Time `json:"reportedAt"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Caller  string
	Status  string
	AfterID int64
	Limit   int
}

// Journal is an events.Emitter backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY under concurrent emits
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: logger.With("component", "journal"), nowFn: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            fingerprint TEXT NOT NULL,
            caller TEXT NOT NULL,
            intent TEXT NOT NULL,
            token TEXT NOT NULL,
            status TEXT NOT NULL,
            code TEXT,
            instructions INTEGER NOT NULL,
            finalized_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_fingerprint ON transactions(fingerprint);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_caller ON transactions(caller);`,
		`CREATE TABLE IF NOT EXISTS incidents (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            fingerprint TEXT NOT NULL,
            shard TEXT NOT NULL,
            instruction INTEGER NOT NULL,
            reason TEXT NOT NULL,
            reported_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Emit persists finalization and compensation events. Other events are
// ignored. Write failures are logged; the ledger does not depend on the
// journal.
func (j *Journal) Emit(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch e := evt.(type) {
	case events.TxFinalized:
		err = j.Record(ctx, e)
	case events.CompensationFailed:
		err = j.Report(ctx, e)
	default:
		return
	}
	if err != nil {
		j.logger.Error("journal write failed", "event", evt.EventType(), "error", err)
	}
}

// Record appends a finalized transaction.
func (j *Journal) Record(ctx context.Context, e events.TxFinalized) error {
	at := e.At
	if at.IsZero() {
		at = j.nowFn()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transactions (fingerprint, caller, intent, token, status, code, instructions, finalized_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Fingerprint.String(), e.Caller.String(), e.Intent, e.Token.String(), e.Status, nullable(e.Code), e.Instructions, at.UTC(),
	)
	return err
}

// Report appends a compensation incident.
func (j *Journal) Report(ctx context.Context, e events.CompensationFailed) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO incidents (fingerprint, shard, instruction, reason, reported_at) VALUES (?, ?, ?, ?, ?)`,
		e.Fingerprint.String(), e.Shard.String(), e.Instruction, e.Reason, j.nowFn().UTC(),
	)
	return err
}

// Get returns the latest entry for fp.
func (j *Journal) Get(ctx context.Context, fp types.Fingerprint) (Entry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, caller, intent, token, status, code, instructions, finalized_at
         FROM transactions WHERE fingerprint = ? ORDER BY id DESC LIMIT 1`, fp.String())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// List returns entries in insertion order.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "id > ?")
	args = append(args, f.AfterID)
	if f.Caller != "" {
		where = append(where, "caller = ?")
		args = append(args, f.Caller)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query := `SELECT id, fingerprint, caller, intent, token, status, code, instructions, finalized_at
        FROM transactions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Incidents lists compensation failures, oldest first.
func (j *Journal) Incidents(ctx context.Context) ([]Incident, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, fingerprint, shard, instruction, reason, reported_at FROM incidents ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.Fingerprint, &inc.Shard, &inc.Instruction, &inc.Reason, &inc.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry Entry
		code  sql.NullString
	)
	if err := row.Scan(&entry.ID, &entry.Fingerprint, &entry.Caller, &entry.Intent, &entry.Token,
		&entry.Status, &code, &entry.Instructions, &entry.FinalizedAt); err != nil {
		return Entry{}, err
	}
	entry.Code = code.String
	return entry, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
