// Package audit is the operation ledger: a small sqlite-backed table
// recording every mutating graph operation (its op id, kind, target and
// outcome) so a running vgraphd's history can be inspected after the
// fact, independent of whatever log lines happened to be retained.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

//go:embed schema.sql
var schemaSQL string

// Entry is one recorded operation. CorrelationID is a fresh uuid.New()
// string stamped alongside OpID by graph.record, letting an operation be
// traced across the ledger independent of the (per-process, restart at
// zero) op id counter.
type Entry struct {
	OpID          uint64
	CorrelationID string
	Kind          string
	Target        string
	StartedAt     time.Time
	Err           error
}

// Ledger is a sqlite-backed append-only log of graph operations.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	stmtInsert *sql.Stmt
	stmtRecent *sql.Stmt
}

// New opens (creating if necessary) the ledger database at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit", "db", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create database directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}}))
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	l, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened audit ledger", "path", dbPath)
	return l, nil
}

// NewInMemory opens a non-persistent ledger, for tests and for daemon
// runs where no on-disk audit trail is wanted.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", nil))
	if err != nil {
		return nil, fmt.Errorf("audit: open in-memory database: %w", err)
	}
	return open(ctx, db, logger)
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Ledger, error) {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	stmtInsert, err := db.PrepareContext(ctx,
		`INSERT INTO operations (op_id, correlation_id, kind, target, started_at, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: prepare insert: %w", err)
	}
	stmtRecent, err := db.PrepareContext(ctx,
		`SELECT op_id, correlation_id, kind, target, started_at, error FROM operations ORDER BY id DESC LIMIT ?`)
	if err != nil {
		stmtInsert.Close()
		db.Close()
		return nil, fmt.Errorf("audit: prepare recent: %w", err)
	}
	l.stmtInsert, l.stmtRecent = stmtInsert, stmtRecent
	return l, nil
}

// Close closes the prepared statements and the underlying database.
func (l *Ledger) Close() error {
	if l.stmtInsert != nil {
		l.stmtInsert.Close()
	}
	if l.stmtRecent != nil {
		l.stmtRecent.Close()
	}
	return l.db.Close()
}

// Record appends e to the ledger. Failures are the caller's to decide
// on; the audit trail is diagnostic, never load-bearing for a graph
// operation's own success or failure.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	start := time.Now()
	var errText sql.NullString
	if e.Err != nil {
		errText = sql.NullString{String: e.Err.Error(), Valid: true}
	}
	_, err := l.stmtInsert.ExecContext(ctx, e.OpID, e.CorrelationID, e.Kind, e.Target, e.StartedAt.UTC().Format(time.RFC3339Nano), errText)
	if err != nil {
		l.logger.Debug("sql", "stmt", "Record", "op_id", e.OpID, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("audit: record: %w", err)
	}
	l.logger.Debug("sql", "stmt", "Record", "op_id", e.OpID, "duration_ms", msec(time.Since(start)), "rows", 1)
	return nil
}

// Recent returns the most recently recorded entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	start := time.Now()
	rows, err := l.stmtRecent.QueryContext(ctx, limit)
	if err != nil {
		l.logger.Debug("sql", "stmt", "Recent", "duration_ms", msec(time.Since(start)), "error", err)
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var startedAt string
		var errText sql.NullString
		if err := rows.Scan(&e.OpID, &e.CorrelationID, &e.Kind, &e.Target, &startedAt, &errText); err != nil {
			l.logger.Debug("sql", "stmt", "Recent", "duration_ms", msec(time.Since(start)), "error", err)
			return nil, fmt.Errorf("audit: recent: scan: %w", err)
		}
		e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("audit: recent: parse timestamp: %w", err)
		}
		if errText.Valid {
			e.Err = fmt.Errorf("%s", errText.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	l.logger.Debug("sql", "stmt", "Recent", "duration_ms", msec(time.Since(start)), "rows", len(out))
	return out, nil
}
