package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"devicehub/internal/lifecycle"
	"devicehub/internal/repository"
)

// Journal implements repository.EventJournal using SQLite
type Journal struct {
	db *sql.DB
}

var _ repository.EventJournal = (*Journal)(nil)

// New opens (or creates) the journal database at dbPath. ":memory:" gives a
// private in-memory journal.
func New(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	j := &Journal{db: db}
	if err := j.configure(dbPath); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return j, nil
}

func (j *Journal) configure(dbPath string) error {
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return errors.Wrapf(err, "apply %q", p)
		}
	}
	return nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		adapter_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		duration_ms INTEGER,
		details JSON
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_adapter ON lifecycle_events(adapter_id, ts_ms);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_type ON lifecycle_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_ts ON lifecycle_events(ts_ms);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return err
	}
	return j.addColumnIfNotExists("lifecycle_events", "seq", "INTEGER")
}

// addColumnIfNotExists evolves older journals in place
func (j *Journal) addColumnIfNotExists(table, column, decl string) error {
	rows, err := j.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return errors.Wrapf(err, "inspect %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = j.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl)
	return errors.Wrapf(err, "add column %s.%s", table, column)
}

// RecordEvent appends an event. Recording the same event id twice is a no-op.
func (j *Journal) RecordEvent(ctx context.Context, ev lifecycle.Event) error {
	args, err := eventInsertArgs(ev)
	if err != nil {
		return errors.Wrapf(err, "encode event %s", ev.ID)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO lifecycle_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM lifecycle_events))
	`, args...)
	if err != nil {
		return errors.Wrapf(err, "insert event %s", ev.ID)
	}
	return nil
}

// Events returns matching events oldest first
func (j *Journal) Events(ctx context.Context, q repository.Query) ([]lifecycle.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.AdapterID != "" {
		where = append(where, "adapter_id = ?")
		args = append(args, q.AdapterID)
	}
	if q.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if q.FailuresOnly {
		where = append(where, "success = 0")
	}

	query := "SELECT " + eventColumns + " FROM lifecycle_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		var row eventRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev, err := row.toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "decode event %s", row.ID)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}

	// newest first from the query; callers get chronological order
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// CountByType tallies retained events per type
func (j *Journal) CountByType(ctx context.Context) (map[lifecycle.EventType]int, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM lifecycle_events GROUP BY event_type
	`)
	if err != nil {
		return nil, errors.Wrap(err, "count events")
	}
	defer rows.Close()

	counts := make(map[lifecycle.EventType]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		counts[lifecycle.EventType(t)] = n
	}
	return counts, rows.Err()
}

// Prune deletes events recorded before the given time
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM lifecycle_events WHERE ts_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune events")
	}
	return res.RowsAffected()
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}
