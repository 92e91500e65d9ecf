// Package sqlitestore is a durable overflow sink for ringbuffer.Buffer:
// when Range reports ok=false (the requested revision window has
// already scrolled out of the in-memory buffer), a Store serves the
// full snapshot instead. Grounded on the teacher's memory.SQLiteStore
// migrate-then-query shape, ported to the pure-Go modernc.org/sqlite
// driver so the module has no cgo dependency.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Record is one persisted ring-buffer entry, identified by its
// revision and topic.
type Record struct {
	Topic   string
	Rev     int64
	Payload json.RawMessage
}

// Store persists every pushed record so a caller able to reach it can
// serve a full snapshot when the in-memory ring buffer can no longer
// answer a delta request. It is not itself a ringbuffer.Buffer[T]: it
// is the SnapshotSource a buffer's owner falls back to.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to a SQLite database at path, mirroring the
// teacher's WAL/busy-timeout pragma choice for a single-writer,
// many-reader access pattern.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS records (
		topic   TEXT NOT NULL,
		rev     INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (topic, rev)
	);
	CREATE INDEX IF NOT EXISTS idx_records_topic_rev ON records(topic, rev);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Append persists rec, replacing any prior record at the same
// (topic, rev) — a caller that rebuilds its ring buffer from a crash
// may legitimately re-push an already-durable revision.
func (s *Store) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (topic, rev, payload) VALUES (?, ?, ?)
		ON CONFLICT(topic, rev) DO UPDATE SET payload = excluded.payload
	`, rec.Topic, rec.Rev, string(rec.Payload))
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// Snapshot returns every record for topic with rev <= asOfRev, in
// ascending revision order — the full history a ring buffer's owner
// replays to a client whose requested fromRev has already scrolled out
// of the in-memory window.
func (s *Store) Snapshot(ctx context.Context, topic string, asOfRev int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rev, payload FROM records
		WHERE topic = ? AND rev <= ?
		ORDER BY rev ASC
	`, topic, asOfRev)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: snapshot query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload string
		if err := rows.Scan(&rec.Rev, &payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		rec.Topic = topic
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestRev returns the highest revision persisted for topic, or 0 if
// none exist.
func (s *Store) LatestRev(ctx context.Context, topic string) (int64, error) {
	var rev sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(rev) FROM records WHERE topic = ?`, topic).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest rev: %w", err)
	}
	return rev.Int64, nil
}

// Prune deletes every record for topic with rev < keepFromRev, bounding
// table growth the same way ringbuffer.Buffer bounds its in-memory
// window, just on a much larger horizon.
func (s *Store) Prune(ctx context.Context, topic string, keepFromRev int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE topic = ? AND rev < ?`, topic, keepFromRev)
	if err != nil {
		return fmt.Errorf("sqlitestore: prune: %w", err)
	}
	return nil
}
