// Package sqlite implements record.Store on SQLite for single-node
// deployments that want durability without an external database. Tags live
// in a join table so FindByTags can intersect with a grouped count.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"github.com/fleetform/crew/id"
	"github.com/fleetform/crew/record"
)

// Compile-time interface check.
var _ record.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS crew_records (
    id         TEXT PRIMARY KEY,
    tags       TEXT NOT NULL DEFAULT '',
    payload    BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS crew_record_tags (
    record_id TEXT NOT NULL REFERENCES crew_records(id) ON DELETE CASCADE,
    tag       TEXT NOT NULL,
    PRIMARY KEY (record_id, tag)
);

CREATE INDEX IF NOT EXISTS crew_record_tags_tag_idx ON crew_record_tags (tag);
CREATE INDEX IF NOT EXISTS crew_records_created_at_idx ON crew_records (created_at DESC);
`

// tagSep joins tags in the denormalized column. US (unit separator) cannot
// appear in a tag.
const tagSep = "\x1f"

// Store is a SQLite implementation of record.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (or creates) the SQLite database at path. Use ":memory:" for
// an ephemeral store.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("crew/sqlite: open: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromDB creates a Store over an existing *sql.DB. The caller owns the
// db lifecycle; Close is then a no-op on the underlying handle.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("crew/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts the record row and its tag rows in one transaction.
func (s *Store) Put(ctx context.Context, tags []string, payload []byte) (id.RecordID, error) {
	recID := id.NewRecordID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return id.Nil, fmt.Errorf("crew/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO crew_records (id, tags, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, recID.String(), strings.Join(tags, tagSep), payload, time.Now().UTC())
	if err != nil {
		return id.Nil, fmt.Errorf("crew/sqlite: put record: %w", err)
	}

	for _, tag := range tags {
		if _, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO crew_record_tags (record_id, tag) VALUES (?, ?)
		`, recID.String(), tag); err != nil {
			return id.Nil, fmt.Errorf("crew/sqlite: put tag: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return id.Nil, fmt.Errorf("crew/sqlite: commit: %w", err)
	}
	return recID, nil
}

// FindByTags returns records carrying every given tag, newest first.
func (s *Store) FindByTags(ctx context.Context, tags []string, limit int) ([]*record.Record, error) {
	var (
		query string
		args  []any
	)

	if len(tags) == 0 {
		query = `
			SELECT id, tags, payload, created_at FROM crew_records
			ORDER BY created_at DESC, id DESC
		`
	} else {
		placeholders := strings.Repeat("?,", len(tags))
		placeholders = placeholders[:len(placeholders)-1]
		query = fmt.Sprintf(`
			SELECT r.id, r.tags, r.payload, r.created_at
			FROM crew_records r
			JOIN crew_record_tags t ON t.record_id = r.id
			WHERE t.tag IN (%s)
			GROUP BY r.id
			HAVING COUNT(DISTINCT t.tag) = ?
			ORDER BY r.created_at DESC, r.id DESC
		`, placeholders)
		for _, tag := range tags {
			args = append(args, tag)
		}
		args = append(args, len(tags))
	}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("crew/sqlite: find records: %w", err)
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		var (
			rec     record.Record
			rawTags string
		)
		if err := rows.Scan(&rec.ID, &rawTags, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("crew/sqlite: scan record: %w", err)
		}
		if rawTags != "" {
			rec.Tags = strings.Split(rawTags, tagSep)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("crew/sqlite: iterate records: %w", err)
	}
	return records, nil
}
