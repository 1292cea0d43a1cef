// Package history keeps plain-text versions of documents in sqlite. It stores what a user would
// call a version, the text, and none of the replication metadata.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("no versions recorded")

type Version struct {
	ID         int64
	Document   string
	Text       string
	Heads      string
	RecordedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS versions (
		id integer not null primary key autoincrement,
		document text not null,
		content text not null,
		heads text not null,
		recorded_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create versions table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS versions_document ON versions (document, id)`); err != nil {
		return fmt.Errorf("failed to create versions index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores text as the newest version of document unless it equals the current newest.
// It reports whether a version was written.
func (s *Store) Record(ctx context.Context, document, text, heads string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx, `INSERT INTO versions (document, content, heads, recorded_at)
		SELECT ?, ?, ?, ?
		WHERE (SELECT content FROM versions WHERE document = ? ORDER BY id DESC LIMIT 1) IS NOT ?`,
		document, text, heads, at.UnixNano(),
		document, text,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record version of %s: %w", document, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count recorded rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Latest(ctx context.Context, document string) (Version, error) {
	versions, err := s.List(ctx, document, 1)
	if err != nil {
		return Version{}, err
	}
	if len(versions) == 0 {
		return Version{}, fmt.Errorf("%w for %s", ErrNotFound, document)
	}
	return versions[0], nil
}

// List returns up to limit versions of document, newest first. A limit of zero lists all.
func (s *Store) List(ctx context.Context, document string, limit int) ([]Version, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(
		ctx, `SELECT id, document, content, heads, recorded_at FROM versions
		WHERE document = ? ORDER BY id DESC LIMIT ?`,
		document, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		var at int64
		if err := rows.Scan(&v.ID, &v.Document, &v.Text, &v.Heads, &at); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		v.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read versions: %w", err)
	}
	return out, nil
}
