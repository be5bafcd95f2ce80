package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists journal entries in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS journal_entries (
        seq          INTEGER PRIMARY KEY,
        kind         TEXT NOT NULL,
        actor        TEXT NOT NULL DEFAULT '',
        content_hash TEXT NOT NULL,
        prev_hash    TEXT NOT NULL,
        at           DATETIME NOT NULL,
        data         JSON
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Persist implements Store.
func (s *SQLiteStore) Persist(e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	query := `
        INSERT INTO journal_entries (seq, kind, actor, content_hash, prev_hash, at, data)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	_, err = s.db.ExecContext(context.Background(), query,
		e.Seq, e.Kind, e.Actor, e.ContentHash, e.PrevHash, e.At.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Seq, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load() ([]Entry, error) {
	query := `
        SELECT seq, kind, actor, content_hash, prev_hash, at, data
        FROM journal_entries
        ORDER BY seq ASC
    `
	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			at   string
			data sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Actor, &e.ContentHash, &e.PrevHash, &at, &data); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal data: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
