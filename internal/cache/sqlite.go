package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/patent-categorizer/internal/patent"
)

var (
	// ErrNoRow is returned by PutCategorization when no record was cached for the key.
	ErrNoRow = errors.New("cache: no record row for key")
	// ErrCorrupt marks a stored value that no longer decodes.
	ErrCorrupt = errors.New("cache: corrupt stored json")
)

// Store is a single-table SQLite cache. Each lookup reads the database; there
// is no in-memory layer. Rows are never deleted.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS patent_cache (
	cache_key           TEXT PRIMARY KEY,
	data_json           TEXT NOT NULL,
	categorization_json TEXT
);
`

type row struct {
	Key            string         `db:"cache_key"`
	Data           string         `db:"data_json"`
	Categorization sql.NullString `db:"categorization_json"`
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetRecord reports ok=false on a miss. A non-nil error means the row could
// not be read or decoded; callers treat that as a miss too.
func (s *Store) GetRecord(ctx context.Context, key string) (patent.Record, bool, error) {
	var r row
	err := s.db.GetContext(ctx, &r, "SELECT cache_key, data_json, categorization_json FROM patent_cache WHERE cache_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return patent.Record{}, false, nil
	}
	if err != nil {
		return patent.Record{}, false, fmt.Errorf("read record %s: %w", key, err)
	}
	var rec patent.Record
	if err := json.Unmarshal([]byte(r.Data), &rec); err != nil {
		return patent.Record{}, false, fmt.Errorf("%w: record %s: %v", ErrCorrupt, key, err)
	}
	if err := rec.Validate(); err != nil {
		return patent.Record{}, false, fmt.Errorf("%w: record %s: %v", ErrCorrupt, key, err)
	}
	return rec, true, nil
}

// PutRecord inserts or overwrites data_json for key. An existing
// categorization_json value on the row is left in place.
func (s *Store) PutRecord(ctx context.Context, key string, rec patent.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO patent_cache (cache_key, data_json) VALUES (?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET data_json = excluded.data_json`,
		key, string(blob))
	if err != nil {
		return fmt.Errorf("write record %s: %w", key, err)
	}
	return nil
}

// GetCategorization returns the stored categorization JSON for key. Null,
// empty and undecodable values are all reported as absent; the last also
// returns ErrCorrupt so callers can log it.
func (s *Store) GetCategorization(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var v sql.NullString
	err := s.db.GetContext(ctx, &v, "SELECT categorization_json FROM patent_cache WHERE cache_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read categorization %s: %w", key, err)
	}
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, false, nil
	}
	if !json.Valid([]byte(v.String)) {
		return nil, false, fmt.Errorf("%w: categorization %s", ErrCorrupt, key)
	}
	return json.RawMessage(v.String), true, nil
}

// PutCategorization updates the categorization column of an existing row.
func (s *Store) PutCategorization(ctx context.Context, key string, result any) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode categorization %s: %w", key, err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE patent_cache SET categorization_json = ? WHERE cache_key = ?", string(blob), key)
	if err != nil {
		return fmt.Errorf("write categorization %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write categorization %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w %s", ErrNoRow, key)
	}
	return nil
}
