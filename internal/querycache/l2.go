package querycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const l2Schema = `
CREATE TABLE IF NOT EXISTS query_cache (
	fingerprint INTEGER PRIMARY KEY,
	payload     BLOB NOT NULL,
	categories  TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_cache_created ON query_cache(created_at);
CREATE INDEX IF NOT EXISTS idx_query_cache_expires ON query_cache(expires_at);
`

// l2Store is the persistent cache level. Categories and tags are stored
// as space-delimited sentinel strings so invalidation is a LIKE match
// instead of a join table.
type l2Store struct {
	db       *sql.DB
	capacity int
}

func newL2(path string, capacity int) (*l2Store, error) {
	if capacity <= 0 {
		capacity = 50000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(l2Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &l2Store{db: db, capacity: capacity}, nil
}

func (s *l2Store) get(ctx context.Context, fingerprint uint64, now time.Time) (*Entry, error) {
	var (
		payload   []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, expires_at FROM query_cache WHERE fingerprint = ?`,
		int64(fingerprint)).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	if expiresAt > 0 && now.UnixNano() >= expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE fingerprint = ?`, int64(fingerprint))
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		// A corrupt row is dropped, not surfaced: the cache can always
		// repopulate from a real search.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM query_cache WHERE fingerprint = ?`, int64(fingerprint))
		return nil, nil
	}
	return &entry, nil
}

func (s *l2Store) put(ctx context.Context, entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	var expiresAt int64
	if entry.TTL > 0 {
		expiresAt = entry.CreatedAt.Add(entry.TTL).UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO query_cache
			(fingerprint, payload, categories, tags, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(entry.Fingerprint), payload,
		sentinel(entry.Categories), sentinel(entry.Tags),
		entry.CreatedAt.UnixNano(), expiresAt)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return s.enforceCapacity(ctx)
}

// enforceCapacity evicts the oldest rows beyond capacity.
func (s *l2Store) enforceCapacity(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM query_cache WHERE fingerprint IN (
			SELECT fingerprint FROM query_cache
			ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.capacity)
	if err != nil {
		return fmt.Errorf("enforce cache capacity: %w", err)
	}
	return nil
}

func (s *l2Store) invalidate(ctx context.Context, categories, tags []string) (int, error) {
	var clauses []string
	var args []any
	for _, c := range categories {
		clauses = append(clauses, "categories LIKE ?")
		args = append(args, "% "+c+" %")
	}
	for _, t := range tags {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, "% "+t+" %")
	}
	if len(clauses) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE `+strings.Join(clauses, " OR "), args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *l2Store) sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM query_cache WHERE expires_at > 0 AND expires_at <= ?`,
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *l2Store) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_cache`)
	return err
}

func (s *l2Store) size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache size: %w", err)
	}
	return n, nil
}

func (s *l2Store) close() error {
	return s.db.Close()
}

// sentinel joins values into " a b c " so LIKE '% v %' matches whole
// values only.
func sentinel(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return " " + strings.Join(values, " ") + " "
}
