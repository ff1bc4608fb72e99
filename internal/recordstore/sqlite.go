package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reflections (
	id            TEXT PRIMARY KEY,
	project       TEXT NOT NULL,
	content       TEXT NOT NULL,
	tags          TEXT NOT NULL DEFAULT '',
	category_id   TEXT NOT NULL DEFAULT '',
	embedding     BLOB,
	signature     BLOB,
	shingle_count INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reflections_project ON reflections(project);
CREATE INDEX IF NOT EXISTS idx_reflections_category ON reflections(category_id);
`

// SQLiteStore is the durable reference backend. Tags are stored as a
// single space-delimited sentinel string (" a b c ") so membership tests
// can use LIKE without a join table.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the reflection database at
// path. Parent directories are created with owner-only permissions.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrUnreachable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrUnreachable, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnreachable, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", ErrUnreachable, err)
	}

	logger.Info("sqlite record store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Persist implements Store.
func (s *SQLiteStore) Persist(ctx context.Context, r *Reflection) (string, error) {
	if r == nil || strings.TrimSpace(r.Content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidReflection)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Tags = NormalizeTags(r.Tags)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reflections
			(id, project, content, tags, category_id, embedding, signature, shingle_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Project, r.Content, encodeTags(r.Tags), r.CategoryID,
		EmbeddingToBytes(r.Embedding), r.Signature, r.ShingleCount,
		r.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("%w: insert reflection: %v", ErrUnreachable, err)
	}
	return r.ID, nil
}

// FetchByID implements Store.
func (s *SQLiteStore) FetchByID(ctx context.Context, id string) (*Reflection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, content, tags, category_id, embedding, signature, shingle_count, created_at
		FROM reflections WHERE id = ?`, id)
	r, err := scanReflection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch reflection: %v", ErrUnreachable, err)
	}
	return r, nil
}

// UpdateMeta implements Store.
func (s *SQLiteStore) UpdateMeta(ctx context.Context, id string, tags []string, categoryID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reflections SET tags = ?, category_id = ? WHERE id = ?`,
		encodeTags(NormalizeTags(tags)), categoryID, id)
	if err != nil {
		return fmt.Errorf("%w: update meta: %v", ErrUnreachable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update meta: %v", ErrUnreachable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reflections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete reflection: %v", ErrUnreachable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete reflection: %v", ErrUnreachable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// LexicalSearch implements Store. Candidate rows are prefiltered in SQL
// by any-token LIKE, then scored in Go by query-token overlap.
func (s *SQLiteStore) LexicalSearch(ctx context.Context, text, project string, limit int) ([]ScoredReflection, error) {
	queryTokens := lexicalTokens(text)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(queryTokens)+1)
	sb.WriteString(`
		SELECT id, project, content, tags, category_id, embedding, signature, shingle_count, created_at
		FROM reflections WHERE (`)
	for i, tok := range queryTokens {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("content LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(tok)+"%")
	}
	sb.WriteString(")")
	if project != "" {
		sb.WriteString(" AND project = ?")
		args = append(args, project)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %v", ErrUnreachable, err)
	}
	defer rows.Close()

	var results []ScoredReflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: lexical search scan: %v", ErrUnreachable, err)
		}
		score := lexicalScore(queryTokens, r.Content)
		if score > 0 {
			results = append(results, ScoredReflection{Reflection: r, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: lexical search rows: %v", ErrUnreachable, err)
	}
	return rankScored(results, limit), nil
}

// VectorSearch implements Store. Embeddings are scanned and scored by
// cosine similarity in Go; at reflection-store scale an exact scan beats
// index maintenance.
func (s *SQLiteStore) VectorSearch(ctx context.Context, embedding []float32, project, categoryID string, limit int) ([]ScoredReflection, error) {
	if len(embedding) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, project, content, tags, category_id, embedding, signature, shingle_count, created_at
		FROM reflections WHERE embedding IS NOT NULL`
	var args []any
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	if categoryID != "" {
		query += " AND category_id = ?"
		args = append(args, categoryID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrUnreachable, err)
	}
	defer rows.Close()

	var results []ScoredReflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: vector search scan: %v", ErrUnreachable, err)
		}
		if len(r.Embedding) != len(embedding) {
			continue
		}
		results = append(results, ScoredReflection{
			Reflection: r,
			Score:      CosineSimilarity(embedding, r.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: vector search rows: %v", ErrUnreachable, err)
	}
	return rankScored(results, limit), nil
}

// ForEach implements Store.
func (s *SQLiteStore) ForEach(ctx context.Context, fn func(*Reflection) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, content, tags, category_id, embedding, signature, shingle_count, created_at
		FROM reflections ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("%w: iterate reflections: %v", ErrUnreachable, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return fmt.Errorf("%w: iterate scan: %v", ErrUnreachable, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate rows: %v", ErrUnreachable, err)
	}
	return nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reflections`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count reflections: %v", ErrUnreachable, err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReflection(row rowScanner) (*Reflection, error) {
	var (
		r         Reflection
		tags      string
		embedding []byte
		createdAt int64
	)
	err := row.Scan(&r.ID, &r.Project, &r.Content, &tags, &r.CategoryID,
		&embedding, &r.Signature, &r.ShingleCount, &createdAt)
	if err != nil {
		return nil, err
	}
	r.Tags = decodeTags(tags)
	r.Embedding = BytesToEmbedding(embedding)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	return &r, nil
}

// encodeTags joins tags into a space-delimited sentinel string with
// leading and trailing spaces, so " tag " LIKE matches are exact.
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return " " + strings.Join(tags, " ") + " "
}

func decodeTags(enc string) []string {
	fields := strings.Fields(enc)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
