package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/index"
)

// DefaultPgTable is the table PgStore uses when none is configured.
const DefaultPgTable = "game_embeddings"

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PgStore mirrors the catalog into PostgreSQL using the pgvector extension.
type PgStore struct {
	db    *sql.DB
	table string
}

var _ Store = (*PgStore)(nil)

// OpenPgStore connects with the pgx database/sql driver.
func OpenPgStore(ctx context.Context, dsn, table string) (*PgStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("semantic: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("semantic: ping postgres: %w", err)
	}
	s, err := NewPgStore(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPgStore wraps an open database. table must be a plain lower-case
// identifier; it is interpolated into SQL.
func NewPgStore(db *sql.DB, table string) (*PgStore, error) {
	if table == "" {
		table = DefaultPgTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("semantic: invalid table name %q", table)
	}
	return &PgStore{db: db, table: table}, nil
}

// Close closes the database.
func (s *PgStore) Close() error { return s.db.Close() }

// EnsureSchema creates the extension, table and HNSW cosine index, and adds
// the ordinal column to tables created before it existed.
func (s *PgStore) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return domain.NewValidationError("dim", strconv.Itoa(dim), domain.ErrDimensionMismatch)
	}
	for _, stmt := range schemaStatements(s.table, dim) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("semantic: migrate %s: %w", s.table, err)
		}
	}
	return nil
}

func schemaStatements(table string, dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			keys JSONB NOT NULL DEFAULT '[]',
			attrs JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			ordinal INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table, dim),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS ordinal INTEGER NOT NULL DEFAULT 0`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),
	}
}

// Drop removes the table.
func (s *PgStore) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		return fmt.Errorf("semantic: drop %s: %w", s.table, err)
	}
	return nil
}

// Upsert stores records in one transaction, updating existing ones by ID.
func (s *PgStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("semantic: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, content, keys, attrs, embedding, ordinal, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			keys = EXCLUDED.keys,
			attrs = EXCLUDED.attrs,
			embedding = EXCLUDED.embedding,
			ordinal = EXCLUDED.ordinal,
			updated_at = NOW()`, s.table))
	if err != nil {
		return fmt.Errorf("semantic: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		keys, err := json.Marshal(nonNil(r.Keys))
		if err != nil {
			return fmt.Errorf("semantic: marshal keys: %w", err)
		}
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("semantic: marshal attrs: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Text, keys, attrs, formatVector(r.Embedding), r.Ordinal); err != nil {
			return fmt.Errorf("semantic: upsert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("semantic: commit: %w", err)
	}
	return nil
}

// Search returns the k records closest by cosine distance, ties in catalog
// order. Score is 1 - distance so it matches the in-memory index's cosine
// similarity.
func (s *PgStore) Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	if err := domain.ValidateK(k); err != nil {
		return nil, err
	}
	if k == 0 {
		return []index.Hit{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, content, keys, attrs, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		ORDER BY embedding <=> $1::vector, ordinal, id
		LIMIT $2`, s.table), formatVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	defer rows.Close()

	hits := make([]index.Hit, 0, k)
	for rows.Next() {
		var (
			r           VectorRecord
			keys, attrs []byte
			score       float64
		)
		if err := rows.Scan(&r.ID, &r.Text, &keys, &attrs, &score); err != nil {
			return nil, fmt.Errorf("semantic: scan: %w", err)
		}
		if err := json.Unmarshal(keys, &r.Keys); err != nil {
			return nil, fmt.Errorf("semantic: decode keys of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("semantic: decode attrs of %s: %w", r.ID, err)
		}
		hits = append(hits, index.Hit{Record: r.Record(), Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	return hits, nil
}

// formatVector renders the pgvector text form "[0.1,0.2]".
func formatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
