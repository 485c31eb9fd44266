// Package postgres implements the vector store on PostgreSQL with the
// pgvector extension, for datasets too large for the SQLite in-Go ranking
// path. The other stores stay on SQLite; only nearest-neighbor search
// benefits from an indexed backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// VectorStore implements storage.VectorStore using PostgreSQL + pgvector.
type VectorStore struct {
	db *sql.DB
}

var _ storage.VectorStore = (*VectorStore)(nil)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embeddings (
	owner_id   TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	model      TEXT NOT NULL,
	dimension  INTEGER NOT NULL,
	embedding  vector NOT NULL,
	provider   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, owner_type, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);
`

// Open connects to PostgreSQL with the given DSN and ensures the embeddings
// schema exists. The pgvector extension must be installable by the connecting
// role.
func Open(dsn string) (*VectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	return &VectorStore{db: db}, nil
}

// NewVectorStore wraps an existing connection. The schema must already exist.
func NewVectorStore(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

// Close releases the underlying connection pool.
func (s *VectorStore) Close() error {
	return s.db.Close()
}

// Store writes a vector for (ownerID, ownerType, model), enforcing per-model
// dimension constancy. pgvector stores float32 components; the float64 input
// is narrowed on write and widened on read, which is lossless for the
// precision embedding providers actually deliver.
func (s *VectorStore) Store(ctx context.Context, ownerID string, ownerType types.OwnerType, model string, vector []float64, provider string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner ID is required", storage.ErrInvalidInput)
	}
	if ownerType == "" {
		return fmt.Errorf("%w: owner type is required", storage.ErrInvalidInput)
	}
	if model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	dim, err := s.Dimension(ctx, model)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil && dim != len(vector) {
		return fmt.Errorf("%w: model %s expects %d dimensions, got %d",
			storage.ErrDimensionMismatch, model, dim, len(vector))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (owner_id, owner_type, model, dimension, embedding, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, owner_type, model) DO UPDATE SET
			dimension = EXCLUDED.dimension,
			embedding = EXCLUDED.embedding,
			provider = EXCLUDED.provider,
			created_at = EXCLUDED.created_at
	`, ownerID, string(ownerType), model, len(vector),
		pgvector.NewVector(toFloat32(vector)), provider, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: store embedding: %w", err)
	}
	return nil
}

// Get retrieves the vector for (ownerID, ownerType, model).
func (s *VectorStore) Get(ctx context.Context, ownerID string, ownerType types.OwnerType, model string) ([]float64, error) {
	var vec pgvector.Vector

	err := s.db.QueryRowContext(ctx, `
		SELECT embedding FROM embeddings
		WHERE owner_id = $1 AND owner_type = $2 AND model = $3
	`, ownerID, string(ownerType), model).Scan(&vec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get embedding: %w", err)
	}

	return toFloat64(vec.Slice()), nil
}

// Dimension returns the vector dimension recorded for a model.
func (s *VectorStore) Dimension(ctx context.Context, model string) (int, error) {
	if model == "" {
		return 0, fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension FROM embeddings WHERE model = $1 LIMIT 1`, model).Scan(&dim)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get dimension: %w", err)
	}
	return dim, nil
}

// Has reports whether an embedding exists for (ownerID, ownerType, model).
func (s *VectorStore) Has(ctx context.Context, ownerID string, ownerType types.OwnerType, model string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings
		WHERE owner_id = $1 AND owner_type = $2 AND model = $3
	`, ownerID, string(ownerType), model).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("postgres: check embedding: %w", err)
	}
	return n > 0, nil
}

// DeleteOwner removes all vectors for an owner across models.
func (s *VectorStore) DeleteOwner(ctx context.Context, ownerID string, ownerType types.OwnerType) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE owner_id = $1 AND owner_type = $2
	`, ownerID, string(ownerType))
	if err != nil {
		return fmt.Errorf("postgres: delete embeddings: %w", err)
	}
	return nil
}

// Search ranks stored vectors by cosine similarity using pgvector's cosine
// distance operator (similarity = 1 - distance). Filtering, ordering, and
// the limit all run in the database.
func (s *VectorStore) Search(ctx context.Context, model string, query []float64, opts storage.VectorSearchOptions) ([]storage.VectorMatch, error) {
	opts.Normalize()

	if model == "" {
		return nil, fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}
	if len(query) == 0 {
		return []storage.VectorMatch{}, nil
	}

	queryVec := pgvector.NewVector(toFloat32(query))

	sqlQuery := `
		SELECT owner_id, owner_type, 1 - (embedding <=> $1) AS similarity, created_at
		FROM embeddings
		WHERE model = $2 AND 1 - (embedding <=> $1) >= $3`
	args := []any{queryVec, model, opts.Threshold}

	if opts.OwnerType != "" {
		sqlQuery += fmt.Sprintf(` AND owner_type = $%d`, len(args)+1)
		args = append(args, string(opts.OwnerType))
	}

	sqlQuery += fmt.Sprintf(` ORDER BY similarity DESC, created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var m storage.VectorMatch
		var ownerType string
		if err := rows.Scan(&m.OwnerID, &ownerType, &m.Similarity, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan match: %w", err)
		}
		m.OwnerType = types.OwnerType(ownerType)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: match rows: %w", err)
	}
	return matches, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
