package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// VectorStore implements storage.VectorStore using SQLite. Vectors are
// serialized as little-endian float64 BLOBs; similarity search loads a
// recency-capped candidate pool into Go memory and ranks by cosine
// similarity.
type VectorStore struct {
	db *sql.DB
}

// NewVectorStore creates a new SQLite vector store.
func NewVectorStore(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

var _ storage.VectorStore = (*VectorStore)(nil)

// searchMaxCandidates caps the number of embeddings loaded into memory during
// a search. Candidates are selected newest first so recent writes are always
// considered. For typical personal-memory datasets (< 10k rows) the cap is
// never hit; larger datasets should use the Postgres/pgvector backend.
const searchMaxCandidates = 10_000

// Store writes a vector for (ownerID, ownerType, model). The first write for
// a model fixes that model's dimension; later writes with a different length
// are rejected with storage.ErrDimensionMismatch. Rows for other models are
// never touched, so switching models is additive.
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

	// Per-model dimension constancy.
	dim, err := s.Dimension(ctx, model)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil && dim != len(vector) {
		return fmt.Errorf("%w: model %s expects %d dimensions, got %d",
			storage.ErrDimensionMismatch, model, dim, len(vector))
	}

	query := `
		INSERT INTO embeddings (owner_id, owner_type, model, dimension, embedding, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, owner_type, model) DO UPDATE SET
			dimension = excluded.dimension,
			embedding = excluded.embedding,
			provider = excluded.provider,
			created_at = excluded.created_at
	`

	_, err = s.db.ExecContext(ctx, query,
		ownerID, string(ownerType), model, len(vector),
		serializeVector(vector), provider, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// Get retrieves the vector for (ownerID, ownerType, model).
func (s *VectorStore) Get(ctx context.Context, ownerID string, ownerType types.OwnerType, model string) ([]float64, error) {
	var blob []byte
	var dim int

	err := s.db.QueryRowContext(ctx, `
		SELECT embedding, dimension FROM embeddings
		WHERE owner_id = ? AND owner_type = ? AND model = ?
	`, ownerID, string(ownerType), model).Scan(&blob, &dim)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	return deserializeVector(blob, dim)
}

// Dimension returns the vector dimension recorded for a model.
func (s *VectorStore) Dimension(ctx context.Context, model string) (int, error) {
	if model == "" {
		return 0, fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}

	var dim int
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension FROM embeddings WHERE model = ? LIMIT 1`, model).Scan(&dim)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get dimension: %w", err)
	}
	return dim, nil
}

// Has reports whether an embedding exists for (ownerID, ownerType, model).
func (s *VectorStore) Has(ctx context.Context, ownerID string, ownerType types.OwnerType, model string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings
		WHERE owner_id = ? AND owner_type = ? AND model = ?
	`, ownerID, string(ownerType), model).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check embedding: %w", err)
	}
	return n > 0, nil
}

// DeleteOwner removes all vectors for an owner across models.
func (s *VectorStore) DeleteOwner(ctx context.Context, ownerID string, ownerType types.OwnerType) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE owner_id = ? AND owner_type = ?
	`, ownerID, string(ownerType))
	if err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// Search ranks stored vectors for the model by cosine similarity to query.
// Results meet opts.Threshold, are sorted by similarity descending with ties
// broken by most-recent created_at, and are capped at opts.Limit.
func (s *VectorStore) Search(ctx context.Context, model string, query []float64, opts storage.VectorSearchOptions) ([]storage.VectorMatch, error) {
	opts.Normalize()

	if model == "" {
		return nil, fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}
	if len(query) == 0 {
		return []storage.VectorMatch{}, nil
	}

	sqlQuery := `
		SELECT owner_id, owner_type, embedding, dimension, created_at
		FROM embeddings
		WHERE model = ?`
	args := []any{model}

	if opts.OwnerType != "" {
		sqlQuery += ` AND owner_type = ?`
		args = append(args, string(opts.OwnerType))
	}

	sqlQuery += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, searchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		var ownerID, ownerType string
		var blob []byte
		var dim int
		var createdAt time.Time

		if err := rows.Scan(&ownerID, &ownerType, &blob, &dim, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}

		vector, err := deserializeVector(blob, dim)
		if err != nil {
			// A corrupt blob should not abort the whole search.
			continue
		}

		sim := cosineSimilarity(query, vector)
		if sim < opts.Threshold {
			continue
		}

		matches = append(matches, storage.VectorMatch{
			OwnerID:    ownerID,
			OwnerType:  types.OwnerType(ownerType),
			Similarity: sim,
			CreatedAt:  createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("embedding rows error: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// serializeVector converts a float64 slice to little-endian bytes.
func serializeVector(vector []float64) []byte {
	buf := make([]byte, len(vector)*8)
	for i, v := range vector {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// deserializeVector converts little-endian bytes back to a float64 slice,
// validating the buffer size against the recorded dimension.
func deserializeVector(buf []byte, dimension int) ([]float64, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*8 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d",
			dimension*8, len(buf))
	}

	vector := make([]float64, dimension)
	for i := 0; i < dimension; i++ {
		vector[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vector, nil
}
