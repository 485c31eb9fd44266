package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// ChunkStore implements storage.ChunkStore using SQLite.
type ChunkStore struct {
	db *sql.DB
}

// NewChunkStore creates a new SQLite chunk store.
func NewChunkStore(db *sql.DB) *ChunkStore {
	return &ChunkStore{db: db}
}

var _ storage.ChunkStore = (*ChunkStore)(nil)

const chunkColumns = `id, source_id, sequence_index, content_hash, raw_text,
	enriched_text, token_count, embedding_status, claimed_at, created_at`

// Insert stores a new chunk. Returns storage.ErrDuplicateChunk when the
// (source_id, sequence_index) slot is already taken.
func (s *ChunkStore) Insert(ctx context.Context, chunk *types.Chunk) error {
	if err := chunk.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO chunks (id, source_id, sequence_index, content_hash, raw_text,
			enriched_text, token_count, embedding_status, claimed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var enriched sql.NullString
	if chunk.EnrichedText != "" {
		enriched = sql.NullString{String: chunk.EnrichedText, Valid: true}
	}
	var claimed sql.NullTime
	if chunk.ClaimedAt != nil {
		claimed = sql.NullTime{Time: *chunk.ClaimedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		chunk.ID, chunk.SourceID, chunk.SequenceIndex, chunk.ContentHash,
		chunk.RawText, enriched, chunk.TokenCount, string(chunk.Status),
		claimed, chunk.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: source %s index %d", storage.ErrDuplicateChunk,
				chunk.SourceID, chunk.SequenceIndex)
		}
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	return nil
}

// Get retrieves a chunk by ID. Returns storage.ErrNotFound if absent.
func (s *ChunkStore) Get(ctx context.Context, id string) (*types.Chunk, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	return scanChunk(row)
}

// FindBySequence retrieves the chunk at (sourceID, sequenceIndex).
func (s *ChunkStore) FindBySequence(ctx context.Context, sourceID string, sequenceIndex int) (*types.Chunk, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE source_id = ? AND sequence_index = ?`,
		sourceID, sequenceIndex)
	return scanChunk(row)
}

// ListByStatus returns up to limit chunks with the given status, oldest first.
func (s *ChunkStore) ListByStatus(ctx context.Context, status types.EmbeddingStatus, limit int) ([]types.Chunk, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", storage.ErrInvalidInput, status)
	}
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE embedding_status = ?
		 ORDER BY created_at ASC, sequence_index ASC
		 LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanChunks(rows)
}

// ListUnenriched returns chunks lacking enriched text that are still
// embedding candidates (not skipped_oversized), oldest first.
func (s *ChunkStore) ListUnenriched(ctx context.Context, limit int) ([]types.Chunk, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE (enriched_text IS NULL OR enriched_text = '')
		   AND embedding_status != ?
		 ORDER BY created_at ASC, sequence_index ASC
		 LIMIT ?`, string(types.EmbeddingSkippedOversized), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unenriched chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanChunks(rows)
}

// ListAll returns every chunk ordered by source and sequence.
func (s *ChunkStore) ListAll(ctx context.Context) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks ORDER BY source_id, sequence_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanChunks(rows)
}

// Claim atomically transitions a chunk to in_progress. The conditional UPDATE
// is the coordination point between overlapping runs: exactly one run's
// update matches, the other sees zero rows affected and skips the chunk.
func (s *ChunkStore) Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET embedding_status = ?, claimed_at = ?
		WHERE id = ?
		  AND (embedding_status = ?
		       OR embedding_status = ?
		       OR (embedding_status = ? AND claimed_at < ?))
	`, string(types.EmbeddingInProgress), time.Now().UTC(), id,
		string(types.EmbeddingPending), string(types.EmbeddingFailed),
		string(types.EmbeddingInProgress), staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim result: %w", err)
	}

	return affected == 1, nil
}

// UpdateContent replaces a chunk's text and resets it to pending. Enriched
// text and any claim are cleared since both describe the old content.
func (s *ChunkStore) UpdateContent(ctx context.Context, id, contentHash, rawText string, tokenCount int) error {
	if id == "" {
		return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
	}
	if contentHash == "" {
		return fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET content_hash = ?, raw_text = ?, token_count = ?,
		    enriched_text = NULL, embedding_status = ?, claimed_at = NULL
		WHERE id = ?
	`, contentHash, rawText, tokenCount, string(types.EmbeddingPending), id)
	if err != nil {
		return fmt.Errorf("failed to update chunk content: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Release returns a claimed chunk to pending. No-op if the chunk is not
// currently in_progress.
func (s *ChunkStore) Release(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET embedding_status = ?, claimed_at = NULL
		WHERE id = ? AND embedding_status = ?
	`, string(types.EmbeddingPending), id, string(types.EmbeddingInProgress))
	if err != nil {
		return fmt.Errorf("failed to release chunk %s: %w", id, err)
	}
	return nil
}

// ReleaseStale returns chunks whose claim predates staleBefore to pending.
// A run that crashed after Claim leaves its chunk in_progress forever
// otherwise; the sweep runs at the start of every embed pass.
func (s *ChunkStore) ReleaseStale(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chunks
		SET embedding_status = ?, claimed_at = NULL
		WHERE embedding_status = ? AND claimed_at < ?
	`, string(types.EmbeddingPending), string(types.EmbeddingInProgress), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check released claims: %w", err)
	}
	return int(affected), nil
}

// SetStatus updates a chunk's status and clears its claim marker.
func (s *ChunkStore) SetStatus(ctx context.Context, id string, status types.EmbeddingStatus) error {
	if id == "" {
		return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
	}
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", storage.ErrInvalidInput, status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET embedding_status = ?, claimed_at = NULL WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update chunk status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetEnrichedText records the context-prepended text for a chunk.
func (s *ChunkStore) SetEnrichedText(ctx context.Context, id string, text string) error {
	if id == "" {
		return fmt.Errorf("%w: chunk ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET enriched_text = ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("failed to set enriched text: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// StatusCounts reports how many chunks sit in each embedding status.
func (s *ChunkStore) StatusCounts(ctx context.Context) (storage.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT embedding_status, COUNT(*) FROM chunks GROUP BY embedding_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunk statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(storage.StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.EmbeddingStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status counts rows error: %w", err)
	}
	return counts, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunkInto(sc rowScanner) (*types.Chunk, error) {
	var chunk types.Chunk
	var status string
	var enriched sql.NullString
	var claimed sql.NullTime

	err := sc.Scan(
		&chunk.ID, &chunk.SourceID, &chunk.SequenceIndex, &chunk.ContentHash,
		&chunk.RawText, &enriched, &chunk.TokenCount, &status,
		&claimed, &chunk.CreatedAt)
	if err != nil {
		return nil, err
	}

	chunk.Status = types.EmbeddingStatus(status)
	if enriched.Valid {
		chunk.EnrichedText = enriched.String
	}
	if claimed.Valid {
		t := claimed.Time
		chunk.ClaimedAt = &t
	}
	return &chunk, nil
}

func scanChunk(row *sql.Row) (*types.Chunk, error) {
	chunk, err := scanChunkInto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return chunk, nil
}

func scanChunks(rows *sql.Rows) ([]types.Chunk, error) {
	var chunks []types.Chunk
	for rows.Next() {
		chunk, err := scanChunkInto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks = append(chunks, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk rows error: %w", err)
	}
	return chunks, nil
}

// isUniqueViolation reports whether err is SQLite's UNIQUE constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
