// Package storage provides composable storage interfaces for the Engram system.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. All coordination between
// overlapping runs happens through these interfaces; there is no shared
// in-memory mutable state across runs.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

// ChunkStore persists transcript chunks and their pipeline status.
type ChunkStore interface {
	// Insert stores a new chunk. Returns ErrDuplicateChunk when a chunk with
	// the same (source_id, sequence_index) already exists.
	Insert(ctx context.Context, chunk *types.Chunk) error

	// Get retrieves a chunk by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.Chunk, error)

	// FindBySequence retrieves the chunk at (sourceID, sequenceIndex).
	// Returns ErrNotFound if absent. Used by the incremental scanner to
	// compare content hashes.
	FindBySequence(ctx context.Context, sourceID string, sequenceIndex int) (*types.Chunk, error)

	// ListByStatus returns up to limit chunks with the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status types.EmbeddingStatus, limit int) ([]types.Chunk, error)

	// ListUnenriched returns up to limit chunks that have no enriched text
	// yet and are not terminally skipped, oldest first.
	ListUnenriched(ctx context.Context, limit int) ([]types.Chunk, error)

	// ListAll returns every chunk. Used to rebuild the lexical index, which
	// is a derived structure and never a source of truth.
	ListAll(ctx context.Context) ([]types.Chunk, error)

	// Claim atomically transitions a chunk to in_progress. It succeeds only
	// when the chunk is pending, failed, or in_progress with a claim older
	// than staleBefore. Returns false when another run holds the chunk.
	Claim(ctx context.Context, id string, staleBefore time.Time) (bool, error)

	// UpdateContent replaces a chunk's text after a re-scan found changed
	// content at its (source, sequence) slot. Resets the chunk to pending,
	// clears any enriched text and claim. Returns ErrNotFound if absent.
	UpdateContent(ctx context.Context, id, contentHash, rawText string, tokenCount int) error

	// Release returns a claimed chunk to pending without recording an
	// attempt. Used on cancellation.
	Release(ctx context.Context, id string) error

	// ReleaseStale returns every chunk claimed before staleBefore to
	// pending. Covers runs that died between Claim and their final status
	// write. Reports how many chunks were reclaimed.
	ReleaseStale(ctx context.Context, staleBefore time.Time) (int, error)

	// SetStatus updates a chunk's embedding status and clears its claim.
	SetStatus(ctx context.Context, id string, status types.EmbeddingStatus) error

	// SetEnrichedText records the context-prepended text for a chunk.
	SetEnrichedText(ctx context.Context, id string, text string) error

	// StatusCounts reports how many chunks sit in each status.
	StatusCounts(ctx context.Context) (StatusCounts, error)
}

// VectorStore persists embedding vectors keyed by (owner, owner type, model)
// and supports nearest-neighbor search. Rows are never overwritten across
// models: re-embedding with a different model is additive.
type VectorStore interface {
	// Store writes a vector for the given owner and model, tagged with the
	// provider that produced it. Returns ErrDimensionMismatch when the
	// vector length disagrees with the dimension already recorded for the
	// model.
	Store(ctx context.Context, ownerID string, ownerType types.OwnerType, model string, vector []float64, provider string) error

	// Get retrieves the vector for (ownerID, ownerType, model).
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, ownerID string, ownerType types.OwnerType, model string) ([]float64, error)

	// Dimension returns the vector dimension recorded for a model.
	// Returns ErrNotFound when no vectors exist for the model yet.
	Dimension(ctx context.Context, model string) (int, error)

	// Has reports whether an embedding exists for (ownerID, ownerType, model).
	Has(ctx context.Context, ownerID string, ownerType types.OwnerType, model string) (bool, error)

	// Search returns owners whose vectors meet opts.Threshold for the query,
	// sorted by similarity descending, ties broken by most-recent creation.
	Search(ctx context.Context, model string, query []float64, opts VectorSearchOptions) ([]VectorMatch, error)

	// DeleteOwner removes all vectors for an owner across models. Deleting
	// an owner with no vectors is not an error.
	DeleteOwner(ctx context.Context, ownerID string, ownerType types.OwnerType) error
}

// KnowledgeStore persists knowledge entries.
type KnowledgeStore interface {
	Insert(ctx context.Context, entry *types.KnowledgeEntry) error

	// Get returns ErrNotFound when the entry does not exist.
	Get(ctx context.Context, id string) (*types.KnowledgeEntry, error)

	// Update replaces the stored row for entry.ID.
	// Returns ErrNotFound when the entry does not exist.
	Update(ctx context.Context, entry *types.KnowledgeEntry) error

	List(ctx context.Context, filter KnowledgeFilter) ([]types.KnowledgeEntry, error)

	// Counts returns the total number of entries and how many are verified.
	Counts(ctx context.Context) (total int, verified int, err error)
}

// MemoryStore persists distilled memory records. Records are immutable once
// embedded; Supersede inserts the replacement and links the old row to it in
// one transaction.
type MemoryStore interface {
	Insert(ctx context.Context, record *types.MemoryRecord) error
	Get(ctx context.Context, id string) (*types.MemoryRecord, error)
	Supersede(ctx context.Context, oldID string, replacement *types.MemoryRecord) error

	// List returns current (non-superseded) records, newest first.
	List(ctx context.Context, limit int) ([]types.MemoryRecord, error)
}
