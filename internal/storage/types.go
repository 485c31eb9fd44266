package storage

import (
	"errors"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates a vector write whose length does not
	// match the dimension already stored for that model. The write is
	// rejected; existing rows are untouched.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrDuplicateChunk indicates an insert that collides with an existing
	// (source_id, sequence_index) pair.
	ErrDuplicateChunk = errors.New("duplicate chunk")
)

// VectorMatch is a single nearest-neighbor search hit.
type VectorMatch struct {
	OwnerID    string
	OwnerType  types.OwnerType
	Similarity float64 // cosine similarity in [-1,1]
	CreatedAt  time.Time
}

// VectorSearchOptions configures a similarity search.
type VectorSearchOptions struct {
	// Limit caps the number of results (default: 10, max: 100).
	Limit int

	// Threshold is the minimum similarity a result must meet (default 0.7,
	// set by the caller). Raising it for a fixed query and corpus never
	// increases the result count.
	Threshold float64

	// OwnerType restricts results to one owner family. Empty means all.
	// Recency filtering happens against the owner record, not the
	// embedding row, so it lives a layer up in the orchestrator.
	OwnerType types.OwnerType
}

// Normalize applies defaults and clamps options to valid ranges.
func (o *VectorSearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Threshold < -1.0 {
		o.Threshold = -1.0
	}
	if o.Threshold > 1.0 {
		o.Threshold = 1.0
	}
}

// KnowledgeFilter restricts KnowledgeStore.List results.
// Zero values mean no filter on that field.
type KnowledgeFilter struct {
	SourceType    string
	Tag           string
	VerifiedOnly  bool
	MinConfidence float64
	Limit         int
}

// Normalize applies defaults to the filter.
func (f *KnowledgeFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 10_000 {
		f.Limit = 10_000
	}
}

// StatusCounts reports pipeline backlog per embedding status.
type StatusCounts map[types.EmbeddingStatus]int

// KnowledgeStats summarizes the knowledge cache for the stats operation.
type KnowledgeStats struct {
	Total          int `json:"total"`
	Verified       int `json:"verified"`
	WithEmbeddings int `json:"with_embeddings"`
}
