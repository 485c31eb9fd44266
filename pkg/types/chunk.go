package types

import (
	"fmt"
	"time"
)

// EmbeddingStatus tracks where a chunk is in the embedding pipeline.
type EmbeddingStatus string

const (
	// EmbeddingPending means the chunk is waiting to be embedded.
	EmbeddingPending EmbeddingStatus = "pending"

	// EmbeddingInProgress means a run has claimed the chunk.
	// Claims older than the configured reclaim timeout are treated as pending.
	EmbeddingInProgress EmbeddingStatus = "in_progress"

	// EmbeddingEmbedded means an embedding row exists for the chunk. Terminal.
	EmbeddingEmbedded EmbeddingStatus = "embedded"

	// EmbeddingSkippedOversized means the chunk exceeds every provider's
	// input limit and is never sent for embedding. Terminal; the chunk
	// remains searchable through the lexical index.
	EmbeddingSkippedOversized EmbeddingStatus = "skipped_oversized"

	// EmbeddingFailed means all providers were exhausted for this chunk.
	// Retryable: a later run may move it back through in_progress.
	EmbeddingFailed EmbeddingStatus = "failed"
)

// IsValid reports whether s is a known embedding status.
func (s EmbeddingStatus) IsValid() bool {
	switch s {
	case EmbeddingPending, EmbeddingInProgress, EmbeddingEmbedded,
		EmbeddingSkippedOversized, EmbeddingFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
// failed is retryable and therefore not terminal.
func (s EmbeddingStatus) IsTerminal() bool {
	return s == EmbeddingEmbedded || s == EmbeddingSkippedOversized
}

// CanTransitionTo validates a status transition.
//
//	pending      -> in_progress | skipped_oversized
//	in_progress  -> embedded | failed | skipped_oversized | pending (claim released)
//	failed       -> in_progress (retry)
func (s EmbeddingStatus) CanTransitionTo(next EmbeddingStatus) bool {
	switch s {
	case EmbeddingPending:
		return next == EmbeddingInProgress || next == EmbeddingSkippedOversized
	case EmbeddingInProgress:
		return next == EmbeddingEmbedded || next == EmbeddingFailed ||
			next == EmbeddingSkippedOversized || next == EmbeddingPending
	case EmbeddingFailed:
		return next == EmbeddingInProgress
	default:
		return false
	}
}

// Chunk is a bounded-size unit of text derived from a transcript source.
// Chunks are the unit of embedding and of incremental indexing: a re-scan
// that produces a unit with the same (source, sequence, hash) triple is a
// no-op.
type Chunk struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"source_id"`      // Identifier of the transcript source (e.g. relative file path)
	SequenceIndex int             `json:"sequence_index"` // 0-based position within the source
	ContentHash   string          `json:"content_hash"`   // SHA-256 hex digest of RawText
	RawText       string          `json:"raw_text"`
	EnrichedText  string          `json:"enriched_text,omitempty"` // Context-prepended text used for embedding; empty until enriched
	TokenCount    int             `json:"token_count"`
	Status        EmbeddingStatus `json:"embedding_status"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"` // Set while Status is in_progress
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the chunk's required fields and status value.
func (c *Chunk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chunk ID is required")
	}
	if c.SourceID == "" {
		return fmt.Errorf("chunk source ID is required")
	}
	if c.SequenceIndex < 0 {
		return fmt.Errorf("chunk sequence index must be >= 0, got %d", c.SequenceIndex)
	}
	if c.ContentHash == "" {
		return fmt.Errorf("chunk content hash is required")
	}
	if !c.Status.IsValid() {
		return fmt.Errorf("invalid embedding status: %q", c.Status)
	}
	return nil
}

// EmbedText returns the text that should be embedded for this chunk:
// the enriched text when present, otherwise the raw text.
func (c *Chunk) EmbedText() string {
	if c.EnrichedText != "" {
		return c.EnrichedText
	}
	return c.RawText
}
