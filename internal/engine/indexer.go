package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/engram/internal/chunker"
	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Embedder is the slice of the failover chain the indexer needs. Satisfied by
// *llm.FailoverEmbedder; tests supply fakes.
type Embedder interface {
	Embed(ctx context.Context, text string) (*llm.Vector, error)
	MaxInputChars() int
}

// IndexerOptions tunes an Indexer. Zero values mean defaults.
type IndexerOptions struct {
	ClaimTimeout  time.Duration // stale-claim reclaim window (default 10m)
	BatchSize     int           // chunks loaded per storage round-trip (default 100)
	MaxChunkChars int           // chunk size bound (default 2000)
}

// Indexer drives the scan, embed, and enrich passes. All cross-run
// coordination goes through the chunk store's claim protocol, so any number
// of indexers may run concurrently against the same database.
type Indexer struct {
	chunks   storage.ChunkStore
	vectors  storage.VectorStore
	embedder Embedder
	enricher llm.TextGenerator // nil disables enrichment
	sources  SourceProvider
	splitter *chunker.Chunker

	claimTimeout time.Duration
	batchSize    int
}

// NewIndexer creates an indexer. enricher may be nil when enrichment is
// disabled.
func NewIndexer(chunks storage.ChunkStore, vectors storage.VectorStore,
	embedder Embedder, enricher llm.TextGenerator, sources SourceProvider,
	opts IndexerOptions) *Indexer {

	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 10 * time.Minute
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}

	return &Indexer{
		chunks:       chunks,
		vectors:      vectors,
		embedder:     embedder,
		enricher:     enricher,
		sources:      sources,
		splitter:     chunker.New(opts.MaxChunkChars),
		claimTimeout: opts.ClaimTimeout,
		batchSize:    opts.BatchSize,
	}
}

// ScanAll scans every known source. A source that fails to read is logged
// and skipped; the pass continues.
func (ix *Indexer) ScanAll(ctx context.Context) (*ScanResult, error) {
	sources, err := ix.sources.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	total := &ScanResult{}
	for _, src := range sources {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := ix.ScanSource(ctx, src.ID)
		if err != nil {
			log.Printf("[indexer] scan %s failed: %v", src.ID, err)
			continue
		}
		total.SourcesScanned++
		total.ChunksCreated += res.ChunksCreated
		total.ChunksUpdated += res.ChunksUpdated
		total.ChunksSkipped += res.ChunksSkipped
		total.LinesSkipped += res.LinesSkipped
	}

	log.Printf("[indexer] scan complete: %d sources, %d created, %d updated, %d unchanged",
		total.SourcesScanned, total.ChunksCreated, total.ChunksUpdated, total.ChunksSkipped)
	return total, nil
}

// ScanSource re-chunks one source and reconciles the result against stored
// chunks by (source, sequence, hash). Unchanged slots are untouched, so
// re-scanning an unmodified source is a no-op and never re-embeds anything.
func (ix *Indexer) ScanSource(ctx context.Context, sourceID string) (*ScanResult, error) {
	raw, err := ix.sources.ReadSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	records, skipped := chunker.ParseTranscript(raw)
	if skipped > 0 {
		log.Printf("[indexer] %s: skipped %d malformed records", sourceID, skipped)
	}

	pieces := ix.splitter.Split(strings.Join(records, "\n"))
	result := &ScanResult{SourcesScanned: 1, LinesSkipped: skipped}

	for i, text := range pieces {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		hash := chunker.HashContent(text)
		existing, err := ix.chunks.FindBySequence(ctx, sourceID, i)
		switch {
		case err == nil:
			if existing.ContentHash == hash {
				result.ChunksSkipped++
				continue
			}
			if err := ix.chunks.UpdateContent(ctx, existing.ID, hash, text,
				chunker.EstimateTokens(text)); err != nil {
				return result, fmt.Errorf("failed to update chunk %s: %w", existing.ID, err)
			}
			result.ChunksUpdated++

		case errors.Is(err, storage.ErrNotFound):
			chunk := &types.Chunk{
				ID:            uuid.NewString(),
				SourceID:      sourceID,
				SequenceIndex: i,
				ContentHash:   hash,
				RawText:       text,
				TokenCount:    chunker.EstimateTokens(text),
				Status:        types.EmbeddingPending,
				CreatedAt:     time.Now().UTC(),
			}
			err := ix.chunks.Insert(ctx, chunk)
			if errors.Is(err, storage.ErrDuplicateChunk) {
				// Another run inserted this slot between our lookup and
				// insert. Its content is identical, the source is shared.
				result.ChunksSkipped++
				continue
			}
			if err != nil {
				return result, err
			}
			result.ChunksCreated++

		default:
			return result, err
		}
	}

	return result, nil
}

// EmbedAll embeds every pending chunk, then retries failed ones. Each chunk
// is claimed before its provider call so overlapping runs never duplicate
// work; a failure on one chunk never stops the pass.
func (ix *Indexer) EmbedAll(ctx context.Context) (*EmbedResult, error) {
	result := &EmbedResult{}

	// Claims abandoned by a crashed run go back to pending first, so they
	// re-enter this pass like any other pending chunk.
	reclaimed, err := ix.chunks.ReleaseStale(ctx, time.Now().UTC().Add(-ix.claimTimeout))
	if err != nil {
		return result, err
	}
	if reclaimed > 0 {
		log.Printf("[indexer] reclaimed %d stale claims", reclaimed)
	}

	// Chunks already handled in this run are skipped on re-list: a chunk
	// that failed during the pending pass is not retried by the failed pass
	// of the same run.
	processed := make(map[string]bool)

	for _, status := range []types.EmbeddingStatus{types.EmbeddingPending, types.EmbeddingFailed} {
		for {
			chunks, err := ix.chunks.ListByStatus(ctx, status, ix.batchSize)
			if err != nil {
				return result, err
			}

			handled := 0
			for i := range chunks {
				if processed[chunks[i].ID] {
					continue
				}
				if err := ix.embedOne(ctx, &chunks[i], result); err != nil {
					return result, err
				}
				processed[chunks[i].ID] = true
				handled++
			}
			if handled == 0 {
				break
			}
		}
	}

	log.Printf("[indexer] embed complete: %d embedded, %d failed, %d oversized, %d held elsewhere",
		result.Embedded, result.Failed, result.Skipped, result.Claimed)
	return result, nil
}

// embedOne processes a single chunk. Only context cancellation and storage
// failures propagate as errors; provider failures mark the chunk and the
// pass continues.
func (ix *Indexer) embedOne(ctx context.Context, chunk *types.Chunk, result *EmbedResult) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	text := chunk.EmbedText()
	if len(text) > ix.embedder.MaxInputChars() {
		if err := ix.chunks.SetStatus(ctx, chunk.ID, types.EmbeddingSkippedOversized); err != nil {
			return err
		}
		result.Skipped++
		return nil
	}

	claimed, err := ix.chunks.Claim(ctx, chunk.ID, time.Now().UTC().Add(-ix.claimTimeout))
	if err != nil {
		return err
	}
	if !claimed {
		result.Claimed++
		return nil
	}

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-call. Hand the chunk back so the next run does
			// not wait out the claim timeout.
			_ = ix.chunks.Release(context.WithoutCancel(ctx), chunk.ID)
			return ctx.Err()
		}
		if llm.IsOversized(err) {
			if err := ix.chunks.SetStatus(ctx, chunk.ID, types.EmbeddingSkippedOversized); err != nil {
				return err
			}
			result.Skipped++
			return nil
		}
		log.Printf("[indexer] embed chunk %s failed: %v", chunk.ID, err)
		if err := ix.chunks.SetStatus(ctx, chunk.ID, types.EmbeddingFailed); err != nil {
			return err
		}
		result.Failed++
		return nil
	}

	if err := ix.vectors.Store(ctx, chunk.ID, types.OwnerChunk, vec.Model, vec.Values, vec.Provider); err != nil {
		log.Printf("[indexer] store vector for chunk %s failed: %v", chunk.ID, err)
		if serr := ix.chunks.SetStatus(ctx, chunk.ID, types.EmbeddingFailed); serr != nil {
			return serr
		}
		result.Failed++
		return nil
	}

	if err := ix.chunks.SetStatus(ctx, chunk.ID, types.EmbeddingEmbedded); err != nil {
		return err
	}
	result.Embedded++
	return nil
}

// EmbedStatus reports how many chunks sit in each pipeline status.
func (ix *Indexer) EmbedStatus(ctx context.Context) (storage.StatusCounts, error) {
	return ix.chunks.StatusCounts(ctx)
}

const enrichPromptTemplate = `The following is an excerpt from a conversation transcript. Write one or two sentences of context that situate this excerpt so it can be understood on its own. Reply with only the context sentences.

Excerpt:
%s`

// EnrichBackfill prepends a short generated context summary to chunks that
// have none yet. Already-embedded chunks are left alone; their stored vector
// describes the text that produced it.
func (ix *Indexer) EnrichBackfill(ctx context.Context, limit int) (*EnrichResult, error) {
	if ix.enricher == nil {
		return nil, fmt.Errorf("enrichment is not configured")
	}
	if limit < 1 {
		limit = ix.batchSize
	}

	chunks, err := ix.chunks.ListUnenriched(ctx, limit)
	if err != nil {
		return nil, err
	}

	result := &EnrichResult{}
	for i := range chunks {
		chunk := &chunks[i]
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if chunk.Status == types.EmbeddingEmbedded {
			continue
		}

		summary, err := ix.enricher.Complete(ctx, fmt.Sprintf(enrichPromptTemplate, chunk.RawText))
		if err != nil {
			log.Printf("[indexer] enrich chunk %s failed: %v", chunk.ID, err)
			result.Failed++
			continue
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			result.Failed++
			continue
		}

		enriched := summary + "\n\n" + chunk.RawText
		if err := ix.chunks.SetEnrichedText(ctx, chunk.ID, enriched); err != nil {
			return result, err
		}
		result.Enriched++
	}

	log.Printf("[indexer] enrich complete: %d enriched, %d failed", result.Enriched, result.Failed)
	return result, nil
}
