package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/engram/internal/lexical"
	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// queryCacheSize bounds the query-embedding LRU. Retrieval workloads repeat
// queries heavily (agents re-ask while iterating), and a hit skips a provider
// round-trip entirely.
const queryCacheSize = 256

// excerptRunes is how much of an owner's text a result carries.
const excerptRunes = 200

// OrchestratorOptions tunes retrieval. Zero values mean defaults.
type OrchestratorOptions struct {
	DefaultLimit     int     // default 10
	DefaultThreshold float64 // default 0.7
	MinResults       int     // vector count below which lexical supplements (default 3)
}

// Orchestrator answers retrieval queries. The vector path is primary; the
// lexical path covers embedding outages and sparse vector results. The two
// paths are alternates, not a fused ranking: scores keep their origin and are
// never mixed into one scale.
type Orchestrator struct {
	vectors  storage.VectorStore
	chunks   storage.ChunkStore
	memories storage.MemoryStore
	embedder Embedder

	index *lexical.Index

	mu         sync.RWMutex
	ownerTypes map[string]types.OwnerType // lexical owner ID -> kind

	queryCache *lru.Cache[string, *llm.Vector]

	defaultLimit     int
	defaultThreshold float64
	minResults       int
}

// NewOrchestrator creates an orchestrator. memories may be nil when memory
// records are not in use.
func NewOrchestrator(vectors storage.VectorStore, chunks storage.ChunkStore,
	memories storage.MemoryStore, embedder Embedder, opts OrchestratorOptions) *Orchestrator {

	if opts.DefaultLimit < 1 {
		opts.DefaultLimit = 10
	}
	if opts.DefaultThreshold == 0 {
		opts.DefaultThreshold = 0.7
	}
	if opts.MinResults < 1 {
		opts.MinResults = 3
	}

	cache, _ := lru.New[string, *llm.Vector](queryCacheSize)

	return &Orchestrator{
		vectors:          vectors,
		chunks:           chunks,
		memories:         memories,
		embedder:         embedder,
		index:            lexical.NewIndex(),
		ownerTypes:       make(map[string]types.OwnerType),
		queryCache:       cache,
		defaultLimit:     opts.DefaultLimit,
		defaultThreshold: opts.DefaultThreshold,
		minResults:       opts.MinResults,
	}
}

// RebuildIndex reloads the lexical index from stored chunks and memories.
// Call at startup and after large scans; individual adds go through
// IndexChunk.
func (o *Orchestrator) RebuildIndex(ctx context.Context) error {
	chunks, err := o.chunks.ListAll(ctx)
	if err != nil {
		return err
	}

	fresh := lexical.NewIndex()
	ownerTypes := make(map[string]types.OwnerType, len(chunks))
	for i := range chunks {
		fresh.Add(chunks[i].ID, chunks[i].RawText)
		ownerTypes[chunks[i].ID] = types.OwnerChunk
	}

	if o.memories != nil {
		records, err := o.memories.List(ctx, 10_000)
		if err != nil {
			return err
		}
		for i := range records {
			fresh.Add(records[i].ID, records[i].Subject+" "+records[i].Content)
			ownerTypes[records[i].ID] = types.OwnerMemory
		}
	}

	o.mu.Lock()
	o.index = fresh
	o.ownerTypes = ownerTypes
	o.mu.Unlock()

	log.Printf("[orchestrator] lexical index rebuilt: %d owners", fresh.Len())
	return nil
}

// IndexChunk adds or replaces one chunk in the lexical index.
func (o *Orchestrator) IndexChunk(chunk *types.Chunk) {
	o.mu.Lock()
	o.index.Add(chunk.ID, chunk.RawText)
	o.ownerTypes[chunk.ID] = types.OwnerChunk
	o.mu.Unlock()
}

// Query runs a retrieval query. Vector search is tried first; when the
// embedding chain is exhausted, the query is oversized, or vector search
// under-returns, lexical results fill the remainder. Results are deduplicated
// by owner with the vector hit winning.
func (o *Orchestrator) Query(ctx context.Context, query string, opts QueryOptions) ([]QueryResult, error) {
	if query == "" {
		return nil, storage.ErrInvalidInput
	}
	if opts.Limit < 1 {
		opts.Limit = o.defaultLimit
	}
	if opts.Threshold == 0 {
		opts.Threshold = o.defaultThreshold
	}

	results, vectorOK := o.vectorQuery(ctx, query, opts)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if !vectorOK || len(results) < o.minResults {
		results = o.supplementLexical(ctx, query, opts, results)
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	for i := range results {
		results[i].Excerpt = o.excerptFor(ctx, results[i].OwnerID, results[i].OwnerType)
	}
	return results, nil
}

// vectorQuery runs the vector path. The bool reports whether the path was
// usable at all; false routes the query to lexical.
func (o *Orchestrator) vectorQuery(ctx context.Context, query string, opts QueryOptions) ([]QueryResult, bool) {
	if len(query) > o.embedder.MaxInputChars() {
		log.Printf("[orchestrator] query exceeds embedding input limit, using lexical search")
		return nil, false
	}

	vec, err := o.embedQuery(ctx, query)
	if err != nil {
		if llm.IsExhausted(err) || llm.IsOversized(err) {
			log.Printf("[orchestrator] embedding unavailable (%v), using lexical search", err)
			return nil, false
		}
		log.Printf("[orchestrator] query embedding failed: %v", err)
		return nil, false
	}

	// Recency filtering runs against the owner record below, so with a
	// bound set the store must return extra candidates to filter from.
	searchLimit := opts.Limit
	if !opts.After.IsZero() {
		searchLimit = 100
	}

	matches, err := o.vectors.Search(ctx, vec.Model, vec.Values, storage.VectorSearchOptions{
		Limit:     searchLimit,
		Threshold: opts.Threshold,
		OwnerType: opts.OwnerType,
	})
	if err != nil {
		log.Printf("[orchestrator] vector search failed: %v", err)
		return nil, false
	}

	results := make([]QueryResult, 0, len(matches))
	for _, m := range matches {
		if len(results) >= opts.Limit {
			break
		}
		if !opts.After.IsZero() && !o.createdAfter(ctx, m.OwnerID, m.OwnerType, opts.After) {
			continue
		}
		results = append(results, QueryResult{
			OwnerID:   m.OwnerID,
			OwnerType: m.OwnerType,
			Score:     m.Similarity,
			Origin:    OriginVector,
			CreatedAt: m.CreatedAt,
		})
	}
	return results, true
}

// embedQuery embeds the query text through the failover chain, memoized in
// the LRU so repeated queries skip the provider call.
func (o *Orchestrator) embedQuery(ctx context.Context, query string) (*llm.Vector, error) {
	if vec, ok := o.queryCache.Get(query); ok {
		return vec, nil
	}

	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	o.queryCache.Add(query, vec)
	return vec, nil
}

// supplementLexical merges lexical hits into existing vector results. An
// owner already present keeps its vector score.
func (o *Orchestrator) supplementLexical(ctx context.Context, query string, opts QueryOptions, results []QueryResult) []QueryResult {
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.OwnerID] = true
	}

	o.mu.RLock()
	matches := o.index.Search(query, opts.Limit)
	ownerTypes := o.ownerTypes
	o.mu.RUnlock()

	for _, m := range matches {
		if len(results) >= opts.Limit {
			break
		}
		if seen[m.OwnerID] {
			continue
		}
		ownerType := ownerTypes[m.OwnerID]
		if opts.OwnerType != "" && ownerType != opts.OwnerType {
			continue
		}
		if !opts.After.IsZero() && !o.createdAfter(ctx, m.OwnerID, ownerType, opts.After) {
			continue
		}
		seen[m.OwnerID] = true
		results = append(results, QueryResult{
			OwnerID:   m.OwnerID,
			OwnerType: ownerType,
			Score:     m.Score,
			Origin:    OriginLexical,
		})
	}
	return results
}

// createdAfter checks the After filter against the owner record's creation
// time. Embedding rows carry their own timestamps, but a re-embedded old
// chunk must not re-enter a recency window, so the owner is authoritative.
func (o *Orchestrator) createdAfter(ctx context.Context, ownerID string, ownerType types.OwnerType, after time.Time) bool {
	switch ownerType {
	case types.OwnerChunk:
		chunk, err := o.chunks.Get(ctx, ownerID)
		return err == nil && chunk.CreatedAt.After(after)
	case types.OwnerMemory:
		if o.memories == nil {
			return false
		}
		rec, err := o.memories.Get(ctx, ownerID)
		return err == nil && rec.CreatedAt.After(after)
	}
	return false
}

// excerptFor resolves the first excerptRunes runes of an owner's text.
func (o *Orchestrator) excerptFor(ctx context.Context, ownerID string, ownerType types.OwnerType) string {
	var text string
	switch ownerType {
	case types.OwnerChunk:
		chunk, err := o.chunks.Get(ctx, ownerID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Printf("[orchestrator] excerpt lookup failed for %s: %v", ownerID, err)
			}
			return ""
		}
		text = chunk.RawText
	case types.OwnerMemory:
		if o.memories == nil {
			return ""
		}
		rec, err := o.memories.Get(ctx, ownerID)
		if err != nil {
			return ""
		}
		text = rec.Content
	default:
		return ""
	}
	return truncateRunes(text, excerptRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
