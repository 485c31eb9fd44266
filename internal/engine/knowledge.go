package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/engram/internal/lexical"
	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// verifiedConfidenceFloor is the minimum confidence a verified entry carries.
// Verification is a human judgment that the entry is correct; the score
// should say at least as much.
const verifiedConfidenceFloor = 0.9

// KnowledgeCache manages distilled knowledge entries: durable facts with a
// confidence score and a verification flag. Entries are searchable lexically
// at all times and semantically once embedded.
type KnowledgeCache struct {
	store    storage.KnowledgeStore
	vectors  storage.VectorStore
	embedder Embedder // nil disables semantic search

	mu    sync.RWMutex
	index *lexical.Index
}

// NewKnowledgeCache creates a knowledge cache. embedder may be nil; semantic
// operations then report an error and lexical search still works.
func NewKnowledgeCache(store storage.KnowledgeStore, vectors storage.VectorStore, embedder Embedder) *KnowledgeCache {
	return &KnowledgeCache{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		index:    lexical.NewIndex(),
	}
}

// LoadIndex rebuilds the lexical index over all stored entries.
func (kc *KnowledgeCache) LoadIndex(ctx context.Context) error {
	entries, err := kc.store.List(ctx, storage.KnowledgeFilter{Limit: 10_000})
	if err != nil {
		return err
	}

	fresh := lexical.NewIndex()
	for i := range entries {
		fresh.Add(entries[i].ID, entries[i].Title+" "+entries[i].Summary)
	}

	kc.mu.Lock()
	kc.index = fresh
	kc.mu.Unlock()
	return nil
}

// Add creates a new knowledge entry. New entries are never verified; the
// confidence defaults to 0.5 when the caller passes zero without meaning it.
func (kc *KnowledgeCache) Add(ctx context.Context, title, summary, sourceType string, tags []string, confidence float64) (*types.KnowledgeEntry, error) {
	now := time.Now().UTC()
	entry := &types.KnowledgeEntry{
		ID:         uuid.NewString(),
		Title:      title,
		Summary:    summary,
		SourceType: sourceType,
		Tags:       append([]string(nil), tags...),
		Confidence: confidence,
		Verified:   false,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := kc.store.Insert(ctx, entry); err != nil {
		return nil, err
	}
	kc.indexEntry(entry)

	if err := kc.embedEntry(ctx, entry); err != nil {
		// The entry is stored and lexically searchable either way.
		log.Printf("[knowledge] embed entry %s failed: %v", entry.ID, err)
	}
	return entry, nil
}

// Get retrieves an entry by ID.
func (kc *KnowledgeCache) Get(ctx context.Context, id string) (*types.KnowledgeEntry, error) {
	return kc.store.Get(ctx, id)
}

// Update applies a partial update. A summary change clears the verified flag
// and re-embeds the entry, since both described the old text.
func (kc *KnowledgeCache) Update(ctx context.Context, id string, patch types.KnowledgePatch) (*types.KnowledgeEntry, error) {
	entry, err := kc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	summaryChanged := patch.Apply(entry, time.Now().UTC())
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if err := kc.store.Update(ctx, entry); err != nil {
		return nil, err
	}

	if summaryChanged {
		kc.indexEntry(entry)
		if err := kc.embedEntry(ctx, entry); err != nil {
			log.Printf("[knowledge] re-embed entry %s failed: %v", entry.ID, err)
		}
	}
	return entry, nil
}

// Verify marks an entry verified. Confidence is raised to at least the
// verified floor; an explicit newConfidence overrides, even downward.
// Verifying an already-verified entry is a no-op apart from the optional
// confidence change.
func (kc *KnowledgeCache) Verify(ctx context.Context, id string, newConfidence *float64) (*types.KnowledgeEntry, error) {
	entry, err := kc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if !entry.Verified {
		entry.Verified = true
		changed = true
	}

	switch {
	case newConfidence != nil:
		if *newConfidence < 0 || *newConfidence > 1 {
			return nil, fmt.Errorf("%w: confidence must be in [0,1], got %g",
				storage.ErrInvalidInput, *newConfidence)
		}
		if entry.Confidence != *newConfidence {
			entry.Confidence = *newConfidence
			changed = true
		}
	case entry.Confidence < verifiedConfidenceFloor:
		entry.Confidence = verifiedConfidenceFloor
		changed = true
	}

	if !changed {
		return entry, nil
	}
	entry.UpdatedAt = time.Now().UTC()
	if err := kc.store.Update(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns entries matching the filter.
func (kc *KnowledgeCache) List(ctx context.Context, filter storage.KnowledgeFilter) ([]types.KnowledgeEntry, error) {
	return kc.store.List(ctx, filter)
}

// Search runs a lexical search over entry titles and summaries.
func (kc *KnowledgeCache) Search(ctx context.Context, query string, limit int) ([]types.KnowledgeEntry, error) {
	if limit < 1 {
		limit = 10
	}

	kc.mu.RLock()
	matches := kc.index.Search(query, limit)
	kc.mu.RUnlock()

	entries := make([]types.KnowledgeEntry, 0, len(matches))
	for _, m := range matches {
		entry, err := kc.store.Get(ctx, m.OwnerID)
		if err != nil {
			// Deleted since the index was built; skip.
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// KnowledgeMatch pairs an entry with its cosine similarity to the query.
type KnowledgeMatch struct {
	Entry      types.KnowledgeEntry `json:"entry"`
	Similarity float64              `json:"similarity"`
}

// SemanticSearch finds entries by embedding similarity, most similar first.
// Requires an embedder.
func (kc *KnowledgeCache) SemanticSearch(ctx context.Context, query string, limit int, threshold float64) ([]KnowledgeMatch, error) {
	if kc.embedder == nil {
		return nil, fmt.Errorf("semantic search requires an embedding provider")
	}
	if limit < 1 {
		limit = 10
	}

	vec, err := kc.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := kc.vectors.Search(ctx, vec.Model, vec.Values, storage.VectorSearchOptions{
		Limit:     limit,
		Threshold: threshold,
		OwnerType: types.OwnerKnowledge,
	})
	if err != nil {
		return nil, err
	}

	results := make([]KnowledgeMatch, 0, len(matches))
	for _, m := range matches {
		entry, err := kc.store.Get(ctx, m.OwnerID)
		if err != nil {
			continue
		}
		results = append(results, KnowledgeMatch{Entry: *entry, Similarity: m.Similarity})
	}
	return results, nil
}

// Stats reports entry counts and embedding coverage.
func (kc *KnowledgeCache) Stats(ctx context.Context) (*storage.KnowledgeStats, error) {
	total, verified, err := kc.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &storage.KnowledgeStats{Total: total, Verified: verified}
	if kc.embedder == nil {
		return stats, nil
	}

	entries, err := kc.store.List(ctx, storage.KnowledgeFilter{Limit: 10_000})
	if err != nil {
		return nil, err
	}
	model := kc.embedModel()
	for i := range entries {
		ok, err := kc.vectors.Has(ctx, entries[i].ID, types.OwnerKnowledge, model)
		if err != nil {
			return nil, err
		}
		if ok {
			stats.WithEmbeddings++
		}
	}
	return stats, nil
}

func (kc *KnowledgeCache) indexEntry(entry *types.KnowledgeEntry) {
	kc.mu.Lock()
	kc.index.Add(entry.ID, entry.Title+" "+entry.Summary)
	kc.mu.Unlock()
}

// embedEntry stores a vector for the entry's title and summary. Best effort:
// nil embedder or oversized text is not an error.
func (kc *KnowledgeCache) embedEntry(ctx context.Context, entry *types.KnowledgeEntry) error {
	if kc.embedder == nil {
		return nil
	}

	text := entry.Title + "\n" + entry.Summary
	if len(text) > kc.embedder.MaxInputChars() {
		return nil
	}

	vec, err := kc.embedder.Embed(ctx, text)
	if err != nil {
		if llm.IsOversized(err) {
			return nil
		}
		return err
	}
	return kc.vectors.Store(ctx, entry.ID, types.OwnerKnowledge, vec.Model, vec.Values, vec.Provider)
}

// embedModel reports the chain's active model for coverage stats.
func (kc *KnowledgeCache) embedModel() string {
	type modeler interface{ Model() string }
	if m, ok := kc.embedder.(modeler); ok {
		return m.Model()
	}
	return ""
}
