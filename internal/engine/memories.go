package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

const defaultMemoryImportance = 5

// MemoryService records distilled facts. Content is immutable once stored;
// an edit supersedes the old record with a fresh one so embeddings never
// describe text that has since changed.
type MemoryService struct {
	store    storage.MemoryStore
	vectors  storage.VectorStore
	embedder Embedder
}

func NewMemoryService(store storage.MemoryStore, vectors storage.VectorStore, embedder Embedder) *MemoryService {
	return &MemoryService{store: store, vectors: vectors, embedder: embedder}
}

// Add stores a new memory record. Importance 0 means unstated and defaults
// to the midpoint. Embedding is best effort; a provider outage leaves the
// record lexically searchable after the next index rebuild.
func (ms *MemoryService) Add(ctx context.Context, category, subject, content, source string, importance int) (*types.MemoryRecord, error) {
	if importance == 0 {
		importance = defaultMemoryImportance
	}
	record := &types.MemoryRecord{
		ID:         uuid.NewString(),
		Category:   category,
		Subject:    subject,
		Content:    content,
		Importance: importance,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ms.store.Insert(ctx, record); err != nil {
		return nil, err
	}

	if err := ms.embedRecord(ctx, record); err != nil {
		log.Printf("[memory] embed record %s failed: %v", record.ID, err)
	}
	return record, nil
}

// Get retrieves a record by ID, superseded or not.
func (ms *MemoryService) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return ms.store.Get(ctx, id)
}

// Supersede replaces a record's content. The old record stays in the store
// with a pointer to its replacement; its vectors are dropped so retrieval
// only ever surfaces the current version.
func (ms *MemoryService) Supersede(ctx context.Context, id, content string) (*types.MemoryRecord, error) {
	old, err := ms.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	replacement := &types.MemoryRecord{
		ID:         uuid.NewString(),
		Category:   old.Category,
		Subject:    old.Subject,
		Content:    content,
		Importance: old.Importance,
		Source:     old.Source,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ms.store.Supersede(ctx, id, replacement); err != nil {
		return nil, err
	}

	if err := ms.vectors.DeleteOwner(ctx, id, types.OwnerMemory); err != nil {
		log.Printf("[memory] drop vectors for superseded %s failed: %v", id, err)
	}
	if err := ms.embedRecord(ctx, replacement); err != nil {
		log.Printf("[memory] embed record %s failed: %v", replacement.ID, err)
	}
	return replacement, nil
}

// List returns current records, newest first.
func (ms *MemoryService) List(ctx context.Context, limit int) ([]types.MemoryRecord, error) {
	return ms.store.List(ctx, limit)
}

func (ms *MemoryService) embedRecord(ctx context.Context, record *types.MemoryRecord) error {
	if ms.embedder == nil {
		return nil
	}

	text := record.Content
	if record.Subject != "" {
		text = record.Subject + "\n" + record.Content
	}
	if len(text) > ms.embedder.MaxInputChars() {
		return nil
	}

	vec, err := ms.embedder.Embed(ctx, text)
	if err != nil {
		if llm.IsOversized(err) {
			return nil
		}
		return err
	}
	return ms.vectors.Store(ctx, record.ID, types.OwnerMemory, vec.Model, vec.Values, vec.Provider)
}
