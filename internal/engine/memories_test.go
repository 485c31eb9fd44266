package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

func newTestMemoryService(t *testing.T, embedder Embedder) (*MemoryService, storage.VectorStore) {
	t.Helper()
	_, vectors, memories, _ := testStores(t)
	return NewMemoryService(memories, vectors, embedder), vectors
}

func TestMemoryAddEmbedsRecord(t *testing.T) {
	embedder := newFakeEmbedder()
	ms, vectors := newTestMemoryService(t, embedder)
	ctx := context.Background()

	record, err := ms.Add(ctx, "preferences", "editor", "Prefers spaces over tabs.", "manual", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultMemoryImportance, record.Importance)

	has, err := vectors.Has(ctx, record.ID, types.OwnerMemory, embedder.model)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMemoryAddRejectsInvalidImportance(t *testing.T) {
	ms, _ := newTestMemoryService(t, newFakeEmbedder())
	_, err := ms.Add(context.Background(), "general", "", "Some fact.", "manual", 42)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestMemoryAddSurvivesEmbeddingOutage(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.failOn = "offline"
	ms, vectors := newTestMemoryService(t, embedder)
	ctx := context.Background()

	record, err := ms.Add(ctx, "general", "", "Written while provider offline.", "manual", 3)
	require.NoError(t, err, "a provider outage must not block the write")

	has, err := vectors.Has(ctx, record.ID, types.OwnerMemory, embedder.model)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemorySupersedeReplacesVectors(t *testing.T) {
	embedder := newFakeEmbedder()
	ms, vectors := newTestMemoryService(t, embedder)
	ctx := context.Background()

	old, err := ms.Add(ctx, "preferences", "shell", "Uses bash.", "manual", 6)
	require.NoError(t, err)

	replacement, err := ms.Supersede(ctx, old.ID, "Switched to zsh.")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, replacement.ID)
	assert.Equal(t, "preferences", replacement.Category)
	assert.Equal(t, 6, replacement.Importance)

	// The old record survives with a forward link and no vectors.
	stored, err := ms.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, stored.SupersededBy)
	assert.Equal(t, "Uses bash.", stored.Content)

	hasOld, err := vectors.Has(ctx, old.ID, types.OwnerMemory, embedder.model)
	require.NoError(t, err)
	assert.False(t, hasOld)

	hasNew, err := vectors.Has(ctx, replacement.ID, types.OwnerMemory, embedder.model)
	require.NoError(t, err)
	assert.True(t, hasNew)

	// Only the current version lists.
	records, err := ms.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, replacement.ID, records[0].ID)
}

func TestMemorySupersedeMissing(t *testing.T) {
	ms, _ := newTestMemoryService(t, newFakeEmbedder())
	_, err := ms.Supersede(context.Background(), "nope", "New content.")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
