package sqlite

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

const testModel = "test-embed"

func TestVectorStoreAndGet(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	vec := []float64{0.1, 0.2, 0.3}
	if err := store.Store(ctx, "c1", types.OwnerChunk, testModel, vec, "ollama"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.Get(ctx, "c1", types.OwnerChunk, testModel)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	for i := range vec {
		if math.Abs(got[i]-vec[i]) > 1e-12 {
			t.Errorf("component %d: expected %g, got %g", i, vec[i], got[i])
		}
	}
}

func TestVectorGetNotFound(t *testing.T) {
	store := NewVectorStore(testDB(t))
	if _, err := store.Get(context.Background(), "missing", types.OwnerChunk, testModel); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVectorDeleteOwner(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	if err := store.Store(ctx, "m1", types.OwnerMemory, testModel, []float64{1, 0, 0}, "ollama"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, "m1", types.OwnerMemory, "other-model", []float64{0, 1}, "openai"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, "m2", types.OwnerMemory, testModel, []float64{0, 1, 0}, "ollama"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := store.DeleteOwner(ctx, "m1", types.OwnerMemory); err != nil {
		t.Fatalf("DeleteOwner failed: %v", err)
	}

	for _, model := range []string{testModel, "other-model"} {
		if has, _ := store.Has(ctx, "m1", types.OwnerMemory, model); has {
			t.Errorf("m1 vectors for %s should be gone", model)
		}
	}
	if has, _ := store.Has(ctx, "m2", types.OwnerMemory, testModel); !has {
		t.Error("m2 vectors should be untouched")
	}

	// Deleting again is a no-op.
	if err := store.DeleteOwner(ctx, "m1", types.OwnerMemory); err != nil {
		t.Errorf("repeat DeleteOwner failed: %v", err)
	}
}

func TestVectorDimensionConstancyPerModel(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	if err := store.Store(ctx, "c1", types.OwnerChunk, testModel, []float64{1, 0, 0}, "ollama"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	err := store.Store(ctx, "c2", types.OwnerChunk, testModel, []float64{1, 0}, "ollama")
	if !errors.Is(err, storage.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	// A different model may use a different dimension.
	if err := store.Store(ctx, "c1", types.OwnerChunk, "other-model", []float64{1, 0}, "openai"); err != nil {
		t.Errorf("other model should accept its own dimension: %v", err)
	}

	dim, err := store.Dimension(ctx, testModel)
	if err != nil || dim != 3 {
		t.Errorf("expected dimension 3, got %d (%v)", dim, err)
	}
}

func TestVectorUpsertReplacesRow(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	if err := store.Store(ctx, "c1", types.OwnerChunk, testModel, []float64{1, 0, 0}, "ollama"); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := store.Store(ctx, "c1", types.OwnerChunk, testModel, []float64{0, 1, 0}, "openai"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "c1", types.OwnerChunk, testModel)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("expected replaced vector, got %v", got)
	}
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	// c-exact aligns with the query, c-close is nearby, c-far is orthogonal.
	_ = store.Store(ctx, "c-exact", types.OwnerChunk, testModel, []float64{1, 0, 0}, "t")
	_ = store.Store(ctx, "c-close", types.OwnerChunk, testModel, []float64{0.9, 0.1, 0}, "t")
	_ = store.Store(ctx, "c-far", types.OwnerChunk, testModel, []float64{0, 0, 1}, "t")

	matches, err := store.Search(ctx, testModel, []float64{1, 0, 0}, storage.VectorSearchOptions{
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches above threshold, got %d", len(matches))
	}
	if matches[0].OwnerID != "c-exact" || matches[1].OwnerID != "c-close" {
		t.Errorf("wrong order: %s, %s", matches[0].OwnerID, matches[1].OwnerID)
	}
	if matches[0].Similarity < matches[1].Similarity {
		t.Error("results must be sorted by similarity descending")
	}
}

func TestVectorSearchThresholdMonotonicity(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	vectors := [][]float64{
		{1, 0, 0}, {0.9, 0.4, 0}, {0.7, 0.7, 0}, {0, 1, 0}, {0, 0, 1},
	}
	for i, v := range vectors {
		_ = store.Store(ctx, string(rune('a'+i)), types.OwnerChunk, testModel, v, "t")
	}

	query := []float64{1, 0, 0}
	prev := -1
	for _, threshold := range []float64{0.0, 0.3, 0.6, 0.9, 0.99} {
		matches, err := store.Search(ctx, testModel, query, storage.VectorSearchOptions{Threshold: threshold})
		if err != nil {
			t.Fatalf("Search failed at threshold %g: %v", threshold, err)
		}
		if prev >= 0 && len(matches) > prev {
			t.Errorf("raising threshold to %g increased results: %d -> %d",
				threshold, prev, len(matches))
		}
		prev = len(matches)
	}
}

func TestVectorSearchOwnerTypeFilter(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	_ = store.Store(ctx, "c1", types.OwnerChunk, testModel, []float64{1, 0, 0}, "t")
	_ = store.Store(ctx, "k1", types.OwnerKnowledge, testModel, []float64{1, 0, 0}, "t")

	matches, err := store.Search(ctx, testModel, []float64{1, 0, 0}, storage.VectorSearchOptions{
		Threshold: 0.5,
		OwnerType: types.OwnerKnowledge,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].OwnerID != "k1" {
		t.Errorf("expected only k1, got %+v", matches)
	}
}

func TestVectorSearchLimit(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_ = store.Store(ctx, string(rune('a'+i)), types.OwnerChunk, testModel, []float64{1, 0, 0}, "t")
	}

	matches, err := store.Search(ctx, testModel, []float64{1, 0, 0}, storage.VectorSearchOptions{
		Limit:     3,
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 3 {
		t.Errorf("expected 3 matches, got %d", len(matches))
	}
}

func TestVectorSearchWrongModelIsEmpty(t *testing.T) {
	store := NewVectorStore(testDB(t))
	ctx := context.Background()

	_ = store.Store(ctx, "c1", types.OwnerChunk, testModel, []float64{1, 0, 0}, "t")

	matches, err := store.Search(ctx, "different-model", []float64{1, 0, 0}, storage.VectorSearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("vectors from other models must not match, got %d", len(matches))
	}
}

func TestCosineSimilarity(t *testing.T) {
	if sim := cosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(sim-1) > 1e-12 {
		t.Errorf("identical vectors: expected 1, got %g", sim)
	}
	if sim := cosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(sim) > 1e-12 {
		t.Errorf("orthogonal vectors: expected 0, got %g", sim)
	}
	if sim := cosineSimilarity([]float64{1, 0}, []float64{-1, 0}); math.Abs(sim+1) > 1e-12 {
		t.Errorf("opposite vectors: expected -1, got %g", sim)
	}
	if sim := cosineSimilarity([]float64{0, 0}, []float64{1, 0}); sim != 0 {
		t.Errorf("zero vector: expected 0, got %g", sim)
	}
	if sim := cosineSimilarity([]float64{1}, []float64{1, 0}); sim != 0 {
		t.Errorf("length mismatch: expected 0, got %g", sim)
	}
}

func TestVectorSerializationRoundTrip(t *testing.T) {
	vec := []float64{0.5, -1.25, math.Pi, 0, 1e-300}
	got, err := deserializeVector(serializeVector(vec), len(vec))
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("component %d: %g != %g", i, got[i], vec[i])
		}
	}

	if _, err := deserializeVector([]byte{1, 2, 3}, 5); err == nil {
		t.Error("expected error on truncated buffer")
	}
}
