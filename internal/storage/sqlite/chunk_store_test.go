package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testChunk(id, sourceID string, seq int) *types.Chunk {
	return &types.Chunk{
		ID:            id,
		SourceID:      sourceID,
		SequenceIndex: seq,
		ContentHash:   "hash-" + id,
		RawText:       "raw text for " + id,
		TokenCount:    4,
		Status:        types.EmbeddingPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestChunkInsertAndGet(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	chunk := testChunk("c1", "src-a", 0)
	if err := store.Insert(ctx, chunk); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SourceID != "src-a" || got.SequenceIndex != 0 {
		t.Errorf("wrong chunk returned: %+v", got)
	}
	if got.Status != types.EmbeddingPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
}

func TestChunkGetNotFound(t *testing.T) {
	store := NewChunkStore(testDB(t))
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChunkDuplicateSequence(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	err := store.Insert(ctx, testChunk("c2", "src-a", 0))
	if !errors.Is(err, storage.ErrDuplicateChunk) {
		t.Errorf("expected ErrDuplicateChunk, got %v", err)
	}
	// Same sequence in a different source is fine.
	if err := store.Insert(ctx, testChunk("c3", "src-b", 0)); err != nil {
		t.Errorf("different source should not collide: %v", err)
	}
}

func TestChunkFindBySequence(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	if err := store.Insert(ctx, testChunk("c1", "src-a", 3)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.FindBySequence(ctx, "src-a", 3)
	if err != nil {
		t.Fatalf("FindBySequence failed: %v", err)
	}
	if got.ID != "c1" {
		t.Errorf("expected c1, got %s", got.ID)
	}

	if _, err := store.FindBySequence(ctx, "src-a", 99); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChunkClaimPending(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()
	staleBefore := time.Now().UTC().Add(-10 * time.Minute)

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	ok, err := store.Claim(ctx, "c1", staleBefore)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Fatal("pending chunk must be claimable")
	}

	got, _ := store.Get(ctx, "c1")
	if got.Status != types.EmbeddingInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
	if got.ClaimedAt == nil {
		t.Error("claim timestamp not set")
	}
}

func TestChunkClaimContention(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()
	staleBefore := time.Now().UTC().Add(-10 * time.Minute)

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	first, err := store.Claim(ctx, "c1", staleBefore)
	if err != nil || !first {
		t.Fatalf("first claim should win: ok=%v err=%v", first, err)
	}
	second, err := store.Claim(ctx, "c1", staleBefore)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if second {
		t.Error("a fresh claim must not be stealable")
	}
}

func TestChunkClaimReclaimsStale(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if ok, _ := store.Claim(ctx, "c1", time.Now().UTC().Add(-10*time.Minute)); !ok {
		t.Fatal("initial claim failed")
	}

	// A staleBefore in the future treats the live claim as expired.
	ok, err := store.Claim(ctx, "c1", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("reclaim errored: %v", err)
	}
	if !ok {
		t.Error("stale claim must be reclaimable")
	}
}

func TestChunkReleaseStale(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Insert(ctx, testChunk("c2", "src-a", 1)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		if ok, _ := store.Claim(ctx, id, time.Now().UTC()); !ok {
			t.Fatalf("claim %s failed", id)
		}
	}

	// Only claims older than staleBefore are swept.
	reclaimed, err := store.ReleaseStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("live claims must survive the sweep, reclaimed %d", reclaimed)
	}

	reclaimed, err = store.ReleaseStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStale failed: %v", err)
	}
	if reclaimed != 2 {
		t.Errorf("expected 2 reclaimed chunks, got %d", reclaimed)
	}

	for _, id := range []string{"c1", "c2"} {
		chunk, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if chunk.Status != types.EmbeddingPending {
			t.Errorf("%s: expected pending after sweep, got %s", id, chunk.Status)
		}
	}
}

func TestChunkClaimFailedIsRetryable(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.SetStatus(ctx, "c1", types.EmbeddingFailed); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	ok, err := store.Claim(ctx, "c1", time.Now().UTC().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !ok {
		t.Error("failed chunks must be claimable for retry")
	}
}

func TestChunkClaimTerminalRefused(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	for i, status := range []types.EmbeddingStatus{types.EmbeddingEmbedded, types.EmbeddingSkippedOversized} {
		chunk := testChunk(string(rune('a'+i)), "src-a", i)
		if err := store.Insert(ctx, chunk); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := store.SetStatus(ctx, chunk.ID, status); err != nil {
			t.Fatalf("SetStatus failed: %v", err)
		}
		if ok, _ := store.Claim(ctx, chunk.ID, time.Now().UTC().Add(time.Hour)); ok {
			t.Errorf("%s chunk must not be claimable", status)
		}
	}
}

func TestChunkRelease(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	if err := store.Insert(ctx, testChunk("c1", "src-a", 0)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if ok, _ := store.Claim(ctx, "c1", time.Now().UTC().Add(-10*time.Minute)); !ok {
		t.Fatal("claim failed")
	}
	if err := store.Release(ctx, "c1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Status != types.EmbeddingPending {
		t.Errorf("expected pending after release, got %s", got.Status)
	}
	if got.ClaimedAt != nil {
		t.Error("claim timestamp should be cleared")
	}
}

func TestChunkUpdateContent(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	chunk := testChunk("c1", "src-a", 0)
	if err := store.Insert(ctx, chunk); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.SetEnrichedText(ctx, "c1", "context\n\nold text"); err != nil {
		t.Fatalf("SetEnrichedText failed: %v", err)
	}
	if err := store.SetStatus(ctx, "c1", types.EmbeddingFailed); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	if err := store.UpdateContent(ctx, "c1", "new-hash", "new text", 2); err != nil {
		t.Fatalf("UpdateContent failed: %v", err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.ContentHash != "new-hash" || got.RawText != "new text" {
		t.Errorf("content not replaced: %+v", got)
	}
	if got.Status != types.EmbeddingPending {
		t.Errorf("expected pending after content change, got %s", got.Status)
	}
	if got.EnrichedText != "" {
		t.Error("stale enriched text must be cleared")
	}

	if err := store.UpdateContent(ctx, "missing", "h", "t", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChunkListByStatus(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Insert(ctx, testChunk(string(rune('a'+i)), "src-a", i)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := store.SetStatus(ctx, "b", types.EmbeddingEmbedded); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	pending, err := store.ListByStatus(ctx, types.EmbeddingPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending chunks, got %d", len(pending))
	}
}

func TestChunkStatusCounts(t *testing.T) {
	store := NewChunkStore(testDB(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := store.Insert(ctx, testChunk(string(rune('a'+i)), "src-a", i)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	_ = store.SetStatus(ctx, "a", types.EmbeddingEmbedded)
	_ = store.SetStatus(ctx, "b", types.EmbeddingFailed)

	counts, err := store.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts failed: %v", err)
	}
	if counts[types.EmbeddingPending] != 2 {
		t.Errorf("expected 2 pending, got %d", counts[types.EmbeddingPending])
	}
	if counts[types.EmbeddingEmbedded] != 1 || counts[types.EmbeddingFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
