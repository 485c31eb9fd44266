package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/internal/storage/sqlite"
)

// testStores opens a throwaway database and returns the store set engine
// tests need.
func testStores(t *testing.T) (storage.ChunkStore, storage.VectorStore, storage.MemoryStore, *sql.DB) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.NewChunkStore(db), sqlite.NewVectorStore(db), sqlite.NewMemoryStore(db), db
}

// fakeSources serves transcripts from a map.
type fakeSources struct {
	content map[string]string
}

func (f *fakeSources) ListSources(_ context.Context) ([]Source, error) {
	var sources []Source
	for id := range f.content {
		sources = append(sources, Source{ID: id})
	}
	return sources, nil
}

func (f *fakeSources) ReadSource(_ context.Context, id string) (string, error) {
	content, ok := f.content[id]
	if !ok {
		return "", fmt.Errorf("no such source %q", id)
	}
	return content, nil
}

// fakeEmbedder produces deterministic vectors and can be scripted to fail.
type fakeEmbedder struct {
	model    string
	maxChars int
	failOn   string // substring that makes Embed fail
	failErr  error  // error returned for failing texts (default exhausted)
	calls    int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{model: "fake-model", maxChars: 10_000}
}

func (f *fakeEmbedder) MaxInputChars() int { return f.maxChars }

func (f *fakeEmbedder) Model() string { return f.model }

func (f *fakeEmbedder) Embed(_ context.Context, text string) (*llm.Vector, error) {
	f.calls++
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		if f.failErr != nil {
			return nil, f.failErr
		}
		return nil, fmt.Errorf("%w: scripted failure", llm.ErrAllProvidersExhausted)
	}
	return &llm.Vector{Values: textVector(text), Model: f.model, Provider: "fake"}, nil
}

// textVector maps text onto a small fixed basis so that texts sharing words
// land near each other and unrelated texts stay near-orthogonal.
func textVector(text string) []float64 {
	vec := make([]float64, 32)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range word {
			h = h*31 + int(r)
		}
		if h < 0 {
			h = -h
		}
		vec[h%32]++
	}
	return vec
}

// fakeGenerator is a canned TextGenerator for enrichment tests.
type fakeGenerator struct {
	response string
	err      error
	calls    int
}

func (f *fakeGenerator) Complete(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeGenerator) GetModel() string { return "fake-gen" }
