package lexical

import (
	"fmt"
	"sync"
	"testing"
)

func seedIndex() *Index {
	ix := NewIndex()
	ix.Add("doc-db", "postgres connection pooling and database timeouts")
	ix.Add("doc-http", "http server graceful shutdown and request timeouts")
	ix.Add("doc-cache", "redis cache eviction policy tuning")
	return ix
}

func TestSearchFindsMatchingTerms(t *testing.T) {
	ix := seedIndex()
	matches := ix.Search("database pooling", 10)
	if len(matches) == 0 {
		t.Fatal("expected matches")
	}
	if matches[0].OwnerID != "doc-db" {
		t.Errorf("expected doc-db first, got %s", matches[0].OwnerID)
	}
	for _, m := range matches {
		if m.Score <= 0 {
			t.Errorf("match %s has non-positive score %g", m.OwnerID, m.Score)
		}
	}
}

func TestSearchNoMatches(t *testing.T) {
	ix := seedIndex()
	if matches := ix.Search("quantum chromodynamics", 10); len(matches) != 0 {
		t.Errorf("expected no matches, got %d", len(matches))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	ix := seedIndex()
	if matches := ix.Search("", 10); len(matches) != 0 {
		t.Errorf("empty query should match nothing, got %d", len(matches))
	}
	// Stopword-only queries tokenize to nothing.
	if matches := ix.Search("the and of", 10); len(matches) != 0 {
		t.Errorf("stopword query should match nothing, got %d", len(matches))
	}
}

func TestSearchRespectsLimit(t *testing.T) {
	ix := NewIndex()
	for i := 0; i < 20; i++ {
		ix.Add(fmt.Sprintf("doc-%02d", i), "shared keyword payload")
	}
	if matches := ix.Search("keyword", 5); len(matches) != 5 {
		t.Errorf("expected 5 matches, got %d", len(matches))
	}
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	ix := NewIndex()
	ix.Add("doc", "Postgres Connection Pooling")
	if matches := ix.Search("postgres pooling", 10); len(matches) != 1 {
		t.Errorf("case should not matter, got %d matches", len(matches))
	}
}

func TestAddReplacesDocument(t *testing.T) {
	ix := NewIndex()
	ix.Add("doc", "original kafka consumer text")
	ix.Add("doc", "replacement grpc streaming text")

	if matches := ix.Search("kafka", 10); len(matches) != 0 {
		t.Errorf("old terms should be gone, got %d matches", len(matches))
	}
	if matches := ix.Search("grpc", 10); len(matches) != 1 {
		t.Errorf("new terms should be found, got %d matches", len(matches))
	}
	if ix.Len() != 1 {
		t.Errorf("expected 1 document, got %d", ix.Len())
	}
}

func TestRemove(t *testing.T) {
	ix := seedIndex()
	ix.Remove("doc-cache")
	if matches := ix.Search("redis eviction", 10); len(matches) != 0 {
		t.Errorf("removed document still matches: %d", len(matches))
	}
	if ix.Len() != 2 {
		t.Errorf("expected 2 documents, got %d", ix.Len())
	}
}

func TestRareTermsOutrankCommonOnes(t *testing.T) {
	ix := NewIndex()
	// "deployment" appears everywhere, "canary" only in one document.
	ix.Add("doc-a", "deployment checklist for services")
	ix.Add("doc-b", "deployment rollback procedure")
	ix.Add("doc-c", "canary deployment strategy")

	matches := ix.Search("canary deployment", 10)
	if len(matches) == 0 {
		t.Fatal("expected matches")
	}
	if matches[0].OwnerID != "doc-c" {
		t.Errorf("document with the rare term should rank first, got %s", matches[0].OwnerID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	ix := seedIndex()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ix.Add(fmt.Sprintf("w-%d-%d", n, j), "concurrent writer payload")
				ix.Search("payload", 5)
			}
		}(i)
	}
	wg.Wait()

	if ix.Len() != 3+8*50 {
		t.Errorf("expected %d documents, got %d", 3+8*50, ix.Len())
	}
}
