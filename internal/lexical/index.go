// Package lexical provides an in-memory BM25 index over raw text. It is the
// always-available search path: no embeddings, no network. The index is a
// derived structure rebuilt from stored text at startup and is never a source
// of truth.
package lexical

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

// BM25 parameters. k1 controls term-frequency saturation, b controls
// document-length normalization. These are the standard defaults.
const (
	k1 = 1.2
	b  = 0.75
)

// Match is a single lexical search hit.
type Match struct {
	OwnerID string
	Score   float64
}

type document struct {
	terms  map[string]int
	length int
}

// Index is a thread-safe BM25 index keyed by owner ID. Adding an owner that
// is already indexed replaces its previous text.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]*document
	df       map[string]int // term -> number of documents containing it
	totalLen int
	stop     *stopwords.Stopwords
}

// NewIndex creates an empty index with English stopword filtering.
func NewIndex() *Index {
	return &Index{
		docs: make(map[string]*document),
		df:   make(map[string]int),
		stop: stopwords.MustGet("en"),
	}
}

// Add indexes text under ownerID, replacing any previous entry.
func (ix *Index) Add(ownerID, text string) {
	tokens := ix.tokenize(text)

	terms := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		terms[tok]++
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(ownerID)

	doc := &document{terms: terms, length: len(tokens)}
	ix.docs[ownerID] = doc
	ix.totalLen += doc.length
	for term := range terms {
		ix.df[term]++
	}
}

// Remove drops ownerID from the index. No-op when absent.
func (ix *Index) Remove(ownerID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(ownerID)
}

func (ix *Index) removeLocked(ownerID string) {
	doc, ok := ix.docs[ownerID]
	if !ok {
		return
	}
	ix.totalLen -= doc.length
	for term := range doc.terms {
		if ix.df[term] <= 1 {
			delete(ix.df, term)
		} else {
			ix.df[term]--
		}
	}
	delete(ix.docs, ownerID)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search scores every document against the query with BM25 and returns up to
// limit matches with positive scores, best first. Ties break on owner ID for
// deterministic ordering.
func (ix *Index) Search(query string, limit int) []Match {
	if limit < 1 {
		limit = 10
	}

	queryTerms := ix.tokenize(query)
	if len(queryTerms) == 0 {
		return []Match{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		return []Match{}
	}
	avgLen := float64(ix.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	var matches []Match
	for ownerID, doc := range ix.docs {
		score := 0.0
		for _, term := range queryTerms {
			tf := doc.terms[term]
			if tf == 0 {
				continue
			}
			df := ix.df[term]
			idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
			norm := float64(tf) * (k1 + 1) /
				(float64(tf) + k1*(1-b+b*float64(doc.length)/avgLen))
			score += idf * norm
		}
		if score > 0 {
			matches = append(matches, Match{OwnerID: ownerID, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].OwnerID < matches[j].OwnerID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// tokenize lowercases text, splits on non-alphanumeric runes, and drops
// stopwords and single-character fragments.
func (ix *Index) tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if ix.stop.Contains(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
