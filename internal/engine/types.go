// Package engine coordinates the indexing and retrieval pipeline: scanning
// transcript sources into chunks, embedding chunks through the provider
// failover chain, and answering queries over the vector and lexical paths.
package engine

import (
	"context"
	"time"

	"github.com/scrypster/engram/pkg/types"
)

// Source is one transcript source known to a SourceProvider.
type Source struct {
	ID      string // Stable identifier (relative file path for directory providers)
	ModTime time.Time
}

// SourceProvider enumerates and reads transcript sources. The engine does not
// care where sources live; the directory provider in this package is the
// default.
type SourceProvider interface {
	ListSources(ctx context.Context) ([]Source, error)
	ReadSource(ctx context.Context, id string) (string, error)
}

// ScanResult summarizes one scan pass.
type ScanResult struct {
	SourcesScanned int `json:"sources_scanned"`
	ChunksCreated  int `json:"chunks_created"`
	ChunksUpdated  int `json:"chunks_updated"` // existing slots whose content changed
	ChunksSkipped  int `json:"chunks_skipped"` // unchanged slots
	LinesSkipped   int `json:"lines_skipped"`  // malformed records dropped during parsing
}

// EmbedResult summarizes one embedding pass.
type EmbedResult struct {
	Embedded int `json:"embedded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"` // oversized for every provider
	Claimed  int `json:"claimed"` // held by another run, left alone
}

// EnrichResult summarizes one enrichment backfill pass.
type EnrichResult struct {
	Enriched int `json:"enriched"`
	Failed   int `json:"failed"`
}

// QueryOptions controls a retrieval query. Zero values mean defaults.
type QueryOptions struct {
	Limit     int             // max results (default 10, max 100)
	Threshold float64         // minimum vector similarity (default 0.7)
	After     time.Time       // only owners created after this instant
	OwnerType types.OwnerType // restrict to one owner kind; empty means all
}

// ResultOrigin says which search path produced a result.
type ResultOrigin string

const (
	OriginVector  ResultOrigin = "vector"
	OriginLexical ResultOrigin = "lexical"
)

// QueryResult is one retrieval hit. Score is cosine similarity for vector
// results and a BM25 score for lexical ones; the two are not comparable
// across origins.
type QueryResult struct {
	OwnerID   string          `json:"owner_id"`
	OwnerType types.OwnerType `json:"owner_type"`
	Score     float64         `json:"score"`
	Origin    ResultOrigin    `json:"origin"`
	Excerpt   string          `json:"excerpt,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}
