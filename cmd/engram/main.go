// Command engram indexes conversation transcripts into a searchable semantic
// memory: scan sources into chunks, embed them through a provider failover
// chain, and query the result by vector similarity with a lexical fallback.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/credentials"
	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/llm"
	"github.com/scrypster/engram/internal/notify"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/internal/storage/postgres"
	"github.com/scrypster/engram/internal/storage/sqlite"
	"github.com/scrypster/engram/pkg/types"
)

const usage = `Usage: engram [-config path] <command> [options]

Commands:
  scan       Scan transcript sources into chunks
  embed      Embed pending chunks through the provider chain
  status     Show chunk pipeline status counts
  enrich     Backfill contextual enrichment on un-embedded chunks
  search     Query indexed memory
  watch      Watch the sources directory and re-scan on change
  memory     Manage distilled memory records (add|get|list|supersede)
  knowledge  Manage the knowledge cache (add|get|update|list|verify|search|stats)
`

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx, args[0], args[1:]); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

// app wires the storage, provider, and engine layers for one invocation.
type app struct {
	cfg *config.Config

	db       *sql.DB
	pgStore  *postgres.VectorStore
	chunks   storage.ChunkStore
	vectors  storage.VectorStore
	memories storage.MemoryStore

	indexer      *engine.Indexer
	orchestrator *engine.Orchestrator
	knowledge    *engine.KnowledgeCache
	memory       *engine.MemoryService
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sqlite.Open(filepath.Join(cfg.Storage.DataPath, "engram.db"))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		chunks:   sqlite.NewChunkStore(db),
		memories: sqlite.NewMemoryStore(db),
	}

	switch cfg.Storage.VectorBackend {
	case "postgres":
		pg, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.pgStore = pg
		a.vectors = pg
	default:
		a.vectors = sqlite.NewVectorStore(db)
	}

	creds := credentials.NewEnvStore()

	embedder, err := buildEmbedder(cfg, creds)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var enricher llm.TextGenerator
	if cfg.Enrichment.Enabled {
		enricher = buildEnricher(cfg, creds)
	}

	sources := engine.NewDirSourceProvider(cfg.Indexing.SourcesPath)

	a.indexer = engine.NewIndexer(a.chunks, a.vectors, embedder, enricher, sources,
		engine.IndexerOptions{
			ClaimTimeout:  cfg.Indexing.ClaimTimeout,
			BatchSize:     cfg.Indexing.EmbedBatchSize,
			MaxChunkChars: cfg.Indexing.MaxChunkChars,
		})

	a.orchestrator = engine.NewOrchestrator(a.vectors, a.chunks, a.memories, embedder,
		engine.OrchestratorOptions{
			DefaultLimit:     cfg.Search.DefaultLimit,
			DefaultThreshold: cfg.Search.DefaultThreshold,
			MinResults:       cfg.Search.MinResults,
		})

	a.knowledge = engine.NewKnowledgeCache(sqlite.NewKnowledgeStore(db), a.vectors, embedder)
	a.memory = engine.NewMemoryService(a.memories, a.vectors, embedder)

	return a, nil
}

// buildEmbedder assembles the failover chain in configured priority order.
func buildEmbedder(cfg *config.Config, creds credentials.Store) (*llm.FailoverEmbedder, error) {
	var providers []llm.EmbeddingProvider
	for _, name := range cfg.Embedding.Providers {
		switch name {
		case "ollama":
			providers = append(providers, llm.NewOllamaClient(llm.OllamaConfig{
				BaseURL:        cfg.Embedding.OllamaURL,
				EmbeddingModel: cfg.Embedding.OllamaEmbeddingModel,
				Dimensions:     cfg.Embedding.OllamaDimensions,
			}))
		case "openai":
			providers = append(providers, llm.NewOpenAIEmbeddingClient(llm.OpenAIEmbeddingConfig{
				Model: cfg.Embedding.OpenAIModel,
			}, creds))
		default:
			return nil, fmt.Errorf("unknown embedding provider %q", name)
		}
	}

	return llm.NewFailoverEmbedder(providers, llm.FailoverConfig{
		RateLimits: map[string]float64{"openai": cfg.Embedding.OpenAIRateLimit},
	})
}

func buildEnricher(cfg *config.Config, creds credentials.Store) llm.TextGenerator {
	switch cfg.Enrichment.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{Model: cfg.Enrichment.Model}, creds)
	default:
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: cfg.Embedding.OllamaURL,
			Model:   cfg.Enrichment.Model,
		})
	}
}

func (a *app) Close() error {
	if a.pgStore != nil {
		_ = a.pgStore.Close()
	}
	return a.db.Close()
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "scan":
		return a.cmdScan(ctx, args)
	case "embed":
		return a.cmdEmbed(ctx)
	case "status":
		return a.cmdStatus(ctx)
	case "enrich":
		return a.cmdEnrich(ctx, args)
	case "search":
		return a.cmdSearch(ctx, args)
	case "watch":
		return a.cmdWatch(ctx)
	case "memory":
		return a.cmdMemory(ctx, args)
	case "knowledge":
		return a.cmdKnowledge(ctx, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) cmdScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	source := fs.String("source", "", "Scan a single source ID instead of all")
	_ = fs.Parse(args)

	var result *engine.ScanResult
	var err error
	if *source != "" {
		result, err = a.indexer.ScanSource(ctx, *source)
	} else {
		result, err = a.indexer.ScanAll(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdEmbed(ctx context.Context) error {
	result, err := a.indexer.EmbedAll(ctx)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdStatus(ctx context.Context) error {
	counts, err := a.indexer.EmbedStatus(ctx)
	if err != nil {
		return err
	}
	return printJSON(counts)
}

func (a *app) cmdEnrich(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enrich", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Max chunks to enrich this pass (default: batch size)")
	_ = fs.Parse(args)

	result, err := a.indexer.EnrichBackfill(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Max results")
	threshold := fs.Float64("threshold", 0, "Minimum similarity")
	ownerType := fs.String("type", "", "Restrict to owner type (chunk|memory|knowledge)")
	afterStr := fs.String("after", "", "Only results created after this time (YYYY-MM-DD or RFC 3339)")
	_ = fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("search requires a query")
	}

	var after time.Time
	if *afterStr != "" {
		var err error
		if after, err = parseAfter(*afterStr); err != nil {
			return err
		}
	}

	if err := a.orchestrator.RebuildIndex(ctx); err != nil {
		return err
	}

	results, err := a.orchestrator.Query(ctx, query, engine.QueryOptions{
		Limit:     *limit,
		Threshold: *threshold,
		OwnerType: types.OwnerType(*ownerType),
		After:     after,
	})
	if err != nil {
		return err
	}
	return printJSON(results)
}

// cmdWatch re-scans changed sources until interrupted. Changed chunks go to
// pending; run embed separately or leave it to the next scheduled pass.
func (a *app) cmdWatch(ctx context.Context) error {
	scans := make(chan string, 64)
	watcher := notify.NewSourceWatcher(a.cfg.Indexing.SourcesPath, func(sourceID string) {
		select {
		case scans <- sourceID:
		default:
			log.Printf("watch: scan queue full, dropping %s", sourceID)
		}
	})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sourceID := <-scans:
			result, err := a.indexer.ScanSource(ctx, sourceID)
			if err != nil {
				log.Printf("watch: scan %s failed: %v", sourceID, err)
				continue
			}
			log.Printf("watch: %s: %d created, %d updated, %d unchanged",
				sourceID, result.ChunksCreated, result.ChunksUpdated, result.ChunksSkipped)
		}
	}
}

func (a *app) cmdMemory(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("memory requires a subcommand (add|get|list|supersede)")
	}

	switch args[0] {
	case "add":
		return a.cmdMemoryAdd(ctx, args[1:])
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("memory get requires an ID")
		}
		record, err := a.memory.Get(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(record)
	case "list":
		fs := flag.NewFlagSet("memory list", flag.ExitOnError)
		limit := fs.Int("limit", 0, "Max records")
		_ = fs.Parse(args[1:])

		records, err := a.memory.List(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(records)
	case "supersede":
		return a.cmdMemorySupersede(ctx, args[1:])
	default:
		return fmt.Errorf("unknown memory subcommand %q", args[0])
	}
}

func (a *app) cmdMemoryAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("memory add", flag.ExitOnError)
	category := fs.String("category", "general", "Record category")
	subject := fs.String("subject", "", "What the fact is about")
	content := fs.String("content", "", "The fact itself (required)")
	source := fs.String("source", "manual", "Where the fact came from")
	importance := fs.Int("importance", 0, "Importance in [1,10] (default 5)")
	_ = fs.Parse(args)

	record, err := a.memory.Add(ctx, *category, *subject, *content, *source, *importance)
	if err != nil {
		return err
	}
	return printJSON(record)
}

func (a *app) cmdMemorySupersede(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("memory supersede", flag.ExitOnError)
	content := fs.String("content", "", "Replacement content (required)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("memory supersede requires an ID")
	}

	record, err := a.memory.Supersede(ctx, fs.Arg(0), *content)
	if err != nil {
		return err
	}
	return printJSON(record)
}

func (a *app) cmdKnowledge(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("knowledge requires a subcommand (add|get|update|list|verify|search|stats)")
	}

	if err := a.knowledge.LoadIndex(ctx); err != nil {
		return err
	}

	switch args[0] {
	case "add":
		return a.cmdKnowledgeAdd(ctx, args[1:])
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("knowledge get requires an ID")
		}
		entry, err := a.knowledge.Get(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(entry)
	case "update":
		return a.cmdKnowledgeUpdate(ctx, args[1:])
	case "list":
		return a.cmdKnowledgeList(ctx, args[1:])
	case "verify":
		return a.cmdKnowledgeVerify(ctx, args[1:])
	case "search":
		return a.cmdKnowledgeSearch(ctx, args[1:])
	case "stats":
		stats, err := a.knowledge.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	default:
		return fmt.Errorf("unknown knowledge subcommand %q", args[0])
	}
}

func (a *app) cmdKnowledgeAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("knowledge add", flag.ExitOnError)
	title := fs.String("title", "", "Entry title (required)")
	summary := fs.String("summary", "", "Entry summary (required)")
	sourceType := fs.String("source", "manual", "Source type")
	tags := fs.String("tags", "", "Comma-separated tags")
	confidence := fs.Float64("confidence", 0.5, "Confidence in [0,1]")
	_ = fs.Parse(args)

	entry, err := a.knowledge.Add(ctx, *title, *summary, *sourceType, splitTags(*tags), *confidence)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

// cmdKnowledgeUpdate patches an entry. Only flags actually passed end up in
// the patch, so `-tags ""` clears the tags while omitting the flag leaves
// them alone.
func (a *app) cmdKnowledgeUpdate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("knowledge update", flag.ExitOnError)
	summary := fs.String("summary", "", "New summary (clears the verified flag)")
	tags := fs.String("tags", "", "Comma-separated tags")
	confidence := fs.Float64("confidence", 0, "New confidence in [0,1]")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("knowledge update requires an ID")
	}

	var patch types.KnowledgePatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "summary":
			patch.Summary = summary
		case "tags":
			list := splitTags(*tags)
			patch.Tags = &list
		case "confidence":
			patch.Confidence = confidence
		}
	})

	entry, err := a.knowledge.Update(ctx, fs.Arg(0), patch)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (a *app) cmdKnowledgeList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("knowledge list", flag.ExitOnError)
	sourceType := fs.String("source", "", "Filter by source type")
	tag := fs.String("tag", "", "Filter by tag")
	verifiedOnly := fs.Bool("verified", false, "Only verified entries")
	minConfidence := fs.Float64("min-confidence", 0, "Minimum confidence")
	limit := fs.Int("limit", 0, "Max entries")
	_ = fs.Parse(args)

	entries, err := a.knowledge.List(ctx, storage.KnowledgeFilter{
		SourceType:    *sourceType,
		Tag:           *tag,
		VerifiedOnly:  *verifiedOnly,
		MinConfidence: *minConfidence,
		Limit:         *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func (a *app) cmdKnowledgeVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("knowledge verify", flag.ExitOnError)
	confidence := fs.Float64("confidence", -1, "New confidence (optional)")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("knowledge verify requires an ID")
	}

	var newConfidence *float64
	if *confidence >= 0 {
		newConfidence = confidence
	}

	entry, err := a.knowledge.Verify(ctx, fs.Arg(0), newConfidence)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func (a *app) cmdKnowledgeSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("knowledge search", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Max results")
	semantic := fs.Bool("semantic", false, "Use embedding similarity instead of keyword match")
	threshold := fs.Float64("threshold", 0, "Minimum similarity (semantic only)")
	_ = fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("knowledge search requires a query")
	}

	if *semantic {
		matches, err := a.knowledge.SemanticSearch(ctx, query, *limit, *threshold)
		if err != nil {
			return err
		}
		return printJSON(matches)
	}

	entries, err := a.knowledge.Search(ctx, query, *limit)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

// parseAfter accepts a date or a full RFC 3339 timestamp.
func parseAfter(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (use YYYY-MM-DD or RFC 3339)", s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
