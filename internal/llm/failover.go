package llm

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/time/rate"
)

// FailoverEmbedder tries an ordered list of embedding providers until one
// succeeds. Providers without a credential are skipped; a ProviderError
// (including rate-limit signals and open circuits) advances to the next
// provider. Only when every provider has been skipped or has failed does a
// call return ErrAllProvidersExhausted.
type FailoverEmbedder struct {
	providers []EmbeddingProvider
	limiters  map[string]*rate.Limiter
}

// FailoverConfig tunes the chain.
type FailoverConfig struct {
	// RateLimits maps provider name to a sustained requests-per-second
	// ceiling. Calls to that provider are spaced to stay under it.
	// Providers absent from the map are not throttled.
	RateLimits map[string]float64
}

// NewFailoverEmbedder builds the chain from providers in priority order.
// Returns ErrNoProviders when not a single provider is available at startup;
// that is the one configuration failure surfaced to the operator directly.
func NewFailoverEmbedder(providers []EmbeddingProvider, cfg FailoverConfig) (*FailoverEmbedder, error) {
	anyAvailable := false
	for _, p := range providers {
		if p.Available() {
			anyAvailable = true
			break
		}
	}
	if !anyAvailable {
		return nil, ErrNoProviders
	}

	limiters := make(map[string]*rate.Limiter)
	for name, rps := range cfg.RateLimits {
		if rps > 0 {
			limiters[name] = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}

	return &FailoverEmbedder{providers: providers, limiters: limiters}, nil
}

// Model returns the embedding model of the first available provider. This is
// the model new embeddings are written under.
func (f *FailoverEmbedder) Model() string {
	for _, p := range f.providers {
		if p.Available() {
			return p.Model()
		}
	}
	return ""
}

// Dimensions returns the vector length for the given model, resolved through
// the configured providers.
func (f *FailoverEmbedder) Dimensions(model string) (int, error) {
	for _, p := range f.providers {
		if p.Model() == model {
			return p.Dimensions(), nil
		}
	}
	return 0, fmt.Errorf("no configured provider serves model %q", model)
}

// MaxInputChars returns the largest input any available provider accepts.
// The indexer uses this to mark oversized chunks before attempting any call.
func (f *FailoverEmbedder) MaxInputChars() int {
	max := 0
	for _, p := range f.providers {
		if p.Available() && p.MaxInputChars() > max {
			max = p.MaxInputChars()
		}
	}
	return max
}

// Embed converts text to a vector, failing over through the provider list.
// The returned vector is tagged with the model and provider that produced it.
func (f *FailoverEmbedder) Embed(ctx context.Context, text string) (*Vector, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	var lastErr error
	attempted := 0
	oversizedFor := 0
	available := 0

	for _, p := range f.providers {
		if !p.Available() {
			continue
		}
		available++

		if len(text) > p.MaxInputChars() {
			oversizedFor++
			continue
		}

		if lim := f.limiters[p.Name()]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, err
			}
		}

		attempted++
		values, err := p.Embed(ctx, text)
		if err != nil {
			log.Printf("llm: provider %s failed, trying next: %v", p.Name(), err)
			lastErr = err
			continue
		}

		return &Vector{
			Values:   values,
			Model:    p.Model(),
			Provider: p.Name(),
		}, nil
	}

	if available > 0 && oversizedFor == available {
		return nil, fmt.Errorf("%w: %d chars", ErrOversizedInput, len(text))
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrAllProvidersExhausted, lastErr)
	}
	return nil, ErrAllProvidersExhausted
}

// EmbedBatch embeds texts in order, chunked into the primary provider's
// batch-size limit. Rate spacing is applied per underlying call. The batch
// fails on the first text that cannot be embedded at all; callers needing
// per-item isolation (the indexer) call Embed per item instead.
func (f *FailoverEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return []Vector{}, nil
	}

	batchSize := 16
	for _, p := range f.providers {
		if p.Available() {
			batchSize = p.MaxBatchSize()
			break
		}
	}

	vectors := make([]Vector, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		for _, text := range texts[start:end] {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := f.Embed(ctx, text)
			if err != nil {
				return nil, fmt.Errorf("batch item %d: %w", len(vectors), err)
			}
			vectors = append(vectors, *vec)
		}
	}
	return vectors, nil
}

// IsExhausted reports whether err means no provider could serve the call.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrAllProvidersExhausted)
}

// IsOversized reports whether err means the input exceeded every provider's
// size limit.
func IsOversized(err error) bool {
	return errors.Is(err, ErrOversizedInput)
}
