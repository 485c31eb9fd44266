package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrAllProvidersExhausted is returned when every configured embedding
	// provider was skipped (no credential) or failed. Callers fall back to
	// lexical-only search for the affected item; the run continues.
	ErrAllProvidersExhausted = errors.New("all embedding providers exhausted")

	// ErrOversizedInput is returned when an input exceeds the size limit of
	// every available provider. Oversized inputs are never retried
	// automatically.
	ErrOversizedInput = errors.New("input exceeds provider size limit")

	// ErrNoProviders is returned at construction when not a single provider
	// has a usable credential. This is the only configuration failure that
	// is surfaced to the operator rather than handled per-item.
	ErrNoProviders = errors.New("no embedding provider is credentialed; set ENGRAM_OPENAI_API_KEY or configure an Ollama endpoint")
)

// ProviderError wraps a transient, per-call provider failure. It triggers
// failover to the next provider in the chain and is never fatal on its own.
type ProviderError struct {
	Provider    string
	RateLimited bool // quota/rate-limit signal (HTTP 429)
	Err         error
}

func (e *ProviderError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("provider %s rate limited: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
