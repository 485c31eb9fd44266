package llm

import "context"

// TextGenerator is the interface for LLM text completion. Engram uses it only
// for optional chunk enrichment (prepending a short contextual summary).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingProvider is one link in the failover chain. Implementations wrap a
// single backend (Ollama, OpenAI, ...) and report their own capabilities so
// the chain can iterate them generically; adding a provider means appending
// to the list, not adding branch logic.
type EmbeddingProvider interface {
	// Name identifies the provider in logs and result tags (e.g. "ollama").
	Name() string

	// Model is the embedding model this provider produces vectors for.
	Model() string

	// Dimensions is the fixed vector length for Model.
	Dimensions() int

	// Available reports whether the provider can be called at all
	// (credential present, endpoint configured).
	Available() bool

	// MaxInputChars is the largest input the provider accepts.
	MaxInputChars() int

	// MaxBatchSize is the largest number of inputs per batch request.
	MaxBatchSize() int

	// Embed converts text to a vector. Failures are reported as
	// *ProviderError so the chain can fail over.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Vector is an embedding tagged with the model and provider that produced
// it, for traceability. Bit-for-bit determinism across calls is provider
// dependent; callers must compare by similarity, never by equality.
type Vector struct {
	Values   []float64
	Model    string
	Provider string
}
