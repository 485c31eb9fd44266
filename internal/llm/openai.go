package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/engram/internal/credentials"
)

// OpenAIEmbeddingConfig holds configuration for the OpenAI embedding client.
type OpenAIEmbeddingConfig struct {
	Model   string        // default: text-embedding-3-small
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 60s
}

// openAIModelDimensions maps known embedding models to their vector lengths.
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbeddingClient implements EmbeddingProvider against the OpenAI
// embeddings API. The API key is resolved through the credential store on
// every call, so a key added after startup takes effect without a restart.
type OpenAIEmbeddingClient struct {
	cfg            OpenAIEmbeddingConfig
	creds          credentials.Store
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// credOpenAIAPIKey is the credential store key for the OpenAI API key
// (environment variable ENGRAM_OPENAI_API_KEY).
const credOpenAIAPIKey = "openai_api_key"

// NewOpenAIEmbeddingClient creates a new OpenAI embedding client.
func NewOpenAIEmbeddingClient(cfg OpenAIEmbeddingConfig, creds credentials.Store) *OpenAIEmbeddingClient {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIEmbeddingClient{
		cfg:            cfg,
		creds:          creds,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker("openai"),
	}
}

func (c *OpenAIEmbeddingClient) Name() string  { return "openai" }
func (c *OpenAIEmbeddingClient) Model() string { return c.cfg.Model }

func (c *OpenAIEmbeddingClient) Dimensions() int {
	if d, ok := openAIModelDimensions[c.cfg.Model]; ok {
		return d
	}
	return 1536
}

// Available reports whether an API key is present.
func (c *OpenAIEmbeddingClient) Available() bool {
	return c.creds.Has(credOpenAIAPIKey)
}

// MaxInputChars reflects the 8191 token input limit at ~4 chars per token.
func (c *OpenAIEmbeddingClient) MaxInputChars() int { return 32764 }

// MaxBatchSize is well under the API's 2048-input ceiling; smaller batches
// keep individual request payloads bounded.
func (c *OpenAIEmbeddingClient) MaxBatchSize() int { return 64 }

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for the given text. HTTP 429 is reported as a
// rate-limited ProviderError so the chain can fail over to a quieter backend.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		return nil, &ProviderError{
			Provider:    "openai",
			RateLimited: isRateLimit(err),
			Err:         err,
		}
	}
	return result.([]float64), nil
}

// rateLimitError marks an HTTP 429 so the ProviderError can flag it.
type rateLimitError struct{ body string }

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("openai rate limited (429): %s", e.body)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *OpenAIEmbeddingClient) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody := openAIEmbedRequest{
		Model: c.cfg.Model,
		Input: text,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.Get(credOpenAIAPIKey))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return nil, &rateLimitError{body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(respData.Data) == 0 || len(respData.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned empty embedding vector")
	}

	return respData.Data[0].Embedding, nil
}

var _ EmbeddingProvider = (*OpenAIEmbeddingClient)(nil)
