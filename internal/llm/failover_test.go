package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a scriptable EmbeddingProvider for chain tests.
type fakeProvider struct {
	name      string
	model     string
	dims      int
	available bool
	maxChars  int
	embedErr  error
	calls     int
}

func (f *fakeProvider) Name() string       { return f.name }
func (f *fakeProvider) Model() string      { return f.model }
func (f *fakeProvider) Dimensions() int    { return f.dims }
func (f *fakeProvider) Available() bool    { return f.available }
func (f *fakeProvider) MaxInputChars() int { return f.maxChars }
func (f *fakeProvider) MaxBatchSize() int  { return 4 }

func (f *fakeProvider) Embed(_ context.Context, _ string) ([]float64, error) {
	f.calls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	vec := make([]float64, f.dims)
	vec[0] = 1
	return vec, nil
}

func newFake(name, model string) *fakeProvider {
	return &fakeProvider{name: name, model: model, dims: 4, available: true, maxChars: 1000}
}

func TestEmbedUsesFirstProvider(t *testing.T) {
	primary := newFake("primary", "model-a")
	secondary := newFake("secondary", "model-b")
	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	vec, err := f.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "primary", vec.Provider)
	assert.Equal(t, "model-a", vec.Model)
	assert.Len(t, vec.Values, 4)
	assert.Zero(t, secondary.calls, "secondary should not be called when primary succeeds")
}

func TestEmbedFailsOverOnProviderError(t *testing.T) {
	primary := newFake("primary", "model-a")
	primary.embedErr = &ProviderError{Provider: "primary", Err: errors.New("connection refused")}
	secondary := newFake("secondary", "model-b")

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	vec, err := f.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "secondary", vec.Provider)
	assert.Equal(t, "model-b", vec.Model, "result must be tagged with the model that produced it")
	assert.Equal(t, 1, primary.calls)
}

func TestEmbedFailsOverOnRateLimit(t *testing.T) {
	primary := newFake("primary", "model-a")
	primary.embedErr = &ProviderError{Provider: "primary", RateLimited: true, Err: errors.New("429")}
	secondary := newFake("secondary", "model-b")

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	vec, err := f.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "secondary", vec.Provider)
}

func TestEmbedSkipsUnavailableProviders(t *testing.T) {
	primary := newFake("primary", "model-a")
	primary.available = false
	secondary := newFake("secondary", "model-b")

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	vec, err := f.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "secondary", vec.Provider)
	assert.Zero(t, primary.calls, "unavailable providers must never be called")
}

func TestEmbedAllProvidersFail(t *testing.T) {
	primary := newFake("primary", "model-a")
	primary.embedErr = &ProviderError{Provider: "primary", Err: errors.New("down")}
	secondary := newFake("secondary", "model-b")
	secondary.embedErr = &ProviderError{Provider: "secondary", Err: errors.New("also down")}

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	_, err = f.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.False(t, IsOversized(err))
}

func TestEmbedOversizedForAllProviders(t *testing.T) {
	primary := newFake("primary", "model-a")
	primary.maxChars = 10
	secondary := newFake("secondary", "model-b")
	secondary.maxChars = 20

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	_, err = f.Embed(context.Background(), strings.Repeat("x", 50))
	require.Error(t, err)
	assert.True(t, IsOversized(err))
	assert.Zero(t, primary.calls)
	assert.Zero(t, secondary.calls)
}

func TestEmbedOversizedForSomeProviders(t *testing.T) {
	// Too big for the primary but within the secondary's limit: the chain
	// must route around, not reject.
	primary := newFake("primary", "model-a")
	primary.maxChars = 10
	secondary := newFake("secondary", "model-b")
	secondary.maxChars = 1000

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)

	vec, err := f.Embed(context.Background(), strings.Repeat("x", 50))
	require.NoError(t, err)
	assert.Equal(t, "secondary", vec.Provider)
	assert.Zero(t, primary.calls)
}

func TestEmbedEmptyText(t *testing.T) {
	f, err := NewFailoverEmbedder([]EmbeddingProvider{newFake("p", "m")}, FailoverConfig{})
	require.NoError(t, err)
	_, err = f.Embed(context.Background(), "")
	assert.Error(t, err)
}

func TestNewFailoverEmbedderNoProviders(t *testing.T) {
	p := newFake("p", "m")
	p.available = false

	_, err := NewFailoverEmbedder([]EmbeddingProvider{p}, FailoverConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestModelFollowsFirstAvailable(t *testing.T) {
	primary := newFake("primary", "model-a")
	primary.available = false
	secondary := newFake("secondary", "model-b")

	f, err := NewFailoverEmbedder([]EmbeddingProvider{primary, secondary}, FailoverConfig{})
	require.NoError(t, err)
	assert.Equal(t, "model-b", f.Model())
}

func TestDimensions(t *testing.T) {
	f, err := NewFailoverEmbedder([]EmbeddingProvider{newFake("p", "model-a")}, FailoverConfig{})
	require.NoError(t, err)

	dims, err := f.Dimensions("model-a")
	require.NoError(t, err)
	assert.Equal(t, 4, dims)

	_, err = f.Dimensions("unknown-model")
	assert.Error(t, err)
}

func TestMaxInputCharsIsChainMax(t *testing.T) {
	small := newFake("small", "model-a")
	small.maxChars = 100
	large := newFake("large", "model-b")
	large.maxChars = 5000

	f, err := NewFailoverEmbedder([]EmbeddingProvider{small, large}, FailoverConfig{})
	require.NoError(t, err)
	assert.Equal(t, 5000, f.MaxInputChars())
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	f, err := NewFailoverEmbedder([]EmbeddingProvider{newFake("p", "m")}, FailoverConfig{})
	require.NoError(t, err)

	texts := []string{"one", "two", "three", "four", "five", "six"}
	vectors, err := f.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vectors, len(texts))
	for _, v := range vectors {
		assert.Equal(t, "m", v.Model)
	}
}

func TestEmbedCancelledContext(t *testing.T) {
	p := newFake("p", "m")
	f, err := NewFailoverEmbedder([]EmbeddingProvider{p}, FailoverConfig{
		RateLimits: map[string]float64{"p": 0.001},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	// First call consumes the limiter burst so the next one must wait.
	_, err = f.Embed(ctx, "first")
	require.NoError(t, err)

	cancel()
	_, err = f.Embed(ctx, "second")
	assert.Error(t, err)
}
