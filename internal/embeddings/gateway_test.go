package embeddings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_NilProviderIsUnavailable(t *testing.T) {
	g := NewGateway(nil, nil)

	assert.False(t, g.Available())
	assert.Equal(t, 0, g.Dimension())

	_, err := g.EmbedQuery(context.Background(), "query")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = g.EmbedDocument(context.Background(), "document")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.NoError(t, g.Close())
}

func TestGateway_EmbedQuery(t *testing.T) {
	g := NewGateway(NewMockProvider(64), nil)

	require.True(t, g.Available())
	assert.Equal(t, 64, g.Dimension())

	vec, err := g.EmbedQuery(context.Background(), "database connection pattern")
	require.NoError(t, err)
	assert.Len(t, vec, 64)
}

func TestGateway_ProviderFailureWrapsUnavailable(t *testing.T) {
	provider := NewMockProvider(64)
	provider.SetFailing(true)
	g := NewGateway(provider, nil)

	_, err := g.EmbedQuery(context.Background(), "query")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = g.EmbedDocument(context.Background(), "document")
	assert.ErrorIs(t, err, ErrUnavailable)

	// Recovery: failure is transient, not sticky.
	provider.SetFailing(false)
	_, err = g.EmbedQuery(context.Background(), "query")
	assert.NoError(t, err)
}

func TestMockProvider_Deterministic(t *testing.T) {
	m := NewMockProvider(128)

	a, err := m.EmbedQuery(context.Background(), "use async context managers")
	require.NoError(t, err)
	b, err := m.EmbedQuery(context.Background(), "use async context managers")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMockProvider_SimilarTextsScoreHigher(t *testing.T) {
	m := NewMockProvider(128)
	ctx := context.Background()

	base, _ := m.EmbedQuery(ctx, "database connection pooling pattern")
	similar, _ := m.EmbedQuery(ctx, "database connection pattern")
	unrelated, _ := m.EmbedQuery(ctx, "quarterly sales report friday")

	assert.Greater(t, dot(base, similar), dot(base, unrelated))
}

func TestMockProvider_EmptyInput(t *testing.T) {
	m := NewMockProvider(128)
	_, err := m.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewProvider_None(t *testing.T) {
	p, err := NewProvider(Config{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider(Config{Provider: "quantum"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
