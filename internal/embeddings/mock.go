package embeddings

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MockProvider is a deterministic, dependency-free embedding provider for
// tests and offline development. Each token hashes into a fixed slot of
// the vector, so texts sharing words produce similar embeddings and
// cosine similarity behaves directionally like a real model.
type MockProvider struct {
	dimension int

	// FailAll forces every call to fail, for exercising degraded paths.
	mu      sync.RWMutex
	failAll bool
}

// NewMockProvider creates a mock provider with the given dimension.
func NewMockProvider(dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &MockProvider{dimension: dimension}
}

// SetFailing toggles forced failure of all embedding calls.
func (m *MockProvider) SetFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

// EmbedQuery implements Provider.
func (m *MockProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return m.embed(ctx, text)
}

// EmbedDocuments implements Provider.
func (m *MockProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimension implements Provider.
func (m *MockProvider) Dimension() int { return m.dimension }

// Close implements Provider.
func (m *MockProvider) Close() error { return nil }

func (m *MockProvider) embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	failing := m.failAll
	m.mu.RUnlock()
	if failing {
		return nil, ErrUnavailable
	}
	if text == "" {
		return nil, ErrEmptyInput
	}

	vec := make([]float32, m.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		slot := xxhash.Sum64String(token) % uint64(m.dimension)
		vec[slot]++
	}

	// L2-normalize so cosine similarity is a plain dot product.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
