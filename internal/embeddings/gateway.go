package embeddings

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Gateway is a thin adapter over a Provider that turns every provider
// failure into the recoverable ErrUnavailable sentinel. It caches
// nothing; query-embedding reuse is the query cache's concern.
//
// A nil provider is valid and means embeddings are disabled: every call
// returns ErrUnavailable and callers degrade to lexical strategies.
type Gateway struct {
	provider Provider
	logger   *zap.Logger
}

// NewGateway creates a gateway over provider. provider may be nil.
func NewGateway(provider Provider, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{provider: provider, logger: logger}
}

// Available reports whether an embedding provider is configured. A true
// result does not guarantee the next call succeeds; callers must still
// handle ErrUnavailable.
func (g *Gateway) Available() bool {
	return g.provider != nil
}

// Dimension returns the provider's embedding dimension, or 0 when
// embeddings are disabled.
func (g *Gateway) Dimension() int {
	if g.provider == nil {
		return 0
	}
	return g.provider.Dimension()
}

// EmbedQuery embeds a single query string. On any provider failure the
// returned error wraps ErrUnavailable.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if g.provider == nil {
		return nil, ErrUnavailable
	}
	vec, err := g.provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, g.unavailable("query", err)
	}
	return vec, nil
}

// EmbedDocument embeds a single document string. On any provider failure
// the returned error wraps ErrUnavailable.
func (g *Gateway) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	if g.provider == nil {
		return nil, ErrUnavailable
	}
	vecs, err := g.provider.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, g.unavailable("document", err)
	}
	if len(vecs) == 0 {
		return nil, g.unavailable("document", fmt.Errorf("provider returned no embeddings"))
	}
	return vecs[0], nil
}

// Close releases the underlying provider, if any.
func (g *Gateway) Close() error {
	if g.provider == nil {
		return nil
	}
	return g.provider.Close()
}

func (g *Gateway) unavailable(kind string, err error) error {
	g.logger.Warn("embedding failed, degrading",
		zap.String("kind", kind),
		zap.Error(err))
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
