// Package embeddings provides embedding generation and the gateway the
// recall pipeline uses to tolerate an unavailable provider.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for embedding operations.
var (
	// ErrUnavailable indicates the embedding provider cannot serve
	// requests (not loaded, model missing, runtime failure). Callers fall
	// back to text-only strategies; this is recoverable, not fatal.
	ErrUnavailable = errors.New("embedding provider unavailable")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("input text cannot be empty")
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedQuery generates an embedding for a single query. Some models
	// prefix queries differently from documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider is the provider type: "fastembed" or "none".
	Provider string
	// Model is the embedding model name.
	Model string
	// CacheDir is the model cache directory.
	CacheDir string
}

// NewProvider creates an embedding provider from config. The "none"
// provider returns nil; wrap it in a Gateway so callers see
// ErrUnavailable instead of a nil dereference.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "fastembed", "":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
