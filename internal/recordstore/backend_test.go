package recordstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backendFixtures returns a fresh instance of every Store backend so the
// contract tests run against both.
func backendFixtures(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reflections.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	chromemStore, err := NewChromemStore(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { chromemStore.Close() })

	return map[string]Store{
		"sqlite":  sqlite,
		"chromem": chromemStore,
	}
}

func newTestReflection(project, content string, embedding []float32) *Reflection {
	return &Reflection{
		Project:   project,
		Content:   content,
		Tags:      []string{"Test", "memory"},
		Embedding: embedding,
	}
}

func TestStore_PersistAndFetch(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			r := newTestReflection("proj-a", "always close the cursor", []float32{1, 0, 0})
			id, err := store.Persist(ctx, r)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := store.FetchByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "always close the cursor", got.Content)
			assert.Equal(t, "proj-a", got.Project)
			assert.Equal(t, []string{"memory", "test"}, got.Tags)
			assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}

func TestStore_TagWithWhitespaceRoundTrips(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			r := newTestReflection("proj-a", "prefer small batches", nil)
			r.Tags = []string{"machine learning"}
			id, err := store.Persist(ctx, r)
			require.NoError(t, err)

			got, err := store.FetchByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []string{"machine-learning"}, got.Tags)
		})
	}
}

func TestStore_PersistRejectsEmptyContent(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Persist(context.Background(), &Reflection{Content: "   "})
			assert.ErrorIs(t, err, ErrInvalidReflection)
		})
	}
}

func TestStore_FetchMissing(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.FetchByID(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_UpdateMeta(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.Persist(ctx, newTestReflection("proj-a", "retry with backoff", []float32{0, 1, 0}))
			require.NoError(t, err)

			require.NoError(t, store.UpdateMeta(ctx, id, []string{"Retry", "http"}, "cat-1"))

			got, err := store.FetchByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []string{"http", "retry"}, got.Tags)
			assert.Equal(t, "cat-1", got.CategoryID)
			assert.Equal(t, "retry with backoff", got.Content)

			assert.ErrorIs(t, store.UpdateMeta(ctx, "missing", nil, ""), ErrNotFound)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := store.Persist(ctx, newTestReflection("proj-a", "delete me", []float32{1, 1, 0}))
			require.NoError(t, err)

			require.NoError(t, store.Delete(ctx, id))
			_, err = store.FetchByID(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Delete(ctx, id), ErrNotFound)
		})
	}
}

func TestStore_LexicalSearch(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Persist(ctx, newTestReflection("proj-a", "database connection pooling saves latency", nil))
			require.NoError(t, err)
			_, err = store.Persist(ctx, newTestReflection("proj-a", "the database schema lives in migrations", nil))
			require.NoError(t, err)
			_, err = store.Persist(ctx, newTestReflection("proj-b", "database connection retries", nil))
			require.NoError(t, err)

			results, err := store.LexicalSearch(ctx, "database connection pooling", "proj-a", 10)
			require.NoError(t, err)
			require.NotEmpty(t, results)

			// Full-overlap match ranks first; proj-b is excluded.
			assert.Equal(t, "database connection pooling saves latency", results[0].Reflection.Content)
			for _, sr := range results {
				assert.Equal(t, "proj-a", sr.Reflection.Project)
			}

			empty, err := store.LexicalSearch(ctx, "???", "proj-a", 10)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestStore_VectorSearch(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			near := newTestReflection("proj-a", "close vector", []float32{1, 0.1, 0})
			far := newTestReflection("proj-a", "far vector", []float32{0, 0, 1})
			noEmbed := newTestReflection("proj-a", "no embedding at all", nil)

			_, err := store.Persist(ctx, near)
			require.NoError(t, err)
			_, err = store.Persist(ctx, far)
			require.NoError(t, err)
			_, err = store.Persist(ctx, noEmbed)
			require.NoError(t, err)

			results, err := store.VectorSearch(ctx, []float32{1, 0, 0}, "proj-a", "", 10)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, "close vector", results[0].Reflection.Content)
			assert.Greater(t, results[0].Score, results[1].Score)
		})
	}
}

func TestStore_VectorSearchCategoryFilter(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := newTestReflection("proj-a", "category one member", []float32{1, 0, 0})
			a.CategoryID = "cat-1"
			b := newTestReflection("proj-a", "category two member", []float32{1, 0, 0})
			b.CategoryID = "cat-2"

			_, err := store.Persist(ctx, a)
			require.NoError(t, err)
			_, err = store.Persist(ctx, b)
			require.NoError(t, err)

			results, err := store.VectorSearch(ctx, []float32{1, 0, 0}, "proj-a", "cat-1", 10)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "category one member", results[0].Reflection.Content)
		})
	}
}

func TestStore_ForEachAndCount(t *testing.T) {
	for name, store := range backendFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := newTestReflection("proj-a", "first reflection", nil)
			first.CreatedAt = time.Now().UTC().Add(-time.Hour)
			second := newTestReflection("proj-a", "second reflection", nil)

			_, err := store.Persist(ctx, first)
			require.NoError(t, err)
			_, err = store.Persist(ctx, second)
			require.NoError(t, err)

			var seen []string
			err = store.ForEach(ctx, func(r *Reflection) error {
				seen = append(seen, r.Content)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"first reflection", "second reflection"}, seen)

			n, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	store, err := New(Options{Provider: "chromem"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, store)

	store, err = New(Options{Provider: "sqlite", Path: filepath.Join(t.TempDir(), "r.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	store.Close()

	_, err = New(Options{Provider: "bolt"}, nil)
	assert.Error(t, err)
}
