package recall

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/write"
)

func testServiceConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RecordStore.Provider = "chromem"
	cfg.RecordStore.VectorSize = 32
	cfg.Embeddings.Provider = "none"
	cfg.Cache.L2Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Cluster.ReclusterInterval = 0
	cfg.Search.MinResults = 1
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg, zap.NewNop(), WithEmbeddingProvider(embeddings.NewMockProvider(32)))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestService_StoreThenSearchScenario(t *testing.T) {
	svc := newTestService(t, testServiceConfig(t))
	ctx := context.Background()

	res, err := svc.Store(ctx, "Use async context managers for DB connections", write.Metadata{
		Project: "p1",
		Tags:    []string{"db"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReflectionID)

	found, err := svc.Search(ctx, "async DB connections pattern", search.Options{Project: "p1"})
	require.NoError(t, err)
	require.NotEmpty(t, found.Results)
	assert.Equal(t, res.ReflectionID, found.Results[0].Reflection.ID)
}

func TestService_DedupIdempotence(t *testing.T) {
	svc := newTestService(t, testServiceConfig(t))
	ctx := context.Background()

	first, err := svc.Store(ctx, "always run migrations inside a transaction", write.Metadata{Project: "p1"})
	require.NoError(t, err)
	sizeBefore := svc.index.Size()

	second, err := svc.Store(ctx, "always run migrations inside a transaction", write.Metadata{Project: "p1"})
	require.NoError(t, err)

	assert.Equal(t, first.ReflectionID, second.ReflectionID)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, sizeBefore, svc.index.Size())
}

func TestService_WriteInvalidatesCachedSearch(t *testing.T) {
	svc := newTestService(t, testServiceConfig(t))
	ctx := context.Background()

	_, err := svc.Store(ctx, "database connection pooling saves latency", write.Metadata{
		Project: "p1",
		Tags:    []string{"db"},
	})
	require.NoError(t, err)

	first, err := svc.Search(ctx, "database connection pooling", search.Options{Project: "p1"})
	require.NoError(t, err)
	require.Len(t, first.Results, 1)

	cached, err := svc.Search(ctx, "database connection pooling", search.Options{Project: "p1"})
	require.NoError(t, err)
	assert.True(t, cached.FromCache)

	// A new write sharing a tag with the cached result set must drop the
	// stale entry.
	_, err = svc.Store(ctx, "database connection pooling needs an upper bound", write.Metadata{
		Project: "p1",
		Tags:    []string{"db"},
	})
	require.NoError(t, err)

	fresh, err := svc.Search(ctx, "database connection pooling", search.Options{Project: "p1"})
	require.NoError(t, err)
	assert.False(t, fresh.FromCache)
	assert.Len(t, fresh.Results, 2)
}

func TestService_SearchRepeatableWithoutWrites(t *testing.T) {
	svc := newTestService(t, testServiceConfig(t))
	ctx := context.Background()

	_, err := svc.Store(ctx, "prefer table driven tests", write.Metadata{Project: "p1"})
	require.NoError(t, err)

	first, err := svc.Search(ctx, "table driven tests", search.Options{Project: "p1"})
	require.NoError(t, err)
	second, err := svc.Search(ctx, "table driven tests", search.Options{Project: "p1"})
	require.NoError(t, err)

	require.Equal(t, len(first.Results), len(second.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Reflection.ID, second.Results[i].Reflection.ID)
	}
}

func TestService_CacheStats(t *testing.T) {
	svc := newTestService(t, testServiceConfig(t))
	ctx := context.Background()

	_, err := svc.Store(ctx, "keep handlers thin", write.Metadata{Project: "p1"})
	require.NoError(t, err)

	_, err = svc.Search(ctx, "thin handlers", search.Options{Project: "p1"})
	require.NoError(t, err)
	_, err = svc.Search(ctx, "thin handlers", search.Options{Project: "p1"})
	require.NoError(t, err)

	stats := svc.CacheStats(ctx)
	assert.Greater(t, stats.L1Hits+stats.L2Hits, uint64(0))

	agg := svc.Stats(ctx)
	assert.Equal(t, 1, agg.IndexedFingerprints)
	assert.GreaterOrEqual(t, agg.Categories, 1)
	assert.True(t, agg.EmbeddingsAvailable)
}

func TestService_TriggerRecluster(t *testing.T) {
	svc := newTestService(t, testServiceConfig(t))
	ctx := context.Background()

	_, err := svc.Store(ctx, "retry transient failures with backoff", write.Metadata{Project: "p1"})
	require.NoError(t, err)

	report := svc.TriggerRecluster()
	assert.GreaterOrEqual(t, report.Centroids, 1)
}

func TestService_WarmUpRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := testServiceConfig(t)
	cfg.RecordStore.Provider = "sqlite"
	cfg.RecordStore.Path = filepath.Join(dir, "reflections.db")

	first := newTestService(t, cfg)
	res, err := first.Store(context.Background(), "never log credentials", write.Metadata{Project: "p1"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	cfg2 := testServiceConfig(t)
	cfg2.RecordStore.Provider = "sqlite"
	cfg2.RecordStore.Path = cfg.RecordStore.Path

	second := newTestService(t, cfg2)
	assert.Equal(t, 1, second.index.Size())

	dup, err := second.Store(context.Background(), "never log credentials", write.Metadata{Project: "p1"})
	require.NoError(t, err)
	assert.True(t, dup.Deduplicated)
	assert.Equal(t, res.ReflectionID, dup.ReflectionID)
}

func TestService_DegradedSearchWithFailingEmbedder(t *testing.T) {
	provider := embeddings.NewMockProvider(32)
	cfg := testServiceConfig(t)
	svc, err := New(cfg, zap.NewNop(), WithEmbeddingProvider(provider))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Close() })
	ctx := context.Background()

	_, err = svc.Store(ctx, "use async context managers", write.Metadata{Project: "p1"})
	require.NoError(t, err)

	provider.SetFailing(true)

	res, err := svc.Search(ctx, "quarterly sales report", search.Options{Project: "p1"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Results)
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_VectorSizeMismatch(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.RecordStore.VectorSize = 384

	_, err := New(cfg, zap.NewNop(), WithEmbeddingProvider(embeddings.NewMockProvider(32)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector_size")
}
