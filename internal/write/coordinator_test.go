package write

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/fingerprint"
	"github.com/fyrsmithlabs/recalld/internal/recordstore"
)

func newTestCoordinator(t *testing.T, cfg Config, provider embeddings.Provider) (*Coordinator, recordstore.Store, *fingerprint.Index) {
	t.Helper()

	store, err := recordstore.NewChromemStore(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index := fingerprint.NewIndex(zap.NewNop())
	gateway := embeddings.NewGateway(provider, nil)
	clusterer := cluster.New(cluster.Config{}, zap.NewNop())

	coord, err := New(cfg, fingerprint.NewComputer(0), index, gateway, clusterer, store, nil, zap.NewNop())
	require.NoError(t, err)
	return coord, store, index
}

func TestStore_BasicWrite(t *testing.T) {
	coord, store, index := newTestCoordinator(t, Config{}, embeddings.NewMockProvider(16))
	ctx := context.Background()

	res, err := coord.Store(ctx, "use async context managers for db connections", Metadata{
		Project: "p1",
		Tags:    []string{"DB", "async"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReflectionID)
	assert.False(t, res.Deduplicated)
	assert.False(t, res.Degraded)
	assert.NotEmpty(t, res.CategoryID)
	assert.Equal(t, 1, index.Size())

	stored, err := store.FetchByID(ctx, res.ReflectionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"async", "db"}, stored.Tags)
	assert.NotEmpty(t, stored.Embedding)
	assert.NotEmpty(t, stored.Signature)
	assert.Equal(t, res.CategoryID, stored.CategoryID)
}

func TestStore_IdenticalContentRejected(t *testing.T) {
	coord, store, index := newTestCoordinator(t, Config{}, embeddings.NewMockProvider(16))
	ctx := context.Background()

	first, err := coord.Store(ctx, "always close the cursor after queries", Metadata{Project: "p1"})
	require.NoError(t, err)

	second, err := coord.Store(ctx, "always close the cursor after queries", Metadata{Project: "p1"})
	require.NoError(t, err)

	assert.Equal(t, first.ReflectionID, second.ReflectionID)
	assert.True(t, second.Deduplicated)
	assert.GreaterOrEqual(t, second.Similarity, 0.99)
	assert.Equal(t, 1, index.Size())

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_NearDuplicateRejected(t *testing.T) {
	coord, store, _ := newTestCoordinator(t, Config{DuplicateThreshold: 0.5}, embeddings.NewMockProvider(16))
	ctx := context.Background()

	base := "always wrap database calls in a retry loop with exponential backoff and jitter"
	first, err := coord.Store(ctx, base, Metadata{Project: "p1"})
	require.NoError(t, err)

	second, err := coord.Store(ctx, base+" please", Metadata{Project: "p1"})
	require.NoError(t, err)

	assert.Equal(t, first.ReflectionID, second.ReflectionID)
	assert.True(t, second.Deduplicated)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_MergePolicyFoldsTags(t *testing.T) {
	coord, store, _ := newTestCoordinator(t, Config{Policy: PolicyMerge}, embeddings.NewMockProvider(16))
	ctx := context.Background()

	first, err := coord.Store(ctx, "prefer prepared statements for hot paths", Metadata{
		Project: "p1",
		Tags:    []string{"db"},
	})
	require.NoError(t, err)

	second, err := coord.Store(ctx, "prefer prepared statements for hot paths", Metadata{
		Project: "p1",
		Tags:    []string{"performance"},
	})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)

	stored, err := store.FetchByID(ctx, first.ReflectionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "performance"}, stored.Tags)
}

func TestStore_EmbeddingUnavailableDegrades(t *testing.T) {
	provider := embeddings.NewMockProvider(16)
	provider.SetFailing(true)
	coord, store, _ := newTestCoordinator(t, Config{}, provider)
	ctx := context.Background()

	res, err := coord.Store(ctx, "stored without an embedding", Metadata{Project: "p1"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	stored, err := store.FetchByID(ctx, res.ReflectionID)
	require.NoError(t, err)
	assert.Empty(t, stored.Embedding)
	assert.NotEmpty(t, stored.Signature)
}

func TestStore_UntokenizableContentStillStored(t *testing.T) {
	coord, store, index := newTestCoordinator(t, Config{}, embeddings.NewMockProvider(16))
	ctx := context.Background()

	res, err := coord.Store(ctx, "!!! ???", Metadata{Project: "p1"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ReflectionID)
	assert.False(t, res.Deduplicated)

	// Zero-signature records exist but never dedup against anything.
	res2, err := coord.Store(ctx, "... ---", Metadata{Project: "p1"})
	require.NoError(t, err)
	assert.NotEqual(t, res.ReflectionID, res2.ReflectionID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, index.Size())
}

func TestStore_ConcurrentIdenticalWritesProduceOneRecord(t *testing.T) {
	coord, store, _ := newTestCoordinator(t, Config{}, embeddings.NewMockProvider(16))
	ctx := context.Background()

	const writers = 16
	ids := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := coord.Store(ctx, "identical concurrent content for everyone", Metadata{Project: "p1"})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = res.ReflectionID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// gatedStore blocks the first Persist until released so a second writer
// can reliably join the in-flight write.
type gatedStore struct {
	recordstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Persist(ctx context.Context, r *recordstore.Reflection) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.Persist(ctx, r)
}

func TestStore_CoalescedWriteStillMergesTags(t *testing.T) {
	base, err := recordstore.NewChromemStore(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	gate := &gatedStore{
		Store:   base,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	gateway := embeddings.NewGateway(embeddings.NewMockProvider(16), nil)
	clusterer := cluster.New(cluster.Config{}, zap.NewNop())
	coord, err := New(Config{Policy: PolicyMerge}, fingerprint.NewComputer(0),
		fingerprint.NewIndex(nil), gateway, clusterer, gate, nil, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	content := "pin dependency versions in ci images"
	results := make([]*StoreResult, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = coord.Store(ctx, content, Metadata{Project: "p1", Tags: []string{"ci"}})
	}()
	<-gate.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = coord.Store(ctx, content, Metadata{Project: "p1", Tags: []string{"docker"}})
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ReflectionID, results[1].ReflectionID)

	stored, err := base.FetchByID(ctx, results[0].ReflectionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ci", "docker"}, stored.Tags)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	store, err := recordstore.NewChromemStore(zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, err = New(Config{Policy: "upsert"}, fingerprint.NewComputer(0), fingerprint.NewIndex(nil), nil, nil, store, nil, nil)
	assert.Error(t, err)
}
