// Package recall wires the retrieval pipeline together and exposes the
// library-level boundary: Search, Store, CacheStats and
// TriggerRecluster.
package recall

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/fingerprint"
	"github.com/fyrsmithlabs/recalld/internal/querycache"
	"github.com/fyrsmithlabs/recalld/internal/recordstore"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/write"
)

// Service owns construction and lifecycle of the recall pipeline.
//
// Construct with New, call Start once to warm internal indexes and
// launch background jobs, and Close to drain and release everything.
type Service struct {
	logger *zap.Logger

	store       recordstore.Store
	embedder    *embeddings.Gateway
	cache       *querycache.Cache
	clusterer   *cluster.Clusterer
	scheduler   *cluster.Scheduler
	index       *fingerprint.Index
	engine      *search.Engine
	coordinator *write.Coordinator

	startOnce sync.Once
	closeOnce sync.Once
}

// Option overrides a dependency during construction, used by tests and
// by embedders that bring their own store.
type Option func(*Service)

// WithStore substitutes the record store backend.
func WithStore(store recordstore.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithEmbeddingProvider substitutes the embedding provider.
func WithEmbeddingProvider(provider embeddings.Provider) Option {
	return func(s *Service) { s.embedder = embeddings.NewGateway(provider, s.logger) }
}

// New builds the full pipeline from configuration.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		store, err := recordstore.New(recordstore.Options{
			Provider: cfg.RecordStore.Provider,
			Path:     cfg.RecordStore.Path,
		}, logger.Named("recordstore"))
		if err != nil {
			return nil, fmt.Errorf("create record store: %w", err)
		}
		s.store = store
	}

	if s.embedder == nil {
		provider, err := embeddings.NewProvider(embeddings.Config{
			Provider: cfg.Embeddings.Provider,
			Model:    cfg.Embeddings.Model,
			CacheDir: cfg.Embeddings.CacheDir,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding provider: %w", err)
		}
		s.embedder = embeddings.NewGateway(provider, logger.Named("embeddings"))
	}

	// Reflections persist their embedding verbatim; a dimension mismatch
	// would poison every cosine comparison, so fail construction instead.
	if dim := s.embedder.Dimension(); dim > 0 && dim != cfg.RecordStore.VectorSize {
		return nil, fmt.Errorf("recordstore.vector_size %d does not match embedding dimension %d",
			cfg.RecordStore.VectorSize, dim)
	}

	cache, err := querycache.New(querycache.Config{
		L1Capacity:    cfg.Cache.L1Capacity,
		L2Path:        cfg.Cache.L2Path,
		L2Capacity:    cfg.Cache.L2Capacity,
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		GraceWindow:   cfg.Cache.GraceWindow,
	}, logger.Named("querycache"))
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	cache.SetMetrics(querycache.NewMetrics())
	s.cache = cache

	s.clusterer = cluster.New(cluster.Config{
		AssignmentThreshold: cfg.Cluster.AssignmentThreshold,
		MergeThreshold:      cfg.Cluster.MergeThreshold,
		SplitVariance:       cfg.Cluster.SplitVariance,
		DecayWindow:         cfg.Cluster.DecayWindow,
	}, logger.Named("cluster"))

	if cfg.Cluster.ReclusterInterval > 0 {
		scheduler, err := cluster.NewScheduler(s.clusterer, cfg.Cluster.ReclusterInterval, logger.Named("cluster"))
		if err != nil {
			return nil, fmt.Errorf("create recluster scheduler: %w", err)
		}
		s.scheduler = scheduler
	}

	s.index = fingerprint.NewIndex(logger.Named("fingerprint"))

	s.engine = search.New(search.Config{
		MinResults:     cfg.Search.MinResults,
		Tier0Threshold: cfg.Search.Tier0Threshold,
		Tier1Threshold: cfg.Search.Tier1Threshold,
		Tier2Threshold: cfg.Search.Tier2Threshold,
		TierTimeout:    cfg.Search.TierTimeout,
		OverallTimeout: cfg.Search.OverallTimeout,
		DefaultLimit:   cfg.Search.DefaultLimit,
	}, s.store, s.embedder, s.cache, s.clusterer, logger.Named("search"))
	s.engine.SetMetrics(search.NewMetrics())

	coordinator, err := write.New(write.Config{
		DuplicateThreshold: cfg.Fingerprint.DuplicateThreshold,
		Policy:             write.DuplicatePolicy(cfg.Write.DuplicatePolicy),
	}, fingerprint.NewComputer(cfg.Fingerprint.ShingleSize), s.index, s.embedder, s.clusterer, s.store, s.cache, logger.Named("write"))
	if err != nil {
		return nil, fmt.Errorf("create write coordinator: %w", err)
	}
	s.coordinator = coordinator

	return s, nil
}

// Start warms the fingerprint index and clusterer from the record store
// and launches background jobs. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		if err := s.warmUp(ctx); err != nil {
			startErr = err
			return
		}
		s.cache.Start()
		if s.scheduler != nil {
			if err := s.scheduler.Start(); err != nil {
				startErr = err
				return
			}
		}
		s.logger.Info("recall service started",
			zap.Int("indexed_fingerprints", s.index.Size()),
			zap.Int("categories", s.clusterer.Size()),
			zap.Bool("embeddings_available", s.embedder.Available()))
	})
	return startErr
}

// warmUp rebuilds in-memory state from persisted reflections. Records
// with corrupt signatures are skipped and logged; they stay searchable
// but invisible to dedup until rewritten.
func (s *Service) warmUp(ctx context.Context) error {
	return s.store.ForEach(ctx, func(r *recordstore.Reflection) error {
		if len(r.Signature) > 0 {
			sig, err := fingerprint.SignatureFromBytes(r.Signature)
			if err != nil {
				s.logger.Error("skipping reflection with corrupt signature",
					zap.String("reflection_id", r.ID),
					zap.Error(err))
			} else {
				s.index.Insert(r.ID, sig)
			}
		}
		s.clusterer.Observe(r.CategoryID, r.Embedding, r.CreatedAt)
		return nil
	})
}

// Search runs the progressive search pipeline.
func (s *Service) Search(ctx context.Context, query string, opts search.Options) (*search.RankedResults, error) {
	return s.engine.Search(ctx, query, opts)
}

// Store runs the coordinated write path.
func (s *Service) Store(ctx context.Context, content string, meta write.Metadata) (*write.StoreResult, error) {
	return s.coordinator.Store(ctx, content, meta)
}

// Stats aggregates operational counters across the pipeline.
type Stats struct {
	Cache               querycache.Stats `json:"cache"`
	IndexedFingerprints int              `json:"indexed_fingerprints"`
	Categories          int              `json:"categories"`
	EmbeddingsAvailable bool             `json:"embeddings_available"`
}

// CacheStats returns query cache hit rates and sizes.
func (s *Service) CacheStats(ctx context.Context) querycache.Stats {
	return s.cache.Stats(ctx)
}

// Stats returns cache counters plus fingerprint index and category sizes.
func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Cache:               s.cache.Stats(ctx),
		IndexedFingerprints: s.index.Size(),
		Categories:          s.clusterer.Size(),
		EmbeddingsAvailable: s.embedder.Available(),
	}
}

// TriggerRecluster runs one recluster batch immediately and returns its
// report.
func (s *Service) TriggerRecluster() cluster.Report {
	return s.clusterer.Recluster()
}

// Close stops background jobs, drains in-flight cache operations and
// releases the store and embedding provider. Idempotent.
func (s *Service) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		if err := s.cache.Close(); err != nil {
			closeErr = err
		}
		if err := s.embedder.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		if err := s.store.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		s.logger.Info("recall service closed")
	})
	return closeErr
}
