package search

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/querycache"
	"github.com/fyrsmithlabs/recalld/internal/recordstore"
)

// errDeadline signals the outer search deadline expired; the best
// results gathered so far are returned instead of an error.
var errDeadline = errors.New("search deadline reached")

// Options are the caller-facing search parameters.
type Options struct {
	// Project scopes tiers 0 and 1. Tier 2 searches across projects.
	Project string

	// Tags filters results to reflections carrying at least one of them.
	Tags []string

	// Limit caps the result count. Zero uses the configured default.
	Limit int

	// MinScore drops results below it from the final set.
	MinScore float64
}

// Result is one ranked search hit.
type Result struct {
	Reflection *recordstore.Reflection
	Score      float64
}

// RankedResults is a search response.
type RankedResults struct {
	Results []Result

	// TierReached is the deepest tier executed (0..2).
	TierReached int

	// Degraded is set when the embedding path was needed but
	// unavailable, so only lexical tiers contributed.
	Degraded bool

	// FromCache is set when the response was served from the query cache.
	FromCache bool
}

// Config holds search tier tuning.
type Config struct {
	// MinResults is how many confident results end the tier progression.
	MinResults int

	// Tier thresholds are the per-tier confidence scores used for early
	// stopping. Tier2Threshold is deliberately lower and doubles as the
	// inclusion floor for broadened cross-project hits.
	Tier0Threshold float64
	Tier1Threshold float64
	Tier2Threshold float64

	// TierTimeout bounds each tier; an expired tier contributes nothing
	// and the next tier runs.
	TierTimeout time.Duration

	// OverallTimeout bounds the whole search; on expiry the best results
	// gathered so far are returned.
	OverallTimeout time.Duration

	// DefaultLimit applies when Options.Limit is zero.
	DefaultLimit int
}

// Engine orchestrates tiered search over the record store.
type Engine struct {
	cfg       Config
	store     recordstore.Store
	embedder  *embeddings.Gateway
	cache     *querycache.Cache
	clusterer *cluster.Clusterer
	logger    *zap.Logger
	metrics   *Metrics
}

// New creates a search engine. cache and clusterer may be nil, which
// disables memoization and category narrowing respectively.
func New(cfg Config, store recordstore.Store, embedder *embeddings.Gateway, cache *querycache.Cache, clusterer *cluster.Clusterer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinResults <= 0 {
		cfg.MinResults = 3
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = 2 * time.Second
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 10 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		embedder:  embedder,
		cache:     cache,
		clusterer: clusterer,
		logger:    logger,
	}
}

// SetMetrics attaches Prometheus metrics. Optional.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// Search runs the progressive tier pipeline for query.
//
// Tiers execute strictly in order with early stopping. Only a record
// store failure is surfaced as an error; the embedding path degrades.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*RankedResults, error) {
	start := time.Now()
	if opts.Limit <= 0 {
		opts.Limit = e.cfg.DefaultLimit
	}

	normalized := Normalize(query)
	if normalized == "" {
		return &RankedResults{}, nil
	}

	fingerprint := querycache.Fingerprint(normalized, querycache.Options{
		Project:  opts.Project,
		Tags:     opts.Tags,
		Limit:    opts.Limit,
		MinScore: opts.MinScore,
	})

	if e.cache != nil {
		if entry := e.cache.Get(ctx, fingerprint); entry != nil {
			res, err := e.hydrate(ctx, entry)
			if err != nil {
				return nil, err
			}
			e.metrics.recordSearch(time.Since(start).Seconds(), res.Degraded, true)
			return res, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OverallTimeout)
	defer cancel()

	res, err := e.runTiers(ctx, normalized, opts)
	if err != nil {
		return nil, err
	}

	// Empty sets carry no category or tag handles for invalidation, so a
	// cached empty could only ever expire by TTL. Leave them uncached.
	if e.cache != nil && len(res.Results) > 0 {
		e.cache.Put(context.WithoutCancel(ctx), cacheEntry(fingerprint, res))
	}

	e.metrics.recordSearch(time.Since(start).Seconds(), res.Degraded, false)
	return res, nil
}

func (e *Engine) runTiers(ctx context.Context, normalized string, opts Options) (*RankedResults, error) {
	variants := ExpandVariants(normalized)
	fetchLimit := opts.Limit * 2
	merged := make(map[string]Result)
	tierReached := 0
	degraded := false

	// Tier 0: lexical.
	err := e.runTier(ctx, "0", func(tctx context.Context) error {
		for _, v := range variants {
			hits, err := e.store.LexicalSearch(tctx, v, opts.Project, fetchLimit)
			if err != nil {
				return err
			}
			mergeHits(merged, hits, opts.Tags)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDeadline) {
		return nil, err
	}
	if errors.Is(err, errDeadline) || e.satisfied(merged, e.cfg.Tier0Threshold) {
		return e.finish(merged, tierReached, degraded, opts), nil
	}

	// Embed the variants once for both semantic tiers.
	if e.embedder == nil {
		return e.finish(merged, tierReached, true, opts), nil
	}
	var queryVecs [][]float32
	for _, v := range variants {
		vec, embedErr := e.embedder.EmbedQuery(ctx, v)
		if embedErr != nil {
			if ctx.Err() != nil {
				return e.finish(merged, tierReached, degraded, opts), nil
			}
			degraded = true
			break
		}
		queryVecs = append(queryVecs, vec)
	}
	if degraded || len(queryVecs) == 0 {
		return e.finish(merged, tierReached, true, opts), nil
	}

	// Tier 1: embedding similarity, narrowed to the query's category
	// when the clusterer places it confidently.
	tierReached = 1
	categoryID := ""
	if e.clusterer != nil {
		if id, ok := e.clusterer.WithinAssignment(queryVecs[0]); ok {
			categoryID = id
		}
	}
	err = e.runTier(ctx, "1", func(tctx context.Context) error {
		for _, vec := range queryVecs {
			hits, err := e.store.VectorSearch(tctx, vec, opts.Project, categoryID, fetchLimit)
			if err != nil {
				return err
			}
			mergeHits(merged, hits, opts.Tags)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDeadline) {
		return nil, err
	}
	if errors.Is(err, errDeadline) || e.satisfied(merged, e.cfg.Tier1Threshold) {
		return e.finish(merged, tierReached, degraded, opts), nil
	}

	// Tier 2: broadened semantic, cross-project, no category narrowing.
	tierReached = 2
	err = e.runTier(ctx, "2", func(tctx context.Context) error {
		for _, vec := range queryVecs {
			hits, err := e.store.VectorSearch(tctx, vec, "", "", fetchLimit)
			if err != nil {
				return err
			}
			// Broadened recall still needs a floor; below it cross-project
			// hits are noise.
			kept := make([]recordstore.ScoredReflection, 0, len(hits))
			for _, h := range hits {
				if h.Score >= e.cfg.Tier2Threshold {
					kept = append(kept, h)
				}
			}
			mergeHits(merged, kept, opts.Tags)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDeadline) {
		return nil, err
	}
	return e.finish(merged, tierReached, degraded, opts), nil
}

// runTier executes one tier under its own timeout. A tier timeout is an
// empty tier, the outer deadline returns errDeadline, and only record
// store unavailability is fatal.
func (e *Engine) runTier(ctx context.Context, tier string, fn func(context.Context) error) error {
	e.metrics.recordTier(tier)

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TierTimeout)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errDeadline
	}
	if tctx.Err() != nil {
		e.metrics.recordTierTimeout(tier)
		e.logger.Warn("search tier timed out", zap.String("tier", tier))
		return nil
	}
	if errors.Is(err, recordstore.ErrUnreachable) {
		return err
	}
	e.logger.Warn("search tier failed, continuing",
		zap.String("tier", tier),
		zap.Error(err))
	return nil
}

// satisfied reports whether enough results meet the tier's confidence
// threshold to stop early.
func (e *Engine) satisfied(merged map[string]Result, threshold float64) bool {
	confident := 0
	for _, r := range merged {
		if r.Score >= threshold {
			confident++
			if confident >= e.cfg.MinResults {
				return true
			}
		}
	}
	return false
}

// finish ranks the merged set and applies the caller's filters.
func (e *Engine) finish(merged map[string]Result, tierReached int, degraded bool, opts Options) *RankedResults {
	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		if r.Score < opts.MinScore {
			continue
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Reflection.CreatedAt.After(results[j].Reflection.CreatedAt)
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return &RankedResults{
		Results:     results,
		TierReached: tierReached,
		Degraded:    degraded,
	}
}

// mergeHits folds tier hits into the result set keyed by reflection ID,
// keeping the maximum score per reflection so variant overlap is never
// double-counted. An optional tag filter applies before merging.
func mergeHits(merged map[string]Result, hits []recordstore.ScoredReflection, tagFilter []string) {
	for _, hit := range hits {
		if len(tagFilter) > 0 && !hasAnyTag(hit.Reflection.Tags, tagFilter) {
			continue
		}
		id := hit.Reflection.ID
		if existing, ok := merged[id]; !ok || hit.Score > existing.Score {
			merged[id] = Result{Reflection: hit.Reflection, Score: hit.Score}
		}
	}
}

func hasAnyTag(tags, wanted []string) bool {
	for _, w := range wanted {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}

// hydrate rebuilds a response from a cached entry. Reflections deleted
// since caching are skipped; a store failure is fatal as usual.
func (e *Engine) hydrate(ctx context.Context, entry *querycache.Entry) (*RankedResults, error) {
	results := make([]Result, 0, len(entry.Results))
	for _, sc := range entry.Results {
		r, err := e.store.FetchByID(ctx, sc.ReflectionID)
		if errors.Is(err, recordstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Reflection: r, Score: sc.Score})
	}
	return &RankedResults{
		Results:     results,
		TierReached: entry.TierReached,
		Degraded:    entry.Degraded,
		FromCache:   true,
	}, nil
}

// cacheEntry converts a response into its cached form, tagged with the
// categories and tags present in the result set for future invalidation.
func cacheEntry(fingerprint uint64, res *RankedResults) *querycache.Entry {
	entry := &querycache.Entry{
		Fingerprint: fingerprint,
		TierReached: res.TierReached,
		Degraded:    res.Degraded,
	}
	catSeen := make(map[string]struct{})
	tagSeen := make(map[string]struct{})
	for _, r := range res.Results {
		entry.Results = append(entry.Results, querycache.ScoredID{
			ReflectionID: r.Reflection.ID,
			Score:        r.Score,
		})
		if c := r.Reflection.CategoryID; c != "" {
			if _, dup := catSeen[c]; !dup {
				catSeen[c] = struct{}{}
				entry.Categories = append(entry.Categories, c)
			}
		}
		for _, t := range r.Reflection.Tags {
			if _, dup := tagSeen[t]; !dup {
				tagSeen[t] = struct{}{}
				entry.Tags = append(entry.Tags, t)
			}
		}
	}
	return entry
}
