// Package write owns the reflection insert path: dedup check, embed,
// categorize, persist, index and cache invalidation as one coordinated
// sequence.
package write

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/recalld/internal/cluster"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/fingerprint"
	"github.com/fyrsmithlabs/recalld/internal/querycache"
	"github.com/fyrsmithlabs/recalld/internal/recordstore"
)

// DuplicatePolicy decides what happens when new content near-duplicates
// an existing reflection.
type DuplicatePolicy string

const (
	// PolicyReject returns the existing reflection's ID and stores
	// nothing, guaranteeing at most one logical record per content
	// cluster. This is the default.
	PolicyReject DuplicatePolicy = "reject"

	// PolicyMerge folds the new metadata (tags) into the existing
	// reflection and returns its ID.
	PolicyMerge DuplicatePolicy = "merge"
)

// Config holds write path tuning.
type Config struct {
	// DuplicateThreshold is the estimated Jaccard similarity at or above
	// which content counts as a near-duplicate.
	DuplicateThreshold float64

	// Policy is the near-duplicate handling policy.
	Policy DuplicatePolicy
}

// Metadata accompanies stored content.
type Metadata struct {
	Project string
	Tags    []string
}

// StoreResult reports the outcome of a store call.
type StoreResult struct {
	// ReflectionID is the stored (or pre-existing) reflection.
	ReflectionID string

	// Deduplicated is set when the content matched an existing
	// reflection and no new record was created.
	Deduplicated bool

	// Similarity is the match similarity when Deduplicated is set.
	Similarity float64

	// Degraded is set when the reflection was stored without an
	// embedding because the embedding path was unavailable.
	Degraded bool

	// CategoryID is the assigned category.
	CategoryID string
}

// Coordinator runs the insert sequence. Writes to the same content
// fingerprint serialize through a singleflight group so concurrent
// identical stores produce exactly one record; distinct fingerprints
// proceed in parallel.
type Coordinator struct {
	cfg       Config
	computer  *fingerprint.Computer
	index     *fingerprint.Index
	embedder  *embeddings.Gateway
	clusterer *cluster.Clusterer
	store     recordstore.Store
	cache     *querycache.Cache
	logger    *zap.Logger

	group singleflight.Group
}

// New creates a write coordinator. cache may be nil (no invalidation).
func New(cfg Config, computer *fingerprint.Computer, index *fingerprint.Index, embedder *embeddings.Gateway, clusterer *cluster.Clusterer, store recordstore.Store, cache *querycache.Cache, logger *zap.Logger) (*Coordinator, error) {
	if computer == nil || index == nil || store == nil {
		return nil, fmt.Errorf("computer, index and store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = 0.85
	}
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyReject
	case PolicyReject, PolicyMerge:
	default:
		return nil, fmt.Errorf("unknown duplicate policy: %q", cfg.Policy)
	}
	return &Coordinator{
		cfg:       cfg,
		computer:  computer,
		index:     index,
		embedder:  embedder,
		clusterer: clusterer,
		store:     store,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Store runs the insert sequence for content. Only a record store
// failure aborts the operation; fingerprinting, embedding and indexing
// all degrade locally. Concurrent writes of identical content coalesce
// into one insert; every caller's tags reach the surviving record under
// the merge policy.
func (c *Coordinator) Store(ctx context.Context, content string, meta Metadata) (*StoreResult, error) {
	// Step 1: fingerprint. Never fails the write; untokenizable content
	// gets the sentinel signature and skips dedup.
	sig, shingles := c.computer.Compute(content)

	key := signatureKey(sig)
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.storeLocked(ctx, content, meta, sig, shingles)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*StoreResult)

	// A coalesced caller shares the winner's outcome, which carried the
	// winner's metadata. Under the merge policy this caller's tags still
	// belong on the surviving record.
	if shared && c.cfg.Policy == PolicyMerge && len(meta.Tags) > 0 {
		if err := c.foldTags(ctx, res.ReflectionID, meta.Tags); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// storeLocked runs steps 2..7 with the content fingerprint held by the
// singleflight group.
func (c *Coordinator) storeLocked(ctx context.Context, content string, meta Metadata, sig fingerprint.Signature, shingles int) (*StoreResult, error) {
	// Step 2: dedup.
	if !sig.IsZero() {
		matches := c.index.FindNearDuplicates(sig, c.cfg.DuplicateThreshold, 1)
		if len(matches) > 0 {
			return c.handleDuplicate(ctx, matches[0], meta)
		}
	} else {
		c.logger.Warn("content produced no fingerprint, dedup skipped",
			zap.String("project", meta.Project))
	}

	// Step 3: embed. Unavailable means the record is stored without an
	// embedding and found via lexical tiers only.
	var embedding []float32
	degraded := false
	if c.embedder != nil {
		vec, err := c.embedder.EmbedDocument(ctx, content)
		switch {
		case err == nil:
			embedding = vec
		case errors.Is(err, embeddings.ErrUnavailable):
			degraded = true
		default:
			degraded = true
			c.logger.Warn("embedding failed on write", zap.Error(err))
		}
	} else {
		degraded = true
	}

	// Step 4: categorize.
	categoryID := ""
	if c.clusterer != nil {
		categoryID = c.clusterer.Assign(embedding)
	}

	// Step 5: persist. The only fatal step.
	reflection := &recordstore.Reflection{
		Project:      meta.Project,
		Content:      content,
		Tags:         recordstore.NormalizeTags(meta.Tags),
		CategoryID:   categoryID,
		Embedding:    embedding,
		Signature:    sig.Bytes(),
		ShingleCount: shingles,
		CreatedAt:    time.Now().UTC(),
	}
	id, err := c.store.Persist(ctx, reflection)
	if err != nil {
		return nil, err
	}

	// Step 6: index. Failure here cannot abort a committed write; the
	// index is rebuilt from the store at startup anyway.
	c.index.Insert(id, sig)

	// Step 7: invalidate after commit, never before.
	c.invalidate(ctx, categoryID, reflection.Tags)

	c.logger.Debug("reflection stored",
		zap.String("reflection_id", id),
		zap.String("project", meta.Project),
		zap.String("category_id", categoryID),
		zap.Bool("degraded", degraded))

	return &StoreResult{
		ReflectionID: id,
		Degraded:     degraded,
		CategoryID:   categoryID,
	}, nil
}

func (c *Coordinator) handleDuplicate(ctx context.Context, match fingerprint.Match, meta Metadata) (*StoreResult, error) {
	existing, err := c.store.FetchByID(ctx, match.ReflectionID)
	if errors.Is(err, recordstore.ErrNotFound) {
		// Stale index entry; drop it and report no duplicate by letting
		// the caller retry.
		c.index.Remove(match.ReflectionID)
		return nil, fmt.Errorf("duplicate index out of sync, retry: %w", err)
	}
	if err != nil {
		return nil, err
	}

	result := &StoreResult{
		ReflectionID: existing.ID,
		Deduplicated: true,
		Similarity:   match.Similarity,
		CategoryID:   existing.CategoryID,
	}

	if c.cfg.Policy == PolicyMerge && len(meta.Tags) > 0 {
		if err := c.foldTags(ctx, existing.ID, meta.Tags); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("near-duplicate content rejected",
		zap.String("existing_id", existing.ID),
		zap.Float64("similarity", match.Similarity),
		zap.String("policy", string(c.cfg.Policy)))
	return result, nil
}

// foldTags unions tags into an existing record and invalidates cache
// entries that referenced it. No-op when the union adds nothing.
func (c *Coordinator) foldTags(ctx context.Context, id string, tags []string) error {
	existing, err := c.store.FetchByID(ctx, id)
	if err != nil {
		return err
	}
	merged := recordstore.MergeTags(existing.Tags, tags)
	if len(merged) == len(existing.Tags) {
		return nil
	}
	if err := c.store.UpdateMeta(ctx, id, merged, existing.CategoryID); err != nil {
		return err
	}
	c.invalidate(ctx, existing.CategoryID, merged)
	return nil
}

func (c *Coordinator) invalidate(ctx context.Context, categoryID string, tags []string) {
	if c.cache == nil {
		return
	}
	var categories []string
	if categoryID != "" {
		categories = []string{categoryID}
	}
	c.cache.Invalidate(context.WithoutCancel(ctx), categories, tags)
}

func signatureKey(sig fingerprint.Signature) string {
	if sig.IsZero() {
		// Zero signatures never dedup against each other; give each write
		// its own key so unrelated untokenizable writes do not serialize.
		return "zero:" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return string(sig.Bytes())
}
