package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
)

// Config is the root configuration for recalld.
type Config struct {
	Logging     logging.Config    `koanf:"logging"`
	RecordStore RecordStoreConfig `koanf:"recordstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Cache       CacheConfig       `koanf:"cache"`
	Fingerprint FingerprintConfig `koanf:"fingerprint"`
	Cluster     ClusterConfig     `koanf:"cluster"`
	Search      SearchConfig      `koanf:"search"`
	Write       WriteConfig       `koanf:"write"`
}

// RecordStoreConfig selects and configures the record store backend.
type RecordStoreConfig struct {
	// Provider is the backend: "sqlite" (default) or "chromem".
	Provider string `koanf:"provider"`

	// Path is the storage location. For sqlite this is the database file,
	// for chromem the persistence directory (empty = in-memory).
	Path string `koanf:"path"`

	// VectorSize is the embedding dimension stored alongside reflections.
	// Must match the embedding provider's output dimension.
	VectorSize int `koanf:"vector_size"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is the embedding backend: "fastembed" (default) or "none".
	// "none" disables embeddings; searches degrade to lexical tiers.
	Provider string `koanf:"provider"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// CacheDir is the model download cache directory.
	CacheDir string `koanf:"cache_dir"`
}

// CacheConfig configures the two-level query cache.
type CacheConfig struct {
	// L1Capacity is the bounded size of the in-process LRU level.
	L1Capacity int `koanf:"l1_capacity"`

	// L2Path is the SQLite file backing the persistent level.
	// Empty disables L2.
	L2Path string `koanf:"l2_path"`

	// L2Capacity bounds the persistent level's entry count.
	L2Capacity int `koanf:"l2_capacity"`

	// TTL is how long a cache entry stays valid.
	TTL time.Duration `koanf:"ttl"`

	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// GraceWindow is how long shutdown waits for in-flight reads to
	// drain before background structures are torn down.
	GraceWindow time.Duration `koanf:"grace_window"`
}

// FingerprintConfig configures MinHash signatures and duplicate detection.
type FingerprintConfig struct {
	// ShingleSize is the word-shingle width used for signatures.
	ShingleSize int `koanf:"shingle_size"`

	// DuplicateThreshold is the estimated Jaccard similarity at or above
	// which content is treated as a duplicate on write.
	DuplicateThreshold float64 `koanf:"duplicate_threshold"`
}

// ClusterConfig configures the category clusterer.
type ClusterConfig struct {
	// AssignmentThreshold is the maximum cosine distance for assigning a
	// reflection to an existing centroid.
	AssignmentThreshold float64 `koanf:"assignment_threshold"`

	// MergeThreshold is the pairwise cosine distance below which two
	// centroids are merged during reclustering.
	MergeThreshold float64 `koanf:"merge_threshold"`

	// SplitVariance is the member variance above which a centroid is
	// split during reclustering.
	SplitVariance float64 `koanf:"split_variance"`

	// DecayWindow marks centroids for pruning when their membership has
	// not grown within this window.
	DecayWindow time.Duration `koanf:"decay_window"`

	// ReclusterInterval is how often the background recluster pass runs.
	// Zero disables the scheduler; reclustering stays on-demand.
	ReclusterInterval time.Duration `koanf:"recluster_interval"`
}

// SearchConfig configures the progressive search engine.
type SearchConfig struct {
	// MinResults is the result count that allows early stopping.
	MinResults int `koanf:"min_results"`

	// Tier0Threshold is the lexical confidence needed to stop at Tier 0.
	Tier0Threshold float64 `koanf:"tier0_threshold"`

	// Tier1Threshold is the similarity needed to stop after Tier 1.
	Tier1Threshold float64 `koanf:"tier1_threshold"`

	// Tier2Threshold is the lowered similarity floor for Tier 2.
	Tier2Threshold float64 `koanf:"tier2_threshold"`

	// TierTimeout bounds each tier; an expired tier contributes nothing
	// and the next tier runs.
	TierTimeout time.Duration `koanf:"tier_timeout"`

	// OverallTimeout bounds the whole search; on expiry the best results
	// gathered so far are returned.
	OverallTimeout time.Duration `koanf:"overall_timeout"`

	// DefaultLimit is the result limit when the caller passes none.
	DefaultLimit int `koanf:"default_limit"`
}

// WriteConfig configures the write coordinator.
type WriteConfig struct {
	// DuplicatePolicy is applied when a near-duplicate is found:
	// "reject" (default) returns the existing ID without storing,
	// "merge" unions metadata into the existing reflection.
	DuplicatePolicy string `koanf:"duplicate_policy"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	switch c.RecordStore.Provider {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("recordstore.provider must be sqlite or chromem, got %q", c.RecordStore.Provider)
	}
	if c.RecordStore.VectorSize <= 0 {
		return fmt.Errorf("recordstore.vector_size must be positive, got %d", c.RecordStore.VectorSize)
	}
	switch c.Embeddings.Provider {
	case "fastembed", "none":
	default:
		return fmt.Errorf("embeddings.provider must be fastembed or none, got %q", c.Embeddings.Provider)
	}
	if c.Cache.L1Capacity <= 0 {
		return fmt.Errorf("cache.l1_capacity must be positive, got %d", c.Cache.L1Capacity)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Fingerprint.ShingleSize <= 0 {
		return fmt.Errorf("fingerprint.shingle_size must be positive, got %d", c.Fingerprint.ShingleSize)
	}
	if c.Fingerprint.DuplicateThreshold <= 0 || c.Fingerprint.DuplicateThreshold > 1 {
		return fmt.Errorf("fingerprint.duplicate_threshold must be in (0, 1], got %v", c.Fingerprint.DuplicateThreshold)
	}
	if c.Cluster.AssignmentThreshold <= 0 {
		return fmt.Errorf("cluster.assignment_threshold must be positive, got %v", c.Cluster.AssignmentThreshold)
	}
	if c.Search.MinResults <= 0 {
		return fmt.Errorf("search.min_results must be positive, got %d", c.Search.MinResults)
	}
	switch c.Write.DuplicatePolicy {
	case "reject", "merge":
	default:
		return fmt.Errorf("write.duplicate_policy must be reject or merge, got %q", c.Write.DuplicatePolicy)
	}
	return nil
}
