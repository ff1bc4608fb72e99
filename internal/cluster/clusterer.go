// Package cluster maintains evolving topic centroids used to categorize
// stored reflections and to narrow search.
package cluster

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/recordstore"
)

// memberSampleCap bounds the per-centroid member sample kept for split
// refits.
const memberSampleCap = 32

// Centroid is the representative embedding of one category.
type Centroid struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`

	// Embedding is the running-mean member embedding. Nil for categories
	// created from embedding-less reflections; such centroids never
	// attract further members.
	Embedding []float32 `json:"embedding,omitempty"`

	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastGrownAt time.Time `json:"last_grown_at"`

	// Decayed marks a centroid for pruning on the next recluster pass.
	Decayed bool `json:"decayed"`

	// memberSample holds up to memberSampleCap recent member embeddings
	// for variance estimation and split refits.
	memberSample [][]float32
}

func (c *Centroid) clone() *Centroid {
	cp := *c
	cp.Embedding = append([]float32(nil), c.Embedding...)
	cp.memberSample = make([][]float32, len(c.memberSample))
	copy(cp.memberSample, c.memberSample)
	return &cp
}

// Config holds the clustering thresholds. Thresholds are cosine
// distances (1 - similarity).
type Config struct {
	// AssignmentThreshold is the maximum distance at which an embedding
	// joins an existing centroid.
	AssignmentThreshold float64

	// MergeThreshold is the pairwise distance below which two centroids
	// merge during recluster.
	MergeThreshold float64

	// SplitVariance is the member variance above which a centroid splits.
	SplitVariance float64

	// DecayWindow marks centroids whose member count has not grown for
	// this long.
	DecayWindow time.Duration
}

// Report summarizes one recluster pass.
type Report struct {
	Merged    int           `json:"merged"`
	Split     int           `json:"split"`
	Decayed   int           `json:"decayed"`
	Pruned    int           `json:"pruned"`
	Centroids int           `json:"centroids"`
	Duration  time.Duration `json:"duration"`
}

// snapshot is the immutable centroid set visible to readers.
type snapshot struct {
	centroids map[string]*Centroid
}

// Clusterer owns category centroid lifetime.
//
// Reads (Get, Nearest) are lock-free against an atomically published
// snapshot, so no partial recluster state is ever visible. Mutations
// (Assign, Recluster) serialize on a mutex, build a fresh snapshot and
// publish it with a single pointer swap.
type Clusterer struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

// New creates a clusterer with no centroids.
func New(cfg Config, logger *zap.Logger) *Clusterer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AssignmentThreshold <= 0 {
		cfg.AssignmentThreshold = 0.35
	}
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = 0.15
	}
	if cfg.SplitVariance <= 0 {
		cfg.SplitVariance = 0.25
	}
	if cfg.DecayWindow <= 0 {
		cfg.DecayWindow = 30 * 24 * time.Hour
	}

	c := &Clusterer{cfg: cfg, logger: logger, now: time.Now}
	c.snap.Store(&snapshot{centroids: map[string]*Centroid{}})
	return c
}

// Assign returns the category for an embedding, creating a new leaf
// when no existing centroid is within the assignment threshold or when
// the embedding is absent. The matched centroid's member count and
// running mean are updated.
func (c *Clusterer) Assign(embedding []float32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	current := c.snap.Load()

	if len(embedding) > 0 {
		if id, dist := nearestIn(current.centroids, embedding); id != "" && dist <= c.cfg.AssignmentThreshold {
			next := cloneCentroids(current.centroids)
			cent := next[id]
			cent.Embedding = runningMean(cent.Embedding, embedding, cent.MemberCount)
			cent.MemberCount++
			cent.LastGrownAt = now
			cent.memberSample = appendSample(cent.memberSample, embedding)
			c.snap.Store(&snapshot{centroids: next})
			return id
		}
	}

	// New leaf, parented to the nearest existing centroid if any.
	cent := &Centroid{
		ID:          uuid.NewString(),
		Embedding:   append([]float32(nil), embedding...),
		MemberCount: 1,
		CreatedAt:   now,
		LastGrownAt: now,
	}
	if len(embedding) > 0 {
		if parentID, _ := nearestIn(current.centroids, embedding); parentID != "" {
			cent.ParentID = parentID
		}
		cent.memberSample = appendSample(nil, embedding)
	}

	next := cloneCentroids(current.centroids)
	next[cent.ID] = cent
	c.snap.Store(&snapshot{centroids: next})

	c.logger.Debug("category created",
		zap.String("category_id", cent.ID),
		zap.String("parent_id", cent.ParentID))
	return cent.ID
}

// Observe seeds the clusterer with an already-categorized reflection,
// used during startup warm-up. Unknown category IDs recreate their
// centroid.
func (c *Clusterer) Observe(categoryID string, embedding []float32, createdAt time.Time) {
	if categoryID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := cloneCentroids(c.snap.Load().centroids)
	cent, ok := next[categoryID]
	if !ok {
		cent = &Centroid{ID: categoryID, CreatedAt: createdAt, LastGrownAt: createdAt}
		next[categoryID] = cent
	}
	if len(embedding) > 0 {
		cent.Embedding = runningMean(cent.Embedding, embedding, cent.MemberCount)
		cent.memberSample = appendSample(cent.memberSample, embedding)
	}
	cent.MemberCount++
	if createdAt.After(cent.LastGrownAt) {
		cent.LastGrownAt = createdAt
	}
	c.snap.Store(&snapshot{centroids: next})
}

// Nearest returns the closest non-decayed centroid to an embedding and
// its cosine distance. ok is false when no centroid qualifies.
func (c *Clusterer) Nearest(embedding []float32) (id string, distance float64, ok bool) {
	if len(embedding) == 0 {
		return "", 0, false
	}
	id, distance = nearestIn(c.snap.Load().centroids, embedding)
	return id, distance, id != ""
}

// WithinAssignment reports whether the nearest centroid is inside the
// assignment threshold, for category-narrowed search.
func (c *Clusterer) WithinAssignment(embedding []float32) (string, bool) {
	id, dist, ok := c.Nearest(embedding)
	if !ok || dist > c.cfg.AssignmentThreshold {
		return "", false
	}
	return id, true
}

// Get returns a copy of the centroid with the given id.
func (c *Clusterer) Get(id string) (*Centroid, bool) {
	cent, ok := c.snap.Load().centroids[id]
	if !ok {
		return nil, false
	}
	return cent.clone(), true
}

// Size returns the current number of centroids.
func (c *Clusterer) Size() int {
	return len(c.snap.Load().centroids)
}

// Recluster runs one merge/split/decay batch. The updated centroid set
// becomes visible to Assign and Nearest only after the batch completes.
func (c *Clusterer) Recluster() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	next := cloneCentroids(c.snap.Load().centroids)
	report := Report{}

	report.Pruned = pruneDecayed(next)
	report.Merged = c.mergePass(next)
	report.Split = c.splitPass(next, start)
	report.Decayed = c.decayPass(next, start)
	report.Centroids = len(next)
	report.Duration = c.now().Sub(start)

	c.snap.Store(&snapshot{centroids: next})

	c.logger.Info("recluster completed",
		zap.Int("merged", report.Merged),
		zap.Int("split", report.Split),
		zap.Int("decayed", report.Decayed),
		zap.Int("pruned", report.Pruned),
		zap.Int("centroids", report.Centroids),
		zap.Duration("duration", report.Duration))
	return report
}

// mergePass folds together centroid pairs closer than the merge
// threshold. The smaller member joins the larger; children re-parent.
func (c *Clusterer) mergePass(centroids map[string]*Centroid) int {
	merged := 0
	for {
		var keepID, dropID string
		for idA, a := range centroids {
			if len(a.Embedding) == 0 {
				continue
			}
			for idB, b := range centroids {
				if idA >= idB || len(b.Embedding) == 0 {
					continue
				}
				if cosineDistance(a.Embedding, b.Embedding) < c.cfg.MergeThreshold {
					keepID, dropID = idA, idB
					if b.MemberCount > a.MemberCount {
						keepID, dropID = idB, idA
					}
					break
				}
			}
			if keepID != "" {
				break
			}
		}
		if keepID == "" {
			return merged
		}

		keep, drop := centroids[keepID], centroids[dropID]
		keep.Embedding = weightedMean(keep.Embedding, keep.MemberCount, drop.Embedding, drop.MemberCount)
		keep.MemberCount += drop.MemberCount
		if drop.LastGrownAt.After(keep.LastGrownAt) {
			keep.LastGrownAt = drop.LastGrownAt
		}
		for _, sample := range drop.memberSample {
			keep.memberSample = appendSample(keep.memberSample, sample)
		}
		delete(centroids, dropID)
		for _, cent := range centroids {
			if cent.ParentID == dropID {
				cent.ParentID = keepID
			}
		}
		merged++
	}
}

// splitPass runs a local 2-means refit on centroids whose member sample
// variance exceeds the split threshold, producing two children.
func (c *Clusterer) splitPass(centroids map[string]*Centroid, now time.Time) int {
	split := 0
	var parents []*Centroid
	for _, cent := range centroids {
		if len(cent.memberSample) >= 4 && sampleVariance(cent.Embedding, cent.memberSample) > c.cfg.SplitVariance {
			parents = append(parents, cent)
		}
	}

	for _, parent := range parents {
		left, right := twoMeans(parent.memberSample)
		if left == nil || right == nil {
			continue
		}
		half := parent.MemberCount / 2
		for _, childEmbedding := range [][]float32{left, right} {
			count := half
			if childEmbedding == nil {
				continue
			}
			if count < 1 {
				count = 1
			}
			child := &Centroid{
				ID:          uuid.NewString(),
				ParentID:    parent.ID,
				Embedding:   childEmbedding,
				MemberCount: count,
				CreatedAt:   now,
				LastGrownAt: now,
			}
			centroids[child.ID] = child
		}
		parent.memberSample = nil
		split++
	}
	return split
}

// decayPass marks centroids that have not grown within the decay window.
func (c *Clusterer) decayPass(centroids map[string]*Centroid, now time.Time) int {
	decayed := 0
	cutoff := now.Add(-c.cfg.DecayWindow)
	for _, cent := range centroids {
		if !cent.Decayed && cent.LastGrownAt.Before(cutoff) {
			cent.Decayed = true
			decayed++
		}
	}
	return decayed
}

// pruneDecayed removes centroids marked decayed on a previous pass,
// re-parenting their children.
func pruneDecayed(centroids map[string]*Centroid) int {
	pruned := 0
	for id, cent := range centroids {
		if !cent.Decayed {
			continue
		}
		delete(centroids, id)
		for _, other := range centroids {
			if other.ParentID == id {
				other.ParentID = cent.ParentID
			}
		}
		pruned++
	}
	return pruned
}

func nearestIn(centroids map[string]*Centroid, embedding []float32) (string, float64) {
	bestID := ""
	bestDist := math.MaxFloat64
	for id, cent := range centroids {
		if cent.Decayed || len(cent.Embedding) == 0 {
			continue
		}
		if dist := cosineDistance(cent.Embedding, embedding); dist < bestDist {
			bestID, bestDist = id, dist
		}
	}
	return bestID, bestDist
}

func cloneCentroids(centroids map[string]*Centroid) map[string]*Centroid {
	next := make(map[string]*Centroid, len(centroids))
	for id, cent := range centroids {
		next[id] = cent.clone()
	}
	return next
}

func cosineDistance(a, b []float32) float64 {
	return 1 - recordstore.CosineSimilarity(a, b)
}

func runningMean(mean, embedding []float32, count int) []float32 {
	if len(mean) != len(embedding) || count <= 0 {
		return append([]float32(nil), embedding...)
	}
	next := make([]float32, len(mean))
	n := float32(count)
	for i := range mean {
		next[i] = (mean[i]*n + embedding[i]) / (n + 1)
	}
	return next
}

func weightedMean(a []float32, na int, b []float32, nb int) []float32 {
	if len(a) != len(b) {
		if len(a) == 0 {
			return append([]float32(nil), b...)
		}
		return append([]float32(nil), a...)
	}
	total := float32(na + nb)
	if total == 0 {
		return append([]float32(nil), a...)
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = (a[i]*float32(na) + b[i]*float32(nb)) / total
	}
	return out
}

func appendSample(sample [][]float32, embedding []float32) [][]float32 {
	cp := append([]float32(nil), embedding...)
	if len(sample) < memberSampleCap {
		return append(sample, cp)
	}
	// Overwrite a rotating slot so the sample stays recent.
	copy(sample, sample[1:])
	sample[len(sample)-1] = cp
	return sample
}

// sampleVariance is the mean cosine distance of samples from the
// centroid embedding.
func sampleVariance(centroid []float32, sample [][]float32) float64 {
	if len(centroid) == 0 || len(sample) == 0 {
		return 0
	}
	var total float64
	for _, s := range sample {
		total += cosineDistance(centroid, s)
	}
	return total / float64(len(sample))
}

// twoMeans runs a short 2-means refit over the sample and returns the
// two resulting means.
func twoMeans(sample [][]float32) ([]float32, []float32) {
	if len(sample) < 2 {
		return nil, nil
	}

	// Seed with the farthest-apart pair.
	var seedA, seedB []float32
	worst := -1.0
	for i := range sample {
		for j := i + 1; j < len(sample); j++ {
			if d := cosineDistance(sample[i], sample[j]); d > worst {
				worst = d
				seedA, seedB = sample[i], sample[j]
			}
		}
	}
	if seedA == nil || seedB == nil {
		return nil, nil
	}

	meanA := append([]float32(nil), seedA...)
	meanB := append([]float32(nil), seedB...)
	for iter := 0; iter < 5; iter++ {
		var groupA, groupB [][]float32
		for _, s := range sample {
			if cosineDistance(s, meanA) <= cosineDistance(s, meanB) {
				groupA = append(groupA, s)
			} else {
				groupB = append(groupB, s)
			}
		}
		if len(groupA) == 0 || len(groupB) == 0 {
			return nil, nil
		}
		meanA = meanOf(groupA)
		meanB = meanOf(groupB)
	}
	return meanA, meanB
}

func meanOf(group [][]float32) []float32 {
	out := make([]float32, len(group[0]))
	for _, vec := range group {
		for i, v := range vec {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float32(len(group))
	}
	return out
}
