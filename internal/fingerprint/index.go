package fingerprint

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	// lshBands and lshRows split each signature into 16 bands of 4 hashes
	// for sub-linear candidate lookup. bands*rows must equal SignatureSize.
	lshBands = 16
	lshRows  = 4
)

// Match is a near-duplicate candidate returned by FindNearDuplicates.
type Match struct {
	// ReflectionID identifies the indexed reflection.
	ReflectionID string

	// Similarity is the estimated Jaccard similarity to the probe.
	Similarity float64
}

// record is the indexed state for one reflection.
type record struct {
	sig        Signature
	insertedAt time.Time
}

// Index is a banded-LSH index over MinHash signatures.
//
// Reads take a shared lock; writes hold an exclusive lock only for the
// in-memory bucket update, never across I/O.
type Index struct {
	mu      sync.RWMutex
	records map[string]record
	buckets [lshBands]map[uint64][]string
	logger  *zap.Logger
}

// NewIndex creates an empty signature index.
func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{
		records: make(map[string]record),
		logger:  logger,
	}
	for b := range idx.buckets {
		idx.buckets[b] = make(map[uint64][]string)
	}
	return idx
}

// Insert adds a signature for reflectionID. Idempotent on repeated
// identical arguments; a changed signature for an existing ID replaces
// the previous one. Zero sentinel signatures are recorded but never
// bucketed, so they can be removed later yet match nothing.
func (idx *Index) Insert(reflectionID string, sig Signature) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.records[reflectionID]; ok {
		if existing.sig == sig {
			return
		}
		idx.removeFromBucketsLocked(reflectionID, existing.sig)
	}

	idx.records[reflectionID] = record{sig: sig, insertedAt: time.Now()}

	if sig.IsZero() {
		idx.logger.Debug("indexed sentinel signature",
			zap.String("reflection_id", reflectionID))
		return
	}

	for b := 0; b < lshBands; b++ {
		key := bandKey(sig, b)
		idx.buckets[b][key] = append(idx.buckets[b][key], reflectionID)
	}
}

// FindNearDuplicates returns indexed reflections whose estimated Jaccard
// similarity to sig is >= threshold, ordered by similarity descending,
// ties broken by recency descending. An empty result is not an error.
// The limit caps the result count; limit <= 0 means no cap.
func (idx *Index) FindNearDuplicates(sig Signature, threshold float64, limit int) []Match {
	if sig.IsZero() {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]struct{})
	type scored struct {
		match      Match
		insertedAt time.Time
	}
	var candidates []scored

	for b := 0; b < lshBands; b++ {
		for _, id := range idx.buckets[b][bandKey(sig, b)] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			rec := idx.records[id]
			sim := EstimatedJaccard(sig, rec.sig)
			if sim >= threshold {
				candidates = append(candidates, scored{
					match:      Match{ReflectionID: id, Similarity: sim},
					insertedAt: rec.insertedAt,
				})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].match.Similarity != candidates[j].match.Similarity {
			return candidates[i].match.Similarity > candidates[j].match.Similarity
		}
		return candidates[i].insertedAt.After(candidates[j].insertedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = c.match
	}
	return matches
}

// Remove deletes a reflection's signature from the index. No-op for
// unknown IDs.
func (idx *Index) Remove(reflectionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[reflectionID]
	if !ok {
		return
	}
	delete(idx.records, reflectionID)
	idx.removeFromBucketsLocked(reflectionID, rec.sig)
}

// Size returns the number of indexed signatures.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

func (idx *Index) removeFromBucketsLocked(reflectionID string, sig Signature) {
	if sig.IsZero() {
		return
	}
	for b := 0; b < lshBands; b++ {
		key := bandKey(sig, b)
		ids := idx.buckets[b][key]
		for i, id := range ids {
			if id == reflectionID {
				idx.buckets[b][key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(idx.buckets[b][key]) == 0 {
			delete(idx.buckets[b], key)
		}
	}
}

// bandKey hashes one band of a signature into a bucket key.
func bandKey(sig Signature, band int) uint64 {
	var buf [lshRows*8 + 1]byte
	buf[0] = byte(band)
	for r := 0; r < lshRows; r++ {
		binary.LittleEndian.PutUint64(buf[1+r*8:], sig[band*lshRows+r])
	}
	return xxhash.Sum64(buf[:])
}
