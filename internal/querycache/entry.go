// Package querycache memoizes search results behind a two-level cache:
// a bounded in-process L1 with strict LRU eviction and a larger
// persistent L2 consulted on L1 miss.
package querycache

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ScoredID is one ranked search result inside a cache entry.
type ScoredID struct {
	ReflectionID string  `json:"reflection_id"`
	Score        float64 `json:"score"`
}

// Entry is a cached search result set.
//
// Entries are immutable value objects: once published to the cache they
// are never mutated, only dropped from the index. Readers holding an
// entry pointer are unaffected by eviction or invalidation, so get never
// blocks on writes.
type Entry struct {
	// Fingerprint is the normalized query + options hash keying the entry.
	Fingerprint uint64 `json:"fingerprint"`

	// Results is the ranked result set, score descending.
	Results []ScoredID `json:"results"`

	// TierReached is the deepest search tier executed to build Results.
	TierReached int `json:"tier_reached"`

	// Degraded marks results produced without the embedding path.
	Degraded bool `json:"degraded"`

	// Categories and Tags drive targeted invalidation: a write touching
	// any of them drops the entry.
	Categories []string `json:"categories,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}

// touches reports whether the entry intersects the invalidation set.
func (e *Entry) touches(categories, tags map[string]struct{}) bool {
	for _, c := range e.Categories {
		if _, ok := categories[c]; ok {
			return true
		}
	}
	for _, t := range e.Tags {
		if _, ok := tags[t]; ok {
			return true
		}
	}
	return false
}

// Options is the search-option subset that distinguishes cache entries.
type Options struct {
	Project  string
	Tags     []string
	Limit    int
	MinScore float64
}

// Fingerprint hashes a normalized query plus its options into the cache
// key. Tag order does not affect the result.
func Fingerprint(normalizedQuery string, opts Options) uint64 {
	tags := append([]string(nil), opts.Tags...)
	for i := range tags {
		tags[i] = strings.ToLower(strings.TrimSpace(tags[i]))
	}
	sort.Strings(tags)

	d := xxhash.New()
	d.WriteString(normalizedQuery)
	d.WriteString("\x00")
	d.WriteString(opts.Project)
	d.WriteString("\x00")
	d.WriteString(strings.Join(tags, ","))
	d.WriteString("\x00")
	d.WriteString(strconv.Itoa(opts.Limit))
	d.WriteString("\x00")
	d.WriteString(strconv.FormatFloat(opts.MinScore, 'g', -1, 64))
	return d.Sum64()
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
