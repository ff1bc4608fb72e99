// Package recordstore defines the durable reflection store boundary and
// its reference backends.
//
// The recall pipeline treats the record store as external: it is the only
// layer allowed to produce fatal errors (ErrUnreachable). Two backends
// are provided behind the Store interface, selected by config:
//
//   - sqlite: durable system of record (default)
//   - chromem: embedded chromem-go vector database, in-memory by default
package recordstore

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Sentinel errors for record store operations.
var (
	// ErrNotFound is returned when a reflection does not exist.
	ErrNotFound = errors.New("reflection not found")

	// ErrUnreachable indicates the store itself is down or corrupt. This
	// is fatal to the current operation and is surfaced to the caller.
	ErrUnreachable = errors.New("record store unreachable")

	// ErrInvalidReflection indicates a reflection that cannot be persisted.
	ErrInvalidReflection = errors.New("invalid reflection")
)

// Reflection is a stored unit of memory.
//
// Content is immutable after creation; tags and category may be updated.
// Embedding is optional (nil when the embedding path was unavailable at
// write time); Signature is mandatory for non-deleted reflections, with
// the zero sentinel standing in when content could not be tokenized.
type Reflection struct {
	// ID is the opaque, stable identifier (UUID).
	ID string `json:"id"`

	// Project is the partition key.
	Project string `json:"project"`

	// Content is the reflection text.
	Content string `json:"content"`

	// Tags are normalized labels (lowercase, deduped, sorted).
	Tags []string `json:"tags,omitempty"`

	// CategoryID is the assigned category; empty means uncategorized.
	CategoryID string `json:"category_id,omitempty"`

	// Embedding is the content embedding; nil if embedding failed.
	Embedding []float32 `json:"embedding,omitempty"`

	// Signature is the encoded MinHash signature of Content.
	Signature []byte `json:"signature,omitempty"`

	// ShingleCount is the number of shingles behind the signature.
	ShingleCount int `json:"shingle_count"`

	// CreatedAt is when the reflection was persisted.
	CreatedAt time.Time `json:"created_at"`
}

// ScoredReflection pairs a reflection with a search score.
type ScoredReflection struct {
	Reflection *Reflection
	Score      float64
}

// Store is the record store boundary.
//
// All calls are atomic per-call and project-scoped where a project is
// given. Implementations must only fail with errors wrapping
// ErrUnreachable (store down) or ErrNotFound (missing ID).
type Store interface {
	// Persist atomically inserts a reflection, assigning an ID if none is
	// set, and returns the ID.
	Persist(ctx context.Context, r *Reflection) (string, error)

	// FetchByID returns the reflection with the given ID.
	FetchByID(ctx context.Context, id string) (*Reflection, error)

	// UpdateMeta replaces a reflection's tags and category. Content and
	// embedding are immutable.
	UpdateMeta(ctx context.Context, id string, tags []string, categoryID string) error

	// Delete removes a reflection.
	Delete(ctx context.Context, id string) error

	// LexicalSearch scores reflections by token overlap with text,
	// scoped to project when non-empty. Results are ordered by score
	// descending, then recency descending.
	LexicalSearch(ctx context.Context, text, project string, limit int) ([]ScoredReflection, error)

	// VectorSearch scores reflections by cosine similarity to embedding,
	// scoped to project and categoryID when non-empty. Reflections
	// without embeddings are skipped. Ordered by score descending, then
	// recency descending.
	VectorSearch(ctx context.Context, embedding []float32, project, categoryID string, limit int) ([]ScoredReflection, error)

	// ForEach visits every stored reflection; used for warm-up of the
	// fingerprint index and clusterer at startup.
	ForEach(ctx context.Context, fn func(*Reflection) error) error

	// Count returns the number of stored reflections.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// NormalizeTags lowercases, dedupes and sorts a tag set.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		// Whitespace delimits the encoded tag list; fold inner runs into
		// hyphens so a tag survives the round trip as one value.
		t = strings.Join(strings.Fields(t), "-")
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MergeTags unions two normalized tag sets.
func MergeTags(a, b []string) []string {
	return NormalizeTags(append(append([]string{}, a...), b...))
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// EmbeddingToBytes encodes a float32 vector as little-endian bytes.
func EmbeddingToBytes(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// BytesToEmbedding decodes a vector produced by EmbeddingToBytes.
func BytesToEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// lexicalTokens tokenizes text for overlap scoring.
func lexicalTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// lexicalScore is the fraction of query tokens present in content.
func lexicalScore(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentSet := make(map[string]struct{})
	for _, t := range lexicalTokens(content) {
		contentSet[t] = struct{}{}
	}
	hits := 0
	for _, t := range queryTokens {
		if _, ok := contentSet[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// rankScored orders by score descending, recency descending, and caps at
// limit.
func rankScored(results []ScoredReflection, limit int) []ScoredReflection {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Reflection.CreatedAt.After(results[j].Reflection.CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
