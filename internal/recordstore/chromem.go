package recordstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemStore is an embedded chromem-go backend. The collection handles
// vector queries; a guarded in-memory mirror serves the operations
// chromem does not expose (iteration, lexical scan, fetch by ID).
//
// State lives in memory only, so this backend suits tests and
// single-session use. The sqlite backend is the durable default.
type ChromemStore struct {
	collection *chromem.Collection
	logger     *zap.Logger

	mu     sync.RWMutex
	mirror map[string]*Reflection
}

// NewChromemStore creates an in-memory chromem-backed store.
func NewChromemStore(logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db := chromem.NewDB()
	// Embeddings are always supplied by the caller; nil keeps chromem from
	// reaching for a remote embedding API.
	collection, err := db.CreateCollection("reflections", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", ErrUnreachable, err)
	}

	return &ChromemStore{
		collection: collection,
		logger:     logger,
		mirror:     make(map[string]*Reflection),
	}, nil
}

// Persist implements Store.
func (s *ChromemStore) Persist(ctx context.Context, r *Reflection) (string, error) {
	if r == nil || strings.TrimSpace(r.Content) == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidReflection)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Tags = NormalizeTags(r.Tags)

	// Only embedded reflections enter the collection; the mirror holds
	// everything either way.
	if len(r.Embedding) > 0 {
		doc := chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Embedding: r.Embedding,
			Metadata:  chromemMetadata(r),
		}
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			return "", fmt.Errorf("%w: add document: %v", ErrUnreachable, err)
		}
	}

	s.mu.Lock()
	s.mirror[r.ID] = cloneReflection(r)
	s.mu.Unlock()
	return r.ID, nil
}

// FetchByID implements Store.
func (s *ChromemStore) FetchByID(ctx context.Context, id string) (*Reflection, error) {
	s.mu.RLock()
	r, ok := s.mirror[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneReflection(r), nil
}

// UpdateMeta implements Store.
func (s *ChromemStore) UpdateMeta(ctx context.Context, id string, tags []string, categoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.mirror[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.Tags = NormalizeTags(tags)
	r.CategoryID = categoryID

	if len(r.Embedding) > 0 {
		// chromem has no in-place update; re-add replaces the document.
		doc := chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Embedding: r.Embedding,
			Metadata:  chromemMetadata(r),
		}
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("%w: update document: %v", ErrUnreachable, err)
		}
	}
	return nil
}

// Delete implements Store.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.mirror[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.mirror, id)

	if len(r.Embedding) > 0 {
		if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("%w: delete document: %v", ErrUnreachable, err)
		}
	}
	return nil
}

// LexicalSearch implements Store by scanning the mirror.
func (s *ChromemStore) LexicalSearch(ctx context.Context, text, project string, limit int) ([]ScoredReflection, error) {
	queryTokens := lexicalTokens(text)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ScoredReflection
	for _, r := range s.mirror {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if project != "" && r.Project != project {
			continue
		}
		score := lexicalScore(queryTokens, r.Content)
		if score > 0 {
			results = append(results, ScoredReflection{Reflection: cloneReflection(r), Score: score})
		}
	}
	return rankScored(results, limit), nil
}

// VectorSearch implements Store via the chromem collection.
func (s *ChromemStore) VectorSearch(ctx context.Context, embedding []float32, project, categoryID string, limit int) ([]ScoredReflection, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	where := map[string]string{}
	if project != "" {
		where["project"] = project
	}
	if categoryID != "" {
		where["category_id"] = categoryID
	}

	// chromem rejects nResults above the collection size.
	k := limit
	if count := s.collection.Count(); count < k {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	hits, err := s.collection.QueryEmbedding(ctx, embedding, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query embedding: %v", ErrUnreachable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]ScoredReflection, 0, len(hits))
	for _, hit := range hits {
		r, ok := s.mirror[hit.ID]
		if !ok {
			continue
		}
		results = append(results, ScoredReflection{
			Reflection: cloneReflection(r),
			Score:      float64(hit.Similarity),
		})
	}
	return rankScored(results, limit), nil
}

// ForEach implements Store. Visits a stable snapshot in creation order.
func (s *ChromemStore) ForEach(ctx context.Context, fn func(*Reflection) error) error {
	s.mu.RLock()
	snapshot := make([]*Reflection, 0, len(s.mirror))
	for _, r := range s.mirror {
		snapshot = append(snapshot, cloneReflection(r))
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Count implements Store.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mirror), nil
}

// Close implements Store. Nothing to release; state is in memory.
func (s *ChromemStore) Close() error { return nil }

func chromemMetadata(r *Reflection) map[string]string {
	return map[string]string{
		"project":     r.Project,
		"category_id": r.CategoryID,
		"tags":        encodeTags(r.Tags),
		"created_at":  strconv.FormatInt(r.CreatedAt.UnixNano(), 10),
	}
}

func cloneReflection(r *Reflection) *Reflection {
	cp := *r
	cp.Tags = append([]string(nil), r.Tags...)
	cp.Embedding = append([]float32(nil), r.Embedding...)
	cp.Signature = append([]byte(nil), r.Signature...)
	return &cp
}
