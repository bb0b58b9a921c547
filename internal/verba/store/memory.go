package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kart-io/verba/internal/pkg/textutil"
)

// MemoryStore is an in-memory VectorStore for development and testing.
// A batch insert happens entirely under the write lock, so batch visibility
// is all-or-nothing for concurrent readers.
type MemoryStore struct {
	mu      sync.RWMutex
	metric  Metric
	dim     int
	entries map[string]*IndexEntry
	byDoc   map[string][]string
}

// NewMemoryStore creates an empty in-memory store using the given metric.
func NewMemoryStore(metric Metric) *MemoryStore {
	return &MemoryStore{
		metric:  metric,
		entries: make(map[string]*IndexEntry),
		byDoc:   make(map[string][]string),
	}
}

// Metric reports the distance metric the store was built with.
func (s *MemoryStore) Metric() Metric {
	return s.metric
}

// Upsert inserts a batch of entries atomically.
func (s *MemoryStore) Upsert(ctx context.Context, entries []*IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Validate the whole batch before touching the index so a bad entry
	// cannot leave a partial batch behind.
	for _, e := range entries {
		if e.ChunkID == "" || e.DocumentID == "" {
			return fmt.Errorf("index entry missing chunk or document id")
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("index entry %s has no vector", e.ChunkID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
		} else if len(e.Vector) != dim {
			return fmt.Errorf("vector dimension %d does not match index dimension %d", len(e.Vector), dim)
		}
	}
	s.dim = dim

	for _, e := range entries {
		if _, exists := s.entries[e.ChunkID]; !exists {
			s.byDoc[e.DocumentID] = append(s.byDoc[e.DocumentID], e.ChunkID)
		}
		s.entries[e.ChunkID] = e
	}
	return nil
}

// DeleteByDocument removes every entry belonging to a document.
func (s *MemoryStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byDoc[documentID]
	for _, id := range ids {
		delete(s.entries, id)
	}
	delete(s.byDoc, documentID)
	return len(ids), nil
}

// Search scans all entries and returns the topK most similar.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]*SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		if !matchesFilters(e, filters) {
			continue
		}
		results = append(results, &SearchResult{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Ordinal:    e.Ordinal,
			Text:       e.Text,
			Metadata:   e.Metadata,
			Score:      s.score(vector, e.Vector),
		})
	}

	// Ties resolve to insertion order: chunk IDs are ULIDs, so lexicographic
	// order equals insertion order.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *MemoryStore) score(query, candidate []float32) float32 {
	switch s.metric {
	case MetricDot:
		return float32(textutil.DotProduct(query, candidate))
	case MetricL2:
		// Negated so higher is better under every metric.
		return float32(-textutil.L2Distance(query, candidate))
	default:
		return float32(textutil.CosineSimilarity(query, candidate))
	}
}

func matchesFilters(e *IndexEntry, filters map[string]any) bool {
	for key, want := range filters {
		if key == "document_id" {
			if e.DocumentID != fmt.Sprint(want) {
				return false
			}
			continue
		}
		got, ok := e.Metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Count returns the number of indexed entries.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

var _ VectorStore = (*MemoryStore)(nil)
