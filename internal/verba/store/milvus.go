package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/milvus-io/milvus/client/v2/entity"

	"github.com/kart-io/verba/pkg/component/milvus"
)

// MilvusStore implements VectorStore on a Milvus collection.
type MilvusStore struct {
	client     *milvus.Client
	collection string
	metric     Metric
	dimension  int
}

// NewMilvusStore opens (or creates) the collection for the given metric.
// An existing collection built under a different metric is rejected with
// ErrMetricMismatch.
func NewMilvusStore(ctx context.Context, client *milvus.Client, collection string, metric Metric, dimension int) (*MilvusStore, error) {
	existing, err := client.ExistingMetric(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect collection %s: %w", collection, err)
	}
	want := milvusMetricType(metric)
	if existing != "" && existing != want {
		return nil, fmt.Errorf("collection %s was built with metric %s, requested %s: %w",
			collection, existing, want, ErrMetricMismatch)
	}

	if err := client.EnsureCollection(ctx, &milvus.CollectionSchema{
		Name:      collection,
		Dimension: dimension,
		Metric:    want,
	}); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %s: %w", collection, err)
	}

	return &MilvusStore{
		client:     client,
		collection: collection,
		metric:     metric,
		dimension:  dimension,
	}, nil
}

func milvusMetricType(m Metric) entity.MetricType {
	switch m {
	case MetricDot:
		return entity.IP
	case MetricL2:
		return entity.L2
	default:
		return entity.COSINE
	}
}

// Metric reports the distance metric the store was built with.
func (s *MilvusStore) Metric() Metric {
	return s.metric
}

// Upsert inserts a batch of entries. The batch is flushed before return, so
// all entries become visible to subsequent searches together.
func (s *MilvusStore) Upsert(ctx context.Context, entries []*IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]milvus.ChunkRow, len(entries))
	for i, e := range entries {
		if len(e.Vector) != s.dimension {
			return fmt.Errorf("vector dimension %d does not match index dimension %d", len(e.Vector), s.dimension)
		}
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for chunk %s: %w", e.ChunkID, err)
		}
		rows[i] = milvus.ChunkRow{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Ordinal:    int64(e.Ordinal),
			Content:    e.Text,
			Metadata:   metadata,
			Embedding:  e.Vector,
		}
	}

	if err := s.client.Insert(ctx, s.collection, rows); err != nil {
		return fmt.Errorf("failed to upsert into milvus: %w", err)
	}
	return nil
}

// DeleteByDocument removes every entry belonging to a document.
func (s *MilvusStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	expr := fmt.Sprintf("document_id == %q", documentID)
	deleted, err := s.client.DeleteByExpr(ctx, s.collection, expr)
	if err != nil {
		return 0, fmt.Errorf("failed to delete document %s from milvus: %w", documentID, err)
	}
	return int(deleted), nil
}

// Search performs a filtered vector similarity search.
func (s *MilvusStore) Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]*SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}

	hits, err := s.client.Search(ctx, s.collection, vector, topK, buildFilterExpr(filters))
	if err != nil {
		return nil, fmt.Errorf("failed to search milvus: %w", err)
	}

	results := make([]*SearchResult, 0, len(hits))
	for _, hit := range hits {
		var metadata map[string]any
		if len(hit.Metadata) > 0 {
			if err := json.Unmarshal(hit.Metadata, &metadata); err != nil {
				metadata = nil
			}
		}
		score := hit.Score
		if s.metric == MetricL2 {
			// Milvus reports L2 as a distance; negate so higher is better.
			score = -score
		}
		results = append(results, &SearchResult{
			ChunkID:    hit.ChunkID,
			DocumentID: hit.DocumentID,
			Ordinal:    int(hit.Ordinal),
			Text:       hit.Content,
			Metadata:   metadata,
			Score:      score,
		})
	}

	// Milvus orders by metric already; re-sort to apply the insertion-order
	// tie-break chunk IDs encode.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results, nil
}

func buildFilterExpr(filters map[string]any) string {
	if len(filters) == 0 {
		return ""
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]string, 0, len(keys))
	for _, k := range keys {
		v := filters[k]
		var term string
		switch val := v.(type) {
		case string:
			if k == "document_id" {
				term = fmt.Sprintf("document_id == %q", val)
			} else {
				term = fmt.Sprintf("metadata[%q] == %q", k, val)
			}
		case bool:
			term = fmt.Sprintf("metadata[%q] == %t", k, val)
		default:
			term = fmt.Sprintf("metadata[%q] == %v", k, val)
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " and ")
}

// Count returns the number of indexed entries.
func (s *MilvusStore) Count(ctx context.Context) (int64, error) {
	return s.client.GetCollectionStats(ctx, s.collection)
}

// Close closes the underlying Milvus connection.
func (s *MilvusStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ VectorStore = (*MilvusStore)(nil)
