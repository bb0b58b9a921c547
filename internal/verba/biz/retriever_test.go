package biz

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/verba/store"
)

func seedStore(t *testing.T, entries []*store.IndexEntry) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(store.MetricCosine)
	if err := s.Upsert(context.Background(), entries); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	return s
}

func TestRetrieveRanking(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Ordinal: 0, Text: "closest", Vector: []float32{1, 0}},
		{ChunkID: "01B", DocumentID: "d1", Ordinal: 1, Text: "near", Vector: []float32{0.9, 0.3}},
		{ChunkID: "01C", DocumentID: "d2", Ordinal: 0, Text: "far", Vector: []float32{0, 1}},
	})

	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["what is closest?"] = []float32{1, 0}
	retriever := NewRetriever(s, NewEmbedder(provider, 0), nil)

	result, err := retriever.Retrieve(context.Background(), &model.Query{Text: "what is closest?", TopK: 2})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(result.Chunks))
	}
	if result.Chunks[0].Chunk.ID != "01A" || result.Chunks[1].Chunk.ID != "01B" {
		t.Errorf("wrong ranking: %s, %s", result.Chunks[0].Chunk.ID, result.Chunks[1].Chunk.ID)
	}
	if result.Chunks[0].Score < result.Chunks[1].Score {
		t.Error("scores must be non-increasing")
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "alpha", Vector: []float32{1, 0}},
		{ChunkID: "01B", DocumentID: "d1", Text: "beta", Vector: []float32{0.5, 0.5}},
		{ChunkID: "01C", DocumentID: "d2", Text: "gamma", Vector: []float32{0, 1}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	retriever := NewRetriever(s, NewEmbedder(provider, 0), nil)

	query := &model.Query{Text: "repeatable", TopK: 3}
	first, err := retriever.Retrieve(context.Background(), query)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	second, err := retriever.Retrieve(context.Background(), query)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("same query against an unchanged index must give identical results")
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	s := store.NewMemoryStore(store.MetricCosine)
	retriever := NewRetriever(s, NewEmbedder(newMockEmbeddingProvider(2, 16), 0), nil)

	result, err := retriever.Retrieve(context.Background(), &model.Query{Text: "anything"})
	if err != nil {
		t.Fatalf("empty index is a valid outcome, got error: %v", err)
	}
	if !result.Empty() {
		t.Error("expected an empty result")
	}
}

func TestRetrieveTieBreakByInsertionOrder(t *testing.T) {
	// Identical vectors: ties resolve by chunk ID, which is insertion order.
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01B", DocumentID: "d1", Text: "second", Vector: []float32{1, 0}},
		{ChunkID: "01A", DocumentID: "d1", Text: "first", Vector: []float32{1, 0}},
		{ChunkID: "01C", DocumentID: "d1", Text: "third", Vector: []float32{1, 0}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["q"] = []float32{1, 0}
	retriever := NewRetriever(s, NewEmbedder(provider, 0), nil)

	result, err := retriever.Retrieve(context.Background(), &model.Query{Text: "q", TopK: 3})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	var got []string
	for _, sc := range result.Chunks {
		got = append(got, sc.Chunk.ID)
	}
	want := []string{"01A", "01B", "01C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tie-break order = %v, want %v", got, want)
	}
}

func TestRetrievePerDocumentCap(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "d1 best", Vector: []float32{1, 0}},
		{ChunkID: "01B", DocumentID: "d1", Text: "d1 second", Vector: []float32{0.95, 0.1}},
		{ChunkID: "01C", DocumentID: "d2", Text: "d2 best", Vector: []float32{0.8, 0.2}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["q"] = []float32{1, 0}

	config := DefaultRetrieverConfig()
	config.MaxPerDocument = 1
	retriever := NewRetriever(s, NewEmbedder(provider, 0), config)

	result, err := retriever.Retrieve(context.Background(), &model.Query{Text: "q", TopK: 2})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(result.Chunks))
	}
	if result.Chunks[0].Chunk.DocumentID != "d1" || result.Chunks[1].Chunk.DocumentID != "d2" {
		t.Errorf("per-document cap not applied: %v, %v",
			result.Chunks[0].Chunk.DocumentID, result.Chunks[1].Chunk.DocumentID)
	}
}

func TestRetrieveScoreThreshold(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "relevant", Vector: []float32{1, 0}},
		{ChunkID: "01B", DocumentID: "d1", Text: "irrelevant", Vector: []float32{0, 1}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["q"] = []float32{1, 0}

	config := DefaultRetrieverConfig()
	config.ScoreThreshold = 0.5
	config.HasThreshold = true
	retriever := NewRetriever(s, NewEmbedder(provider, 0), config)

	result, err := retriever.Retrieve(context.Background(), &model.Query{Text: "q", TopK: 5})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].Chunk.ID != "01A" {
		t.Errorf("threshold not applied: %v", result.Chunks)
	}
}

func TestRetrieveFilters(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "a", Vector: []float32{1, 0}, Metadata: map[string]any{"lang": "en"}},
		{ChunkID: "01B", DocumentID: "d2", Text: "b", Vector: []float32{1, 0}, Metadata: map[string]any{"lang": "de"}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["q"] = []float32{1, 0}
	retriever := NewRetriever(s, NewEmbedder(provider, 0), nil)

	result, err := retriever.Retrieve(context.Background(), &model.Query{
		Text:    "q",
		TopK:    5,
		Filters: map[string]any{"lang": "de"},
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].Chunk.ID != "01B" {
		t.Errorf("metadata filter not applied: %v", result.Chunks)
	}
}

func TestRetrieveKeywordRerank(t *testing.T) {
	// Vector scores tie; the keyword blend must promote the overlapping text.
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "nothing in common", Vector: []float32{1, 0}},
		{ChunkID: "01B", DocumentID: "d1", Text: "milvus index tuning", Vector: []float32{1, 0}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["milvus index tuning"] = []float32{1, 0}

	config := DefaultRetrieverConfig()
	config.KeywordRerank = true
	retriever := NewRetriever(s, NewEmbedder(provider, 0), config)

	result, err := retriever.Retrieve(context.Background(), &model.Query{Text: "milvus index tuning", TopK: 2})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Chunks[0].Chunk.ID != "01B" {
		t.Errorf("keyword rerank did not promote the overlapping chunk: %v", result.Chunks[0].Chunk.ID)
	}
}

func TestRetrieveStrategyPerQuery(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "nothing in common", Vector: []float32{1, 0}},
		{ChunkID: "01B", DocumentID: "d1", Text: "milvus index tuning", Vector: []float32{1, 0}},
	})
	provider := newMockEmbeddingProvider(2, 16)
	provider.fixed["milvus index tuning"] = []float32{1, 0}

	// Default is pure vector ranking; the query opts into the keyword blend.
	retriever := NewRetriever(s, NewEmbedder(provider, 0), nil)
	result, err := retriever.Retrieve(context.Background(), &model.Query{
		Text:     "milvus index tuning",
		TopK:     2,
		Strategy: RetrievalKeyword,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Chunks[0].Chunk.ID != "01B" {
		t.Errorf("keyword strategy not applied per query: %v", result.Chunks[0].Chunk.ID)
	}

	// The reverse: configured keyword rerank, query forces pure vector. Tied
	// vectors then keep insertion order.
	config := DefaultRetrieverConfig()
	config.KeywordRerank = true
	retriever = NewRetriever(s, NewEmbedder(provider, 0), config)
	result, err = retriever.Retrieve(context.Background(), &model.Query{
		Text:     "milvus index tuning",
		TopK:     2,
		Strategy: RetrievalVector,
	})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if result.Chunks[0].Chunk.ID != "01A" {
		t.Errorf("vector strategy did not suppress the keyword blend: %v", result.Chunks[0].Chunk.ID)
	}
}

func TestRetrieveUnknownStrategy(t *testing.T) {
	s := seedStore(t, []*store.IndexEntry{
		{ChunkID: "01A", DocumentID: "d1", Text: "a", Vector: []float32{1, 0}},
	})
	retriever := NewRetriever(s, NewEmbedder(newMockEmbeddingProvider(2, 16), 0), nil)

	_, err := retriever.Retrieve(context.Background(), &model.Query{Text: "q", Strategy: "hybrid"})
	if !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("expected ErrInvalidStrategy, got %v", err)
	}
}
