package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/pkg/textutil"
	"github.com/kart-io/verba/internal/verba/store"
)

// Retrieval strategies selectable per query via Query.Strategy. An empty
// strategy uses the configured default.
const (
	// RetrievalVector ranks by vector similarity alone.
	RetrievalVector = "vector"
	// RetrievalKeyword blends a keyword-overlap signal into the vector score.
	RetrievalKeyword = "keyword"
)

// RetrieverConfig configures retrieval.
type RetrieverConfig struct {
	// TopK is the default result count when the query does not set one.
	TopK int
	// OversampleFactor widens the store search to TopK*factor candidates
	// before the rerank/dedup pass.
	OversampleFactor int
	// MaxPerDocument caps results per source document. 0 disables the cap.
	MaxPerDocument int
	// ScoreThreshold drops candidates scoring below it. Only applied when
	// HasThreshold is set, since valid scores can be negative under L2.
	ScoreThreshold float32
	HasThreshold   bool
	// KeywordRerank blends a keyword-overlap signal into the vector score.
	KeywordRerank bool
	// KeywordWeight is the blend weight of the keyword signal.
	KeywordWeight float32
}

// DefaultRetrieverConfig returns the default retrieval configuration.
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{
		TopK:             5,
		OversampleFactor: 3,
		MaxPerDocument:   0,
		KeywordRerank:    false,
		KeywordWeight:    0.1,
	}
}

// Retriever finds the chunks most relevant to a query. Retrieval is
// deterministic: the same query against the same index contents yields the
// same result in the same order.
type Retriever struct {
	store    store.VectorStore
	embedder *Embedder
	config   *RetrieverConfig
}

// NewRetriever creates a retriever.
func NewRetriever(vectorStore store.VectorStore, embedder *Embedder, config *RetrieverConfig) *Retriever {
	if config == nil {
		config = DefaultRetrieverConfig()
	}
	if config.OversampleFactor < 1 {
		config.OversampleFactor = 1
	}
	return &Retriever{
		store:    vectorStore,
		embedder: embedder,
		config:   config,
	}
}

// Retrieve embeds the query, searches the store with oversampling, and
// applies the rerank/dedup pass. An empty index or nothing relevant yields
// an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query *model.Query) (*model.RetrievalResult, error) {
	topK := query.TopK
	if topK <= 0 {
		topK = r.config.TopK
	}

	keywordRerank := r.config.KeywordRerank
	switch query.Strategy {
	case "":
	case RetrievalVector:
		keywordRerank = false
	case RetrievalKeyword:
		keywordRerank = true
	default:
		return nil, fmt.Errorf("unknown retrieval strategy %q: %w", query.Strategy, ErrInvalidStrategy)
	}

	vectors, err := r.embedder.Embed(ctx, []string{query.Text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates, err := r.store.Search(ctx, vectors[0], topK*r.config.OversampleFactor, query.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}
	if len(candidates) == 0 {
		return &model.RetrievalResult{}, nil
	}

	scored := r.rerank(query.Text, candidates, keywordRerank)

	// Dedup/cap pass runs in rank order, so the survivors keep their
	// relative order from the full ranking.
	perDoc := make(map[string]int)
	result := &model.RetrievalResult{}
	for _, sc := range scored {
		if r.config.HasThreshold && sc.Score < r.config.ScoreThreshold {
			continue
		}
		if r.config.MaxPerDocument > 0 {
			if perDoc[sc.Chunk.DocumentID] >= r.config.MaxPerDocument {
				continue
			}
			perDoc[sc.Chunk.DocumentID]++
		}
		result.Chunks = append(result.Chunks, sc)
		if len(result.Chunks) == topK {
			break
		}
	}

	logger.Infow("Retrieval finished",
		"query_tokens", textutil.WordCount(query.Text),
		"candidates", len(candidates),
		"returned", len(result.Chunks),
	)
	return result, nil
}

// rerank converts store hits into scored chunks, optionally blending in a
// keyword-overlap signal. Sorting is stable: equal scores keep store order,
// which itself breaks ties by insertion order.
func (r *Retriever) rerank(queryText string, hits []*store.SearchResult, keywordRerank bool) []model.ScoredChunk {
	queryWords := make(map[string]bool)
	if keywordRerank {
		for _, w := range textutil.Words(strings.ToLower(queryText)) {
			queryWords[w] = true
		}
	}

	scored := make([]model.ScoredChunk, len(hits))
	for i, hit := range hits {
		score := hit.Score
		if keywordRerank && len(queryWords) > 0 {
			score += r.config.KeywordWeight * keywordOverlap(queryWords, hit.Text)
		}
		scored[i] = model.ScoredChunk{
			Chunk: &model.Chunk{
				ID:         hit.ChunkID,
				DocumentID: hit.DocumentID,
				Ordinal:    hit.Ordinal,
				Text:       hit.Text,
				Metadata:   hit.Metadata,
			},
			Score: score,
		}
	}

	if keywordRerank {
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].Score > scored[j].Score
		})
	}
	return scored
}

// keywordOverlap is the fraction of chunk words present in the query.
func keywordOverlap(queryWords map[string]bool, text string) float32 {
	words := textutil.Words(strings.ToLower(text))
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if queryWords[w] {
			matched++
		}
	}
	return float32(matched) / float32(len(words))
}
