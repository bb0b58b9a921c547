package biz

import (
	"context"
	"fmt"
	"sync"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/pkg/llm"
)

// Embedder wraps an embedding provider with batch-size and dimension
// enforcement. It never splits batches itself; an oversized batch fails
// with ErrBatchTooLarge and the caller decides whether to retry in parts.
type Embedder struct {
	provider llm.EmbeddingProvider

	mu        sync.Mutex
	dimension int
}

// NewEmbedder creates an embedder. A dimension of 0 is learned from the
// first successful batch; any later deviation is an error.
func NewEmbedder(provider llm.EmbeddingProvider, dimension int) *Embedder {
	return &Embedder{
		provider:  provider,
		dimension: dimension,
	}
}

// ModelVersion identifies the provider and model producing the vectors.
// Identical text embedded under the same model version yields equal vectors.
func (e *Embedder) ModelVersion() string {
	return e.provider.ModelVersion()
}

// MaxBatchSize is the largest batch Embed accepts.
func (e *Embedder) MaxBatchSize() int {
	return e.provider.MaxBatchSize()
}

// Dimension returns the embedding dimension, or 0 before the first batch.
func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// Embed generates embeddings for a batch of texts, preserving order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if limit := e.provider.MaxBatchSize(); limit > 0 && len(texts) > limit {
		return nil, fmt.Errorf("batch of %d texts exceeds provider limit %d: %w", len(texts), limit, ErrBatchTooLarge)
	}

	vectors, err := e.provider.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("provider returned empty vector for text %d", i)
		}
		if e.dimension == 0 {
			e.dimension = len(v)
		} else if len(v) != e.dimension {
			return nil, fmt.Errorf("vector dimension %d does not match expected %d", len(v), e.dimension)
		}
	}
	return vectors, nil
}

// EmbedChunks embeds chunk texts and writes the vectors onto the chunks.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := e.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		chunk.Vector = vectors[i]
	}
	return nil
}
