// Package store provides the vector index backends and the document catalog.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Metric identifies the distance metric of a vector index. It is fixed at
// store construction; opening an existing index under a different metric
// fails with ErrMetricMismatch.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricDot    Metric = "dot"
	MetricL2     Metric = "l2"
)

// ErrMetricMismatch is returned when an existing index was built under a
// different distance metric than the one requested.
var ErrMetricMismatch = errors.New("vector index metric mismatch")

// ParseMetric validates and normalizes a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricDot, MetricL2:
		return Metric(s), nil
	case "":
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown metric %q", s)
	}
}

// IndexEntry is one indexed chunk: its vector plus the payload needed to
// reconstruct a retrieval hit without a catalog round-trip.
type IndexEntry struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Text       string
	Vector     []float32
	Metadata   map[string]any
}

// SearchResult is a single vector search hit. Higher scores are more
// relevant under every metric (L2 distances are negated).
type SearchResult struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Text       string
	Metadata   map[string]any
	Score      float32
}

// VectorStore is the vector index contract.
type VectorStore interface {
	// Upsert inserts a batch of entries atomically: either every entry in
	// the batch becomes visible to subsequent searches, or none does.
	Upsert(ctx context.Context, entries []*IndexEntry) error

	// DeleteByDocument removes every entry belonging to a document and
	// returns the number removed. The removal is synchronous with respect
	// to the caller: a search issued after return never sees the entries.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)

	// Search returns the topK entries most similar to the query vector,
	// ordered by descending score. Filters restrict candidates before
	// ranking; the returned order among survivors matches an unfiltered
	// search over the same entries. Equal scores are broken by chunk ID
	// (insertion order).
	Search(ctx context.Context, vector []float32, topK int, filters map[string]any) ([]*SearchResult, error)

	// Count returns the number of indexed entries.
	Count(ctx context.Context) (int64, error)

	// Metric reports the distance metric the index was built with.
	Metric() Metric

	// Close releases backend resources.
	Close(ctx context.Context) error
}
