// Package model provides shared data models for the Verba RAG core.
package model

import (
	"time"
)

// DocumentStatus tracks a document's progress through the ingestion pipeline.
type DocumentStatus string

const (
	// StatusPending means the document has been loaded but not yet chunked.
	StatusPending DocumentStatus = "PENDING"
	// StatusChunked means the document has been split into chunks.
	StatusChunked DocumentStatus = "CHUNKED"
	// StatusEmbedded means all chunks carry embedding vectors.
	StatusEmbedded DocumentStatus = "EMBEDDED"
	// StatusIndexed means all chunks are visible in the vector store.
	StatusIndexed DocumentStatus = "INDEXED"
	// StatusFailed means a pipeline stage failed; StatusError records why.
	StatusFailed DocumentStatus = "FAILED"
)

// Document represents a single ingested source text.
// A document is immutable after ingestion: re-ingesting a source requires a
// full delete followed by a fresh ingest under a new ID.
type Document struct {
	ID         string         `json:"id"`
	SourceURI  string         `json:"source_uri"`
	RawText    string         `json:"raw_text,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IngestedAt time.Time      `json:"ingested_at"`
	Status     DocumentStatus `json:"status"`

	// StatusError holds the originating error when Status is FAILED.
	StatusError string `json:"status_error,omitempty"`

	// Degraded is set when a best-effort fallback was taken during chunking
	// (for example fixed-size splitting because no sentence splitter was
	// available).
	Degraded bool `json:"degraded,omitempty"`

	// ChunkNum is the number of chunks produced for this document.
	ChunkNum int `json:"chunk_num"`
}

// Chunk is a contiguous sub-span of a document's text, the unit of embedding
// and retrieval. Chunks are exclusively owned by their document; ordinals are
// contiguous from 0.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Ordinal    int            `json:"ordinal"`
	Text       string         `json:"text"`
	Vector     []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Query is an ephemeral retrieval request. It is never persisted.
type Query struct {
	Text    string         `json:"text"`
	Filters map[string]any `json:"filters,omitempty"`
	TopK    int            `json:"top_k"`

	// Strategy selects the retrieval strategy for this query ("vector" or
	// "keyword"). Empty uses the retriever's configured default.
	Strategy string `json:"strategy,omitempty"`
}

// ScoredChunk pairs a retrieved chunk with its relevance score.
// Higher scores are more relevant.
type ScoredChunk struct {
	Chunk *Chunk  `json:"chunk"`
	Score float32 `json:"score"`
}

// RetrievalResult is an ordered sequence of scored chunks, at most TopK long.
// Ties are broken by chunk insertion order (chunk IDs are ULIDs, so
// lexicographic ID order equals insertion order).
type RetrievalResult struct {
	Chunks []ScoredChunk `json:"chunks"`
}

// Empty reports whether the retrieval produced no candidates. An empty result
// is a valid outcome, not an error.
func (r *RetrievalResult) Empty() bool {
	return r == nil || len(r.Chunks) == 0
}

// GenerationResult is the answer produced for a query. When streaming, the
// result is assembled incrementally and Finished is set only once the
// terminal fragment has been produced.
type GenerationResult struct {
	Answer        string   `json:"answer"`
	CitedChunkIDs []string `json:"cited_chunk_ids"`
	Finished      bool     `json:"finished"`
}

// QueryResult is the transport-facing result of a full query: the generated
// answer plus source attribution for each cited chunk.
type QueryResult struct {
	Answer   string        `json:"answer"`
	Sources  []ChunkSource `json:"sources"`
	Finished bool          `json:"finished"`
}

// ChunkSource describes where a retrieved chunk came from.
type ChunkSource struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	SourceURI  string  `json:"source_uri,omitempty"`
	Ordinal    int     `json:"ordinal"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}
