// Package id provides identifier generation for documents and chunks.
//
// Documents use random UUID v4 identifiers. Chunks use monotonic ULIDs so
// that lexicographic ID order matches insertion order, which the retriever
// relies on for stable tie-breaking.
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewDocumentID returns a new random document identifier.
func NewDocumentID() string {
	return uuid.NewString()
}

// ChunkIDGenerator generates monotonically increasing ULIDs. Safe for
// concurrent use.
type ChunkIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewChunkIDGenerator creates a generator backed by crypto/rand entropy.
func NewChunkIDGenerator() *ChunkIDGenerator {
	return &ChunkIDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Next returns the next chunk identifier. IDs generated by the same
// generator are strictly increasing in lexicographic order.
func (g *ChunkIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// NextN returns n consecutive chunk identifiers.
func (g *ChunkIDGenerator) NextN(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = g.Next()
	}
	return ids
}
