package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/verba/metrics"
	"github.com/kart-io/verba/internal/verba/store"
)

// PipelineConfig configures the ingestion pipeline.
type PipelineConfig struct {
	// ChunkStrategy is the chunking strategy applied to every document.
	ChunkStrategy Strategy
	// CleanupOnFailure deletes partial chunk/index state when a stage
	// fails. Off by default: a FAILED document stays inspectable up to its
	// last completed stage.
	CleanupOnFailure bool
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		ChunkStrategy: Strategy{
			MaxTokens:     256,
			OverlapTokens: 32,
			Boundary:      BoundarySentence,
		},
	}
}

// keyedMutex serializes operations per key while leaving different keys
// independent.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Pipeline drives documents through the ingestion state machine
// PENDING -> CHUNKED -> EMBEDDED -> INDEXED, with FAILED as the sink for
// any stage error. Operations on the same document are serialized; distinct
// documents proceed independently.
type Pipeline struct {
	loader   *Loader
	chunker  *Chunker
	embedder *Embedder
	vectors  store.VectorStore
	catalog  *store.Catalog
	metrics  *metrics.Metrics
	locks    *keyedMutex
	config   *PipelineConfig
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(
	loader *Loader,
	chunker *Chunker,
	embedder *Embedder,
	vectors store.VectorStore,
	catalog *store.Catalog,
	m *metrics.Metrics,
	config *PipelineConfig,
) *Pipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}
	return &Pipeline{
		loader:   loader,
		chunker:  chunker,
		embedder: embedder,
		vectors:  vectors,
		catalog:  catalog,
		metrics:  m,
		locks:    newKeyedMutex(),
		config:   config,
	}
}

// Ingest loads a source and runs it through every pipeline stage. The
// returned document reflects the final state; on stage failure the document
// is returned in FAILED state together with the StageFailure.
func (p *Pipeline) Ingest(ctx context.Context, src *Source) (*model.Document, error) {
	doc, err := p.loader.Load(ctx, src)
	if err != nil {
		p.metrics.RecordIngest(0, err)
		return nil, &StageFailure{Stage: StageLoad, Err: err}
	}

	unlock := p.locks.Lock(doc.ID)
	defer unlock()

	if err := p.catalog.SaveDocument(ctx, doc); err != nil {
		p.metrics.RecordIngest(0, err)
		return nil, &StageFailure{Stage: StageLoad, Err: err}
	}

	if err := p.run(ctx, doc); err != nil {
		p.metrics.RecordIngest(0, err)
		return doc, err
	}

	p.metrics.RecordIngest(doc.ChunkNum, nil)
	return doc, nil
}

// Resume runs the remaining stages for a document already catalogued as
// PENDING. Used by asynchronous ingestion after the caller got its ID back.
func (p *Pipeline) Resume(ctx context.Context, doc *model.Document) error {
	unlock := p.locks.Lock(doc.ID)
	defer unlock()

	if err := p.run(ctx, doc); err != nil {
		p.metrics.RecordIngest(0, err)
		return err
	}
	p.metrics.RecordIngest(doc.ChunkNum, nil)
	return nil
}

// run advances a PENDING document to INDEXED. The caller holds the
// document's lock.
func (p *Pipeline) run(ctx context.Context, doc *model.Document) error {
	// Chunk.
	chunks, err := p.chunker.Split(doc, p.config.ChunkStrategy)
	if err != nil {
		return p.fail(ctx, doc, StageChunk, err)
	}
	doc.ChunkNum = len(chunks)
	if err := p.catalog.SaveChunks(ctx, doc.ID, chunks); err != nil {
		return p.fail(ctx, doc, StageChunk, err)
	}
	if err := p.transition(ctx, doc, model.StatusChunked); err != nil {
		return p.fail(ctx, doc, StageChunk, err)
	}
	if doc.Degraded {
		// Degraded flag is set by the chunker fallback; persist it.
		if err := p.catalog.SaveDocument(ctx, doc); err != nil {
			return p.fail(ctx, doc, StageChunk, err)
		}
	}

	// Embed, splitting and retrying once if the whole batch overflows the
	// provider limit.
	if err := p.embedChunks(ctx, chunks); err != nil {
		return p.fail(ctx, doc, StageEmbed, err)
	}
	if err := p.transition(ctx, doc, model.StatusEmbedded); err != nil {
		return p.fail(ctx, doc, StageEmbed, err)
	}

	// Index. All chunks of a document go in one atomic batch so the
	// document becomes searchable all at once.
	entries := make([]*store.IndexEntry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = &store.IndexEntry{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Ordinal:    chunk.Ordinal,
			Text:       chunk.Text,
			Vector:     chunk.Vector,
			Metadata:   chunk.Metadata,
		}
	}
	if err := p.vectors.Upsert(ctx, entries); err != nil {
		return p.fail(ctx, doc, StageIndex, err)
	}
	if err := p.transition(ctx, doc, model.StatusIndexed); err != nil {
		return p.fail(ctx, doc, StageIndex, err)
	}

	logger.Infow("Document indexed",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"degraded", doc.Degraded,
	)
	return nil
}

// embedChunks embeds all chunks, retrying once in provider-sized batches
// when the single batch overflows the provider limit.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*model.Chunk) error {
	err := p.embedder.EmbedChunks(ctx, chunks)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBatchTooLarge) {
		return err
	}

	limit := p.embedder.MaxBatchSize()
	if limit <= 0 {
		return err
	}
	p.metrics.RecordEmbedBatchRetry()
	logger.Warnw("Embedding batch overflowed provider limit, splitting",
		"chunks", len(chunks),
		"limit", limit,
	)

	for start := 0; start < len(chunks); start += limit {
		end := start + limit
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := p.embedder.EmbedChunks(ctx, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) transition(ctx context.Context, doc *model.Document, status model.DocumentStatus) error {
	if err := p.catalog.UpdateStatus(ctx, doc.ID, status, ""); err != nil {
		return err
	}
	doc.Status = status
	return nil
}

// fail parks the document in the FAILED state with the stage failure
// recorded. With CleanupOnFailure set, partial chunk and index state is
// removed; otherwise it stays for inspection.
func (p *Pipeline) fail(ctx context.Context, doc *model.Document, stage Stage, cause error) error {
	failure := &StageFailure{Stage: stage, Err: cause}
	doc.Status = model.StatusFailed
	doc.StatusError = failure.Error()

	// Status updates run on a fresh context so cancellation of the ingest
	// does not also lose the FAILED record.
	updateCtx := context.WithoutCancel(ctx)
	if err := p.catalog.UpdateStatus(updateCtx, doc.ID, model.StatusFailed, failure.Error()); err != nil {
		logger.Errorw("Failed to record document failure",
			"document_id", doc.ID,
			"error", err.Error(),
		)
	}

	if p.config.CleanupOnFailure {
		if _, err := p.vectors.DeleteByDocument(updateCtx, doc.ID); err != nil {
			logger.Warnw("Failed to clean up index entries of failed document",
				"document_id", doc.ID,
				"error", err.Error(),
			)
		}
	}

	logger.Errorw("Document ingestion failed",
		"document_id", doc.ID,
		"stage", string(stage),
		"error", cause.Error(),
	)
	return failure
}

// Delete removes a document everywhere: vector index entries first, then
// the catalog record and its chunks (cascade). It runs under the document's
// lock, so it serializes against an in-flight ingest of the same document.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	unlock := p.locks.Lock(documentID)
	defer unlock()

	if _, err := p.catalog.GetDocument(ctx, documentID); err != nil {
		return err
	}

	removed, err := p.vectors.DeleteByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete index entries of document %s: %w", documentID, err)
	}

	existed, err := p.catalog.DeleteDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document %s from catalog: %w", documentID, err)
	}
	if !existed {
		return fmt.Errorf("document %s: %w", documentID, ErrDocumentNotFound)
	}

	p.metrics.RecordDelete()
	logger.Infow("Document deleted",
		"document_id", documentID,
		"index_entries_removed", removed,
	)
	return nil
}
