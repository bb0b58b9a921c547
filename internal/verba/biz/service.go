package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/verba/metrics"
	"github.com/kart-io/verba/internal/verba/store"
	"github.com/kart-io/verba/pkg/infra/pool"
	"github.com/kart-io/verba/pkg/llm"
)

// ServiceConfig configures the query-side behavior of the service.
type ServiceConfig struct {
	// QueryTimeout bounds the whole retrieve+generate flow. On expiry the
	// in-flight generation is cancelled and whatever was produced so far is
	// returned with Finished=false.
	QueryTimeout time.Duration
}

// DefaultServiceConfig returns the default service configuration.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		QueryTimeout: 60 * time.Second,
	}
}

// Service is the orchestration facade: document lifecycle on one side,
// query answering on the other. Queries never mutate document state.
type Service struct {
	pipeline  *Pipeline
	retriever *Retriever
	generator *Generator
	cache     *QueryCache
	catalog   *store.Catalog
	vectors   store.VectorStore
	metrics   *metrics.Metrics
	ingestion *pool.Pool
	config    *ServiceConfig
}

// NewService creates the service facade.
func NewService(
	pipeline *Pipeline,
	retriever *Retriever,
	generator *Generator,
	cache *QueryCache,
	catalog *store.Catalog,
	vectors store.VectorStore,
	m *metrics.Metrics,
	ingestion *pool.Pool,
	config *ServiceConfig,
) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &Service{
		pipeline:  pipeline,
		retriever: retriever,
		generator: generator,
		cache:     cache,
		catalog:   catalog,
		vectors:   vectors,
		metrics:   m,
		ingestion: ingestion,
		config:    config,
	}
}

// Ingest runs the full pipeline synchronously.
func (s *Service) Ingest(ctx context.Context, src *Source) (*model.Document, error) {
	return s.pipeline.Ingest(ctx, src)
}

// IngestAsync loads and catalogs the document, then runs the remaining
// stages on the ingestion pool. The returned document is PENDING; callers
// poll its status by ID.
func (s *Service) IngestAsync(ctx context.Context, src *Source) (*model.Document, error) {
	doc, err := s.pipeline.loader.Load(ctx, src)
	if err != nil {
		return nil, &StageFailure{Stage: StageLoad, Err: err}
	}
	if err := s.catalog.SaveDocument(ctx, doc); err != nil {
		return nil, &StageFailure{Stage: StageLoad, Err: err}
	}

	// The pipeline run outlives the request.
	bgCtx := context.WithoutCancel(ctx)
	if err := s.ingestion.Submit(func() {
		if err := s.pipeline.Resume(bgCtx, doc); err != nil {
			logger.Warnw("Async ingestion failed",
				"document_id", doc.ID,
				"error", err.Error(),
			)
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule ingestion: %w", err)
	}
	return doc, nil
}

// GetDocument returns a catalogued document.
func (s *Service) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	return s.catalog.GetDocument(ctx, documentID)
}

// GetDocumentChunks returns a document's chunks in ordinal order.
func (s *Service) GetDocumentChunks(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	if _, err := s.catalog.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.catalog.GetChunks(ctx, documentID)
}

// ListDocuments returns all catalogued documents.
func (s *Service) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	return s.catalog.ListDocuments(ctx)
}

// Delete removes a document from the index and the catalog. The query cache
// is cleared afterwards: cached answers may cite the deleted document.
func (s *Service) Delete(ctx context.Context, documentID string) error {
	if err := s.pipeline.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := s.cache.Clear(ctx); err != nil {
		logger.Warnw("Failed to clear query cache after delete", "error", err.Error())
	}
	return nil
}

// Query answers a question from the indexed corpus. The answer streams
// internally so the deadline can cut generation short: a timed-out query
// returns the partial answer with Finished=false alongside ErrQueryTimeout.
func (s *Service) Query(ctx context.Context, query *model.Query) (*model.QueryResult, error) {
	if cached := s.cache.Get(ctx, query); cached != nil {
		s.metrics.RecordQuery(true, false, nil)
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	retrieval, uris, err := s.retrieve(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.RecordQuery(false, true, nil)
			return &model.QueryResult{Finished: false}, fmt.Errorf("retrieval cut off: %w", ErrQueryTimeout)
		}
		s.metrics.RecordQuery(false, false, err)
		return nil, err
	}

	llmStart := time.Now()
	stream, included, err := s.generator.GenerateStream(ctx, query, retrieval)
	if err != nil {
		s.metrics.RecordLLMCall(time.Since(llmStart), 0, 0, err)
		s.metrics.RecordQuery(false, false, err)
		return nil, err
	}
	sources := sourcesFor(included, retrieval, uris)

	var answer strings.Builder
	finished := false
collect:
	for {
		select {
		case frag, ok := <-stream:
			if !ok {
				break collect
			}
			answer.WriteString(frag.Content)
			if frag.Done {
				finished = true
				break collect
			}
		case <-ctx.Done():
			break collect
		}
	}
	s.metrics.RecordLLMCall(time.Since(llmStart), 0, 0, nil)

	result := &model.QueryResult{
		Answer:   answer.String(),
		Sources:  sources,
		Finished: finished,
	}
	if !finished {
		s.metrics.RecordQuery(false, true, nil)
		return result, fmt.Errorf("generation cut off: %w", ErrQueryTimeout)
	}

	s.metrics.RecordQuery(false, false, nil)
	s.cache.Set(ctx, query, result)
	return result, nil
}

// QueryStream answers a question as a live fragment stream. The returned
// channel is finite and not restartable: cancelling ctx stops production,
// and a fresh call is needed to regenerate.
func (s *Service) QueryStream(ctx context.Context, query *model.Query) (<-chan llm.Fragment, []model.ChunkSource, error) {
	retrieval, uris, err := s.retrieve(ctx, query)
	if err != nil {
		s.metrics.RecordQuery(false, false, err)
		return nil, nil, err
	}

	stream, included, err := s.generator.GenerateStream(ctx, query, retrieval)
	if err != nil {
		s.metrics.RecordQuery(false, false, err)
		return nil, nil, err
	}

	s.metrics.RecordQuery(false, false, nil)
	return stream, sourcesFor(included, retrieval, uris), nil
}

// retrieve runs retrieval and resolves source attribution for the hits.
func (s *Service) retrieve(ctx context.Context, query *model.Query) (*model.RetrievalResult, map[string]string, error) {
	start := time.Now()
	retrieval, err := s.retriever.Retrieve(ctx, query)
	s.metrics.RecordRetrieval(time.Since(start), err)
	if err != nil {
		return nil, nil, err
	}

	// Resolve document source URIs once per distinct document.
	uris := make(map[string]string)
	for _, sc := range retrieval.Chunks {
		docID := sc.Chunk.DocumentID
		if _, ok := uris[docID]; ok {
			continue
		}
		doc, err := s.catalog.GetDocument(ctx, docID)
		if err != nil {
			uris[docID] = ""
			continue
		}
		uris[docID] = doc.SourceURI
	}

	return retrieval, uris, nil
}

// sourcesFor builds the attribution list for exactly the chunks that made
// it into the prompt.
func sourcesFor(included []*model.Chunk, retrieval *model.RetrievalResult, uris map[string]string) []model.ChunkSource {
	scores := make(map[string]float32, len(retrieval.Chunks))
	for _, sc := range retrieval.Chunks {
		scores[sc.Chunk.ID] = sc.Score
	}

	sources := make([]model.ChunkSource, len(included))
	for i, chunk := range included {
		sources[i] = model.ChunkSource{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			SourceURI:  uris[chunk.DocumentID],
			Ordinal:    chunk.Ordinal,
			Text:       chunk.Text,
			Score:      scores[chunk.ID],
		}
	}
	return sources
}

// Stats aggregates service statistics for the stats endpoint.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	stats := s.metrics.Stats()

	if count, err := s.vectors.Count(ctx); err == nil {
		stats["index_entries"] = count
	}
	if count, err := s.catalog.CountDocuments(ctx); err == nil {
		stats["documents"] = count
	}
	stats["index_metric"] = string(s.vectors.Metric())
	stats["ingestion_pool"] = s.ingestion.Stats()
	return stats, nil
}

// Close releases the service's resources.
func (s *Service) Close(ctx context.Context) error {
	s.ingestion.Release()
	if err := s.vectors.Close(ctx); err != nil {
		return err
	}
	return s.catalog.Close()
}
