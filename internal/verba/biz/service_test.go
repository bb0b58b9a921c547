package biz

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/verba/metrics"
	"github.com/kart-io/verba/internal/verba/store"
	"github.com/kart-io/verba/pkg/infra/pool"
	"github.com/kart-io/verba/pkg/llm"
)

type serviceFixture struct {
	service  *Service
	provider *mockEmbeddingProvider
	chat     *mockStreamingChatProvider
	catalog  *store.Catalog
}

func newServiceFixture(t *testing.T, chat *mockStreamingChatProvider, config *ServiceConfig) *serviceFixture {
	t.Helper()

	catalog, err := store.NewCatalog(":memory:")
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}

	provider := newMockEmbeddingProvider(8, 64)
	vectors := store.NewMemoryStore(store.MetricCosine)
	embedder := NewEmbedder(provider, 0)
	m := metrics.Get()

	pipeline := NewPipeline(NewLoader(nil), NewChunker(RegexSentenceSplitter{}), embedder, vectors, catalog, m, nil)
	retriever := NewRetriever(vectors, embedder, nil)
	generator := NewGenerator(chat, nil)
	cache := NewQueryCache(nil, nil)

	ingestion, err := pool.NewPool("ingest", pool.IngestPool, pool.IngestPoolConfig(2))
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	service := NewService(pipeline, retriever, generator, cache, catalog, vectors, m, ingestion, config)
	t.Cleanup(func() { service.Close(context.Background()) })

	return &serviceFixture{
		service:  service,
		provider: provider,
		chat:     chat,
		catalog:  catalog,
	}
}

func TestServiceQueryRoundTrip(t *testing.T) {
	chat := &mockStreamingChatProvider{
		fragments: []llm.Fragment{
			{Content: "The answer "},
			{Content: "is here.", Done: true},
		},
	}
	f := newServiceFixture(t, chat, nil)
	ctx := context.Background()

	doc, err := f.service.Ingest(ctx, &Source{Text: "Verba stores chunks. It retrieves them later."})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	result, err := f.service.Query(ctx, &model.Query{Text: "what does verba do?", TopK: 2})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Answer != "The answer is here." {
		t.Errorf("answer = %q", result.Answer)
	}
	if !result.Finished {
		t.Error("completed query must be finished")
	}
	if len(result.Sources) == 0 {
		t.Fatal("query must carry source attribution")
	}
	for _, src := range result.Sources {
		if src.DocumentID != doc.ID {
			t.Errorf("source document = %q, want %q", src.DocumentID, doc.ID)
		}
		if src.SourceURI != "inline" {
			t.Errorf("source uri = %q, want inline", src.SourceURI)
		}
	}
}

func TestServiceQueryEmptyIndex(t *testing.T) {
	chat := &mockStreamingChatProvider{}
	f := newServiceFixture(t, chat, nil)

	result, err := f.service.Query(context.Background(), &model.Query{Text: "anything"})
	if err != nil {
		t.Fatalf("query against an empty index must not fail: %v", err)
	}
	if result.Answer != FallbackAnswer {
		t.Errorf("answer = %q, want fallback", result.Answer)
	}
	if len(result.Sources) != 0 {
		t.Error("fallback answer must cite nothing")
	}
}

func TestServiceQueryTimeoutPartialResult(t *testing.T) {
	chat := &mockStreamingChatProvider{
		fragments: []llm.Fragment{{Content: "partial answer "}},
		stall:     true,
	}
	f := newServiceFixture(t, chat, &ServiceConfig{QueryTimeout: 150 * time.Millisecond})
	ctx := context.Background()

	if _, err := f.service.Ingest(ctx, &Source{Text: "Something retrievable."}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	result, err := f.service.Query(ctx, &model.Query{Text: "stalls forever"})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}
	if result == nil {
		t.Fatal("timed-out query must still return the partial result")
	}
	if result.Finished {
		t.Error("partial result must not be finished")
	}
	if !strings.Contains(result.Answer, "partial answer") {
		t.Errorf("partial answer lost: %q", result.Answer)
	}
}

func TestServiceQueryStream(t *testing.T) {
	chat := &mockStreamingChatProvider{
		fragments: []llm.Fragment{
			{Content: "a"},
			{Content: "b", Done: true},
		},
	}
	f := newServiceFixture(t, chat, nil)
	ctx := context.Background()

	if _, err := f.service.Ingest(ctx, &Source{Text: "Streamable content here."}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	stream, sources, err := f.service.QueryStream(ctx, &model.Query{Text: "stream it"})
	if err != nil {
		t.Fatalf("query stream failed: %v", err)
	}
	if len(sources) == 0 {
		t.Error("stream must carry source attribution up front")
	}

	var answer strings.Builder
	for frag := range stream {
		answer.WriteString(frag.Content)
	}
	if answer.String() != "ab" {
		t.Errorf("streamed answer = %q", answer.String())
	}
}

func TestServiceIngestAsync(t *testing.T) {
	chat := &mockStreamingChatProvider{}
	f := newServiceFixture(t, chat, nil)
	ctx := context.Background()

	doc, err := f.service.IngestAsync(ctx, &Source{Text: "Background content. More of it."})
	if err != nil {
		t.Fatalf("async ingest failed: %v", err)
	}
	if doc.Status != model.StatusPending {
		t.Errorf("async ingest returns PENDING, got %q", doc.Status)
	}

	// Poll until the background run finishes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := f.service.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if stored.Status == model.StatusIndexed {
			break
		}
		if stored.Status == model.StatusFailed {
			t.Fatalf("background ingest failed: %s", stored.StatusError)
		}
		if time.Now().After(deadline) {
			t.Fatalf("document stuck in %q", stored.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceDeleteThenQuery(t *testing.T) {
	chat := &mockStreamingChatProvider{}
	f := newServiceFixture(t, chat, nil)
	ctx := context.Background()

	doc, err := f.service.Ingest(ctx, &Source{Text: "Ephemeral knowledge."})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := f.service.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	result, err := f.service.Query(ctx, &model.Query{Text: "ephemeral?"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Answer != FallbackAnswer {
		t.Errorf("deleted content still answered: %q", result.Answer)
	}
}

func TestServiceStats(t *testing.T) {
	chat := &mockStreamingChatProvider{}
	f := newServiceFixture(t, chat, nil)
	ctx := context.Background()

	if _, err := f.service.Ingest(ctx, &Source{Text: "Counted content."}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	stats, err := f.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats["documents"] != int64(1) {
		t.Errorf("documents = %v, want 1", stats["documents"])
	}
	if stats["index_metric"] != string(store.MetricCosine) {
		t.Errorf("index_metric = %v", stats["index_metric"])
	}
	if _, ok := stats["ingestion_pool"]; !ok {
		t.Error("stats must include the ingestion pool")
	}
}
