package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/verba/internal/verba/biz"
	"github.com/kart-io/verba/internal/verba/handler"
	"github.com/kart-io/verba/internal/verba/metrics"
	"github.com/kart-io/verba/internal/verba/router"
	"github.com/kart-io/verba/internal/verba/store"
	"github.com/kart-io/verba/pkg/infra/pool"
	"github.com/kart-io/verba/pkg/llm"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)%7) + 1, float32(len(text)%3) + 1}
	}
	return out, nil
}

func (f fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, _ := f.Embed(ctx, []string{text})
	return vectors[0], nil
}

func (fakeEmbedder) ModelVersion() string { return "fake-1" }
func (fakeEmbedder) MaxBatchSize() int    { return 64 }
func (fakeEmbedder) Name() string         { return "fake" }

type fakeChat struct{}

func (fakeChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	return "chat reply", nil
}

func (fakeChat) Generate(ctx context.Context, prompt, systemPrompt string) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{Content: "generated answer"}, nil
}

func (fakeChat) GenerateStream(ctx context.Context, prompt, systemPrompt string) (<-chan llm.Fragment, error) {
	out := make(chan llm.Fragment, 2)
	out <- llm.Fragment{Content: "generated "}
	out <- llm.Fragment{Content: "answer", Done: true}
	close(out)
	return out, nil
}

func (fakeChat) Name() string { return "fake" }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog, err := store.NewCatalog(":memory:")
	require.NoError(t, err)

	vectors := store.NewMemoryStore(store.MetricCosine)
	embedder := biz.NewEmbedder(fakeEmbedder{}, 0)
	m := metrics.Get()

	pipeline := biz.NewPipeline(
		biz.NewLoader(nil),
		biz.NewChunker(biz.RegexSentenceSplitter{}),
		embedder, vectors, catalog, m, nil,
	)
	retriever := biz.NewRetriever(vectors, embedder, nil)
	generator := biz.NewGenerator(fakeChat{}, nil)
	cache := biz.NewQueryCache(nil, nil)

	ingestion, err := pool.NewPool("ingest", pool.IngestPool, pool.IngestPoolConfig(2))
	require.NoError(t, err)

	service := biz.NewService(pipeline, retriever, generator, cache, catalog, vectors, m, ingestion, nil)
	t.Cleanup(func() { service.Close(context.Background()) })

	engine := gin.New()
	router.Register(engine, handler.NewHandler(service), m)
	return engine
}

// closeNotifyRecorder adds the http.CloseNotifier implementation that
// gin's Context.Stream requires but httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(&closeNotifyRecorder{w, make(chan bool, 1)}, req)
	return w
}

func ingestDocument(t *testing.T, engine *gin.Engine, text string) string {
	t.Helper()
	w := doJSON(t, engine, http.MethodPost, "/v1/documents", map[string]any{"text": text})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ID)
	return resp.Data.ID
}

func TestIngestEndpoint(t *testing.T) {
	engine := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/documents", map[string]any{
		"text": "A document. With two sentences.",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"INDEXED"`)
}

func TestIngestEndpointAsync(t *testing.T) {
	engine := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/documents", map[string]any{
		"text":  "Background document.",
		"async": true,
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)
}

func TestIngestEndpointUnsupportedType(t *testing.T) {
	engine := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/documents", map[string]any{
		"text":         "binary stuff",
		"content_type": "pdf",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentLifecycleEndpoints(t *testing.T) {
	engine := newTestRouter(t)
	docID := ingestDocument(t, engine, "Lifecycle test. Second sentence.")

	w := doJSON(t, engine, http.MethodGet, "/v1/documents", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), docID)

	w = doJSON(t, engine, http.MethodGet, "/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodGet, fmt.Sprintf("/v1/documents/%s/chunks", docID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodDelete, "/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodGet, "/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryEndpoint(t *testing.T) {
	engine := newTestRouter(t)
	ingestDocument(t, engine, "Knowledge lives here. It answers questions.")

	w := doJSON(t, engine, http.MethodPost, "/v1/query", map[string]any{
		"question": "where does knowledge live?",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Answer   string `json:"answer"`
			Finished bool   `json:"finished"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "generated answer", resp.Data.Answer)
	assert.True(t, resp.Data.Finished)
}

func TestQueryEndpointValidation(t *testing.T) {
	engine := newTestRouter(t)

	w := doJSON(t, engine, http.MethodPost, "/v1/query", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryStreamEndpoint(t *testing.T) {
	engine := newTestRouter(t)
	ingestDocument(t, engine, "Streamed knowledge. Flows in fragments.")

	w := doJSON(t, engine, http.MethodPost, "/v1/query/stream", map[string]any{
		"question": "stream?",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `"type":"sources"`)
	assert.Contains(t, body, `"type":"fragment"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"), body)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	engine := newTestRouter(t)

	w := doJSON(t, engine, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "index_metric")

	w = doJSON(t, engine, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, engine, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "verba_core_queries_total")
}
