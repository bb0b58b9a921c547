// Package verba assembles and runs the Verba RAG service.
package verba

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/verba/internal/verba/biz"
	"github.com/kart-io/verba/internal/verba/handler"
	"github.com/kart-io/verba/internal/verba/metrics"
	"github.com/kart-io/verba/internal/verba/router"
	"github.com/kart-io/verba/internal/verba/store"
	"github.com/kart-io/verba/pkg/component/milvus"
	"github.com/kart-io/verba/pkg/infra/pool"
	"github.com/kart-io/verba/pkg/llm"

	// Provider registrations.
	_ "github.com/kart-io/verba/pkg/llm/ollama"
	_ "github.com/kart-io/verba/pkg/llm/openai"
)

// Name is the service name.
const Name = "verba"

// Config is the fully resolved runtime configuration of the service.
type Config struct {
	// HTTP server.
	Addr            string
	Mode            string
	ShutdownTimeout time.Duration

	// Vector index.
	StoreBackend string // "memory" or "milvus"
	Metric       string
	EmbeddingDim int
	Milvus       *milvus.Options

	// Document catalog.
	CatalogPath string

	// LLM providers.
	EmbeddingProvider string
	EmbeddingConfig   map[string]any
	ChatProvider      string
	ChatConfig        map[string]any

	// Chunking.
	ChunkMaxTokens     int
	ChunkOverlapTokens int
	ChunkBoundary      string

	// Retrieval.
	TopK           int
	Oversample     int
	MaxPerDocument int
	KeywordRerank  bool

	// Generation.
	SystemPrompt        string
	ContextBudgetTokens int

	// Query cache.
	CacheEnabled bool
	CacheTTL     time.Duration
	RedisAddr    string
	RedisDB      int

	// Query execution.
	QueryTimeout time.Duration

	// Ingestion.
	IngestWorkers    int
	CleanupOnFailure bool
}

// Server is the assembled Verba service.
type Server struct {
	config  *Config
	service *biz.Service
	engine  *gin.Engine
}

// NewServer assembles the full service from the configuration.
func (cfg *Config) NewServer(ctx context.Context) (*Server, error) {
	metric, err := store.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}

	vectors, err := cfg.newVectorStore(ctx, metric)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	catalog, err := store.NewCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	embeddingProvider, err := llm.NewEmbeddingProvider(cfg.EmbeddingProvider, cfg.EmbeddingConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	chatProvider, err := llm.NewChatProvider(cfg.ChatProvider, cfg.ChatConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat provider: %w", err)
	}

	embedder := biz.NewEmbedder(embeddingProvider, cfg.EmbeddingDim)
	chunker := biz.NewChunker(biz.RegexSentenceSplitter{})
	loader := biz.NewLoader(biz.DefaultLoaderConfig())

	strategy := biz.Strategy{
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlapTokens,
		Boundary:      biz.Boundary(cfg.ChunkBoundary),
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	m := metrics.Get()

	pipeline := biz.NewPipeline(loader, chunker, embedder, vectors, catalog, m, &biz.PipelineConfig{
		ChunkStrategy:    strategy,
		CleanupOnFailure: cfg.CleanupOnFailure,
	})

	retrieverConfig := biz.DefaultRetrieverConfig()
	retrieverConfig.TopK = cfg.TopK
	retrieverConfig.OversampleFactor = cfg.Oversample
	retrieverConfig.MaxPerDocument = cfg.MaxPerDocument
	retrieverConfig.KeywordRerank = cfg.KeywordRerank
	retriever := biz.NewRetriever(vectors, embedder, retrieverConfig)

	generator := biz.NewGenerator(chatProvider, &biz.GeneratorConfig{
		SystemPrompt:        cfg.SystemPrompt,
		ContextBudgetTokens: cfg.ContextBudgetTokens,
	})

	cache := biz.NewQueryCache(cfg.newRedisClient(ctx), &biz.QueryCacheConfig{
		Enabled:   cfg.CacheEnabled,
		TTL:       cfg.CacheTTL,
		KeyPrefix: Name + ":query:",
	})

	ingestion, err := pool.NewPool("ingest", pool.IngestPool, pool.IngestPoolConfig(cfg.IngestWorkers))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion pool: %w", err)
	}

	service := biz.NewService(pipeline, retriever, generator, cache, catalog, vectors, m, ingestion, &biz.ServiceConfig{
		QueryTimeout: cfg.QueryTimeout,
	})

	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Register(engine, handler.NewHandler(service), m)

	return &Server{
		config:  cfg,
		service: service,
		engine:  engine,
	}, nil
}

// newVectorStore creates the configured vector store backend.
func (cfg *Config) newVectorStore(ctx context.Context, metric store.Metric) (store.VectorStore, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		logger.Infow("Using in-memory vector store", "metric", string(metric))
		return store.NewMemoryStore(metric), nil
	case "milvus":
		client, err := milvus.New(cfg.Milvus)
		if err != nil {
			return nil, err
		}
		return store.NewMilvusStore(ctx, client, cfg.Milvus.Collection, metric, cfg.EmbeddingDim)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.StoreBackend)
	}
}

// newRedisClient connects to Redis when the cache is enabled. Connection
// failure disables the cache rather than failing startup.
func (cfg *Config) newRedisClient(ctx context.Context) *goredis.Client {
	if !cfg.CacheEnabled || cfg.RedisAddr == "" {
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnw("Redis unreachable, query cache disabled",
			"addr", cfg.RedisAddr,
			"error", err.Error(),
		)
		_ = client.Close()
		cfg.CacheEnabled = false
		return nil
	}
	logger.Infow("Query cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL.String())
	return client
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server starting", "addr", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("HTTP shutdown failed", "error", err.Error())
	}
	if err := s.service.Close(shutdownCtx); err != nil {
		logger.Errorw("Service close failed", "error", err.Error())
	}
	logger.Info("Shutdown complete")
	return nil
}

// Service exposes the assembled business service, mainly for tests and
// embedding the server in other programs.
func (s *Server) Service() *biz.Service {
	return s.service
}
