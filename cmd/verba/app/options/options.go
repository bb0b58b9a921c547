// Package options defines the command-line options of the verba server.
package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/verba/internal/verba"
	"github.com/kart-io/verba/internal/verba/store"
	"github.com/kart-io/verba/pkg/component/milvus"
)

// LLMOptions configures one LLM provider role (embedding or chat).
type LLMOptions struct {
	Provider   string        `json:"provider" mapstructure:"provider"`
	BaseURL    string        `json:"base-url" mapstructure:"base-url"`
	APIKey     string        `json:"api-key" mapstructure:"api-key"`
	Model      string        `json:"model" mapstructure:"model"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max-retries" mapstructure:"max-retries"`
}

// ToConfigMap converts the options into a provider configuration map. The
// modelKey selects which model slot the Model value fills, "embed_model" or
// "chat_model".
func (o *LLMOptions) ToConfigMap(modelKey string) map[string]any {
	m := map[string]any{}
	if o.BaseURL != "" {
		m["base_url"] = o.BaseURL
	}
	if o.APIKey != "" {
		m["api_key"] = o.APIKey
	}
	if o.Model != "" {
		m[modelKey] = o.Model
	}
	if o.Timeout > 0 {
		m["timeout"] = o.Timeout
	}
	if o.MaxRetries > 0 {
		m["max_retries"] = o.MaxRetries
	}
	return m
}

// Options contains everything needed to run the verba server.
type Options struct {
	// Server.
	Addr            string        `json:"addr" mapstructure:"addr"`
	Mode            string        `json:"mode" mapstructure:"mode"`
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`

	// Vector index.
	StoreBackend string          `json:"store-backend" mapstructure:"store-backend"`
	Metric       string          `json:"metric" mapstructure:"metric"`
	EmbeddingDim int             `json:"embedding-dim" mapstructure:"embedding-dim"`
	Milvus       *milvus.Options `json:"milvus" mapstructure:"milvus"`

	// Catalog.
	CatalogPath string `json:"catalog-path" mapstructure:"catalog-path"`

	// LLM providers.
	Embedding *LLMOptions `json:"embedding" mapstructure:"embedding"`
	Chat      *LLMOptions `json:"chat" mapstructure:"chat"`

	// Chunking.
	ChunkMaxTokens     int    `json:"chunk-max-tokens" mapstructure:"chunk-max-tokens"`
	ChunkOverlapTokens int    `json:"chunk-overlap-tokens" mapstructure:"chunk-overlap-tokens"`
	ChunkBoundary      string `json:"chunk-boundary" mapstructure:"chunk-boundary"`

	// Retrieval.
	TopK           int  `json:"top-k" mapstructure:"top-k"`
	Oversample     int  `json:"oversample" mapstructure:"oversample"`
	MaxPerDocument int  `json:"max-per-document" mapstructure:"max-per-document"`
	KeywordRerank  bool `json:"keyword-rerank" mapstructure:"keyword-rerank"`

	// Generation.
	SystemPrompt        string `json:"system-prompt" mapstructure:"system-prompt"`
	ContextBudgetTokens int    `json:"context-budget-tokens" mapstructure:"context-budget-tokens"`

	// Query cache.
	CacheEnabled bool          `json:"cache-enabled" mapstructure:"cache-enabled"`
	CacheTTL     time.Duration `json:"cache-ttl" mapstructure:"cache-ttl"`
	RedisAddr    string        `json:"redis-addr" mapstructure:"redis-addr"`
	RedisDB      int           `json:"redis-db" mapstructure:"redis-db"`

	// Query execution.
	QueryTimeout time.Duration `json:"query-timeout" mapstructure:"query-timeout"`

	// Ingestion.
	IngestWorkers    int  `json:"ingest-workers" mapstructure:"ingest-workers"`
	CleanupOnFailure bool `json:"cleanup-on-failure" mapstructure:"cleanup-on-failure"`
}

// NewOptions creates Options with the default values.
func NewOptions() *Options {
	return &Options{
		Addr:            ":8080",
		Mode:            "release",
		ShutdownTimeout: 10 * time.Second,

		StoreBackend: "memory",
		Metric:       string(store.MetricCosine),
		EmbeddingDim: 0,
		Milvus:       milvus.NewOptions(),

		CatalogPath: "verba.db",

		Embedding: &LLMOptions{Provider: "ollama"},
		Chat:      &LLMOptions{Provider: "ollama"},

		ChunkMaxTokens:     256,
		ChunkOverlapTokens: 32,
		ChunkBoundary:      "sentence",

		TopK:           5,
		Oversample:     3,
		MaxPerDocument: 0,

		ContextBudgetTokens: 2048,

		CacheEnabled: false,
		CacheTTL:     1 * time.Hour,
		RedisAddr:    "localhost:6379",

		QueryTimeout: 60 * time.Second,

		IngestWorkers: 4,
	}
}

// AddFlags registers the server flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "addr", o.Addr, "HTTP listen address")
	fs.StringVar(&o.Mode, "mode", o.Mode, "Gin mode: debug, release, or test")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout")

	fs.StringVar(&o.StoreBackend, "store-backend", o.StoreBackend, "Vector store backend: memory or milvus")
	fs.StringVar(&o.Metric, "metric", o.Metric, "Similarity metric: cosine, dot, or l2")
	fs.IntVar(&o.EmbeddingDim, "embedding-dim", o.EmbeddingDim, "Embedding dimension, 0 learns it from the first batch")

	fs.StringVar(&o.Milvus.Address, "milvus.address", o.Milvus.Address, "Milvus server address")
	fs.StringVar(&o.Milvus.Username, "milvus.username", o.Milvus.Username, "Milvus username")
	fs.StringVar(&o.Milvus.Password, "milvus.password", o.Milvus.Password, "Milvus password")
	fs.StringVar(&o.Milvus.Database, "milvus.database", o.Milvus.Database, "Milvus database name")
	fs.StringVar(&o.Milvus.Collection, "milvus.collection", o.Milvus.Collection, "Milvus collection name")
	fs.DurationVar(&o.Milvus.Timeout, "milvus.timeout", o.Milvus.Timeout, "Milvus request timeout")

	fs.StringVar(&o.CatalogPath, "catalog-path", o.CatalogPath, "SQLite catalog path, :memory: for in-memory")

	fs.StringVar(&o.Embedding.Provider, "embedding.provider", o.Embedding.Provider, "Embedding provider name")
	fs.StringVar(&o.Embedding.BaseURL, "embedding.base-url", o.Embedding.BaseURL, "Embedding provider base URL")
	fs.StringVar(&o.Embedding.APIKey, "embedding.api-key", o.Embedding.APIKey, "Embedding provider API key")
	fs.StringVar(&o.Embedding.Model, "embedding.model", o.Embedding.Model, "Embedding model name")
	fs.DurationVar(&o.Embedding.Timeout, "embedding.timeout", o.Embedding.Timeout, "Embedding request timeout")
	fs.IntVar(&o.Embedding.MaxRetries, "embedding.max-retries", o.Embedding.MaxRetries, "Embedding request retries")

	fs.StringVar(&o.Chat.Provider, "chat.provider", o.Chat.Provider, "Chat provider name")
	fs.StringVar(&o.Chat.BaseURL, "chat.base-url", o.Chat.BaseURL, "Chat provider base URL")
	fs.StringVar(&o.Chat.APIKey, "chat.api-key", o.Chat.APIKey, "Chat provider API key")
	fs.StringVar(&o.Chat.Model, "chat.model", o.Chat.Model, "Chat model name")
	fs.DurationVar(&o.Chat.Timeout, "chat.timeout", o.Chat.Timeout, "Chat request timeout")
	fs.IntVar(&o.Chat.MaxRetries, "chat.max-retries", o.Chat.MaxRetries, "Chat request retries")

	fs.IntVar(&o.ChunkMaxTokens, "chunk-max-tokens", o.ChunkMaxTokens, "Maximum tokens per chunk")
	fs.IntVar(&o.ChunkOverlapTokens, "chunk-overlap-tokens", o.ChunkOverlapTokens, "Token overlap between consecutive chunks")
	fs.StringVar(&o.ChunkBoundary, "chunk-boundary", o.ChunkBoundary, "Chunk boundary mode: fixed, sentence, or semantic")

	fs.IntVar(&o.TopK, "top-k", o.TopK, "Default number of chunks to retrieve")
	fs.IntVar(&o.Oversample, "oversample", o.Oversample, "Retrieval oversampling factor")
	fs.IntVar(&o.MaxPerDocument, "max-per-document", o.MaxPerDocument, "Maximum retrieved chunks per document, 0 for no cap")
	fs.BoolVar(&o.KeywordRerank, "keyword-rerank", o.KeywordRerank, "Blend keyword overlap into retrieval scores")

	fs.StringVar(&o.SystemPrompt, "system-prompt", o.SystemPrompt, "Generation prompt template, empty for the built-in default")
	fs.IntVar(&o.ContextBudgetTokens, "context-budget-tokens", o.ContextBudgetTokens, "Token budget for the generation prompt")

	fs.BoolVar(&o.CacheEnabled, "cache-enabled", o.CacheEnabled, "Enable the Redis query result cache")
	fs.DurationVar(&o.CacheTTL, "cache-ttl", o.CacheTTL, "Query cache entry TTL")
	fs.StringVar(&o.RedisAddr, "redis-addr", o.RedisAddr, "Redis address for the query cache")
	fs.IntVar(&o.RedisDB, "redis-db", o.RedisDB, "Redis database number")

	fs.DurationVar(&o.QueryTimeout, "query-timeout", o.QueryTimeout, "Deadline for the full retrieve and generate flow")

	fs.IntVar(&o.IngestWorkers, "ingest-workers", o.IngestWorkers, "Async ingestion worker count")
	fs.BoolVar(&o.CleanupOnFailure, "cleanup-on-failure", o.CleanupOnFailure, "Delete partial index state when an ingestion stage fails")
}

// Complete fills in derived defaults.
func (o *Options) Complete() error {
	if o.Milvus == nil {
		o.Milvus = milvus.NewOptions()
	}
	if o.Embedding == nil {
		o.Embedding = &LLMOptions{Provider: "ollama"}
	}
	if o.Chat == nil {
		o.Chat = &LLMOptions{Provider: "ollama"}
	}
	return nil
}

// Validate checks the option values.
func (o *Options) Validate() error {
	var errs []error

	if _, err := store.ParseMetric(o.Metric); err != nil {
		errs = append(errs, err)
	}
	switch o.StoreBackend {
	case "memory":
	case "milvus":
		errs = append(errs, o.Milvus.Validate()...)
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", o.StoreBackend))
	}
	if o.Embedding.Provider == "" {
		errs = append(errs, fmt.Errorf("embedding provider must be set"))
	}
	if o.Chat.Provider == "" {
		errs = append(errs, fmt.Errorf("chat provider must be set"))
	}
	if o.ChunkMaxTokens < 1 {
		errs = append(errs, fmt.Errorf("chunk-max-tokens must be at least 1"))
	}
	if o.ChunkOverlapTokens < 0 || o.ChunkOverlapTokens >= o.ChunkMaxTokens {
		errs = append(errs, fmt.Errorf("chunk-overlap-tokens must be in [0, chunk-max-tokens)"))
	}
	if o.TopK < 1 {
		errs = append(errs, fmt.Errorf("top-k must be at least 1"))
	}
	if o.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("query-timeout must be positive"))
	}
	if o.IngestWorkers < 1 {
		errs = append(errs, fmt.Errorf("ingest-workers must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid options: %v", errs)
	}
	return nil
}

// Config builds the runtime configuration from the options.
func (o *Options) Config() *verba.Config {
	return &verba.Config{
		Addr:            o.Addr,
		Mode:            o.Mode,
		ShutdownTimeout: o.ShutdownTimeout,

		StoreBackend: o.StoreBackend,
		Metric:       o.Metric,
		EmbeddingDim: o.EmbeddingDim,
		Milvus:       o.Milvus,

		CatalogPath: o.CatalogPath,

		EmbeddingProvider: o.Embedding.Provider,
		EmbeddingConfig:   o.Embedding.ToConfigMap("embed_model"),
		ChatProvider:      o.Chat.Provider,
		ChatConfig:        o.Chat.ToConfigMap("chat_model"),

		ChunkMaxTokens:     o.ChunkMaxTokens,
		ChunkOverlapTokens: o.ChunkOverlapTokens,
		ChunkBoundary:      o.ChunkBoundary,

		TopK:           o.TopK,
		Oversample:     o.Oversample,
		MaxPerDocument: o.MaxPerDocument,
		KeywordRerank:  o.KeywordRerank,

		SystemPrompt:        o.SystemPrompt,
		ContextBudgetTokens: o.ContextBudgetTokens,

		CacheEnabled: o.CacheEnabled,
		CacheTTL:     o.CacheTTL,
		RedisAddr:    o.RedisAddr,
		RedisDB:      o.RedisDB,

		QueryTimeout: o.QueryTimeout,

		IngestWorkers:    o.IngestWorkers,
		CleanupOnFailure: o.CleanupOnFailure,
	}
}
