// Package metrics collects business metrics for the Verba service.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds ingest and query metrics for the service.
type Metrics struct {
	// Query metrics.
	queriesTotal       uint64
	queriesCacheHits   uint64
	queriesCacheMisses uint64
	queriesTimeouts    uint64
	queriesErrors      uint64

	// Retrieval metrics.
	retrievalTotal    uint64
	retrievalDuration float64
	retrievalErrors   uint64

	// Generation metrics.
	llmCallsTotal       uint64
	llmCallsDuration    float64
	llmCallsErrors      uint64
	llmTokensPrompt     uint64
	llmTokensCompletion uint64

	// Ingestion metrics.
	documentsIngested uint64
	documentsFailed   uint64
	documentsDeleted  uint64
	chunksIndexed     uint64
	embedBatchRetries uint64

	startTime  time.Time
	durationMu sync.Mutex
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Get returns the global metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{startTime: time.Now()}
	})
	return globalMetrics
}

// RecordQuery records one query outcome.
func (m *Metrics) RecordQuery(cacheHit, timedOut bool, err error) {
	atomic.AddUint64(&m.queriesTotal, 1)
	if timedOut {
		atomic.AddUint64(&m.queriesTimeouts, 1)
		return
	}
	if err != nil {
		atomic.AddUint64(&m.queriesErrors, 1)
		return
	}
	if cacheHit {
		atomic.AddUint64(&m.queriesCacheHits, 1)
	} else {
		atomic.AddUint64(&m.queriesCacheMisses, 1)
	}
}

// RecordRetrieval records one retrieval pass.
func (m *Metrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordLLMCall records one generation call.
func (m *Metrics) RecordLLMCall(duration time.Duration, promptTokens, completionTokens int, err error) {
	atomic.AddUint64(&m.llmCallsTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.llmCallsErrors, 1)
		return
	}

	m.durationMu.Lock()
	m.llmCallsDuration += duration.Seconds()
	m.durationMu.Unlock()

	if promptTokens > 0 {
		atomic.AddUint64(&m.llmTokensPrompt, uint64(promptTokens))
	}
	if completionTokens > 0 {
		atomic.AddUint64(&m.llmTokensCompletion, uint64(completionTokens))
	}
}

// RecordIngest records a finished ingestion pipeline run.
func (m *Metrics) RecordIngest(chunks int, err error) {
	if err != nil {
		atomic.AddUint64(&m.documentsFailed, 1)
		return
	}
	atomic.AddUint64(&m.documentsIngested, 1)
	atomic.AddUint64(&m.chunksIndexed, uint64(chunks))
}

// RecordDelete records a document deletion.
func (m *Metrics) RecordDelete() {
	atomic.AddUint64(&m.documentsDeleted, 1)
}

// RecordEmbedBatchRetry records a split-and-retry after a batch overflow.
func (m *Metrics) RecordEmbedBatchRetry() {
	atomic.AddUint64(&m.embedBatchRetries, 1)
}

func writeCounter(sb *strings.Builder, prefix, name, help string, value uint64) {
	fmt.Fprintf(sb, "# HELP %s_%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s_%s counter\n", prefix, name)
	fmt.Fprintf(sb, "%s_%s %d\n\n", prefix, name, value)
}

func writeGauge(sb *strings.Builder, prefix, name, help string, value float64) {
	fmt.Fprintf(sb, "# HELP %s_%s %s\n", prefix, name, help)
	fmt.Fprintf(sb, "# TYPE %s_%s gauge\n", prefix, name)
	fmt.Fprintf(sb, "%s_%s %.4f\n\n", prefix, name, value)
}

// Export renders the metrics in Prometheus text format.
func (m *Metrics) Export(namespace, subsystem string) string {
	prefix := namespace
	if subsystem != "" {
		prefix = prefix + "_" + subsystem
	}

	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	llmDuration := m.llmCallsDuration
	m.durationMu.Unlock()

	var sb strings.Builder
	writeCounter(&sb, prefix, "queries_total", "Total number of queries.", atomic.LoadUint64(&m.queriesTotal))
	writeCounter(&sb, prefix, "queries_cache_hits_total", "Number of query cache hits.", atomic.LoadUint64(&m.queriesCacheHits))
	writeCounter(&sb, prefix, "queries_cache_misses_total", "Number of query cache misses.", atomic.LoadUint64(&m.queriesCacheMisses))
	writeCounter(&sb, prefix, "queries_timeouts_total", "Number of queries cut off by the deadline.", atomic.LoadUint64(&m.queriesTimeouts))
	writeCounter(&sb, prefix, "queries_errors_total", "Number of query errors.", atomic.LoadUint64(&m.queriesErrors))

	cacheHits := atomic.LoadUint64(&m.queriesCacheHits)
	cacheMisses := atomic.LoadUint64(&m.queriesCacheMisses)
	cacheHitRate := 0.0
	if total := cacheHits + cacheMisses; total > 0 {
		cacheHitRate = float64(cacheHits) / float64(total)
	}
	writeGauge(&sb, prefix, "cache_hit_rate", "Query cache hit rate (0-1).", cacheHitRate)

	writeCounter(&sb, prefix, "retrieval_total", "Total number of retrievals.", atomic.LoadUint64(&m.retrievalTotal))
	writeGauge(&sb, prefix, "retrieval_duration_seconds_total", "Total retrieval duration.", retrievalDuration)
	writeCounter(&sb, prefix, "retrieval_errors_total", "Number of retrieval errors.", atomic.LoadUint64(&m.retrievalErrors))

	writeCounter(&sb, prefix, "llm_calls_total", "Total number of LLM calls.", atomic.LoadUint64(&m.llmCallsTotal))
	writeGauge(&sb, prefix, "llm_calls_duration_seconds_total", "Total LLM call duration.", llmDuration)
	writeCounter(&sb, prefix, "llm_calls_errors_total", "Number of LLM call errors.", atomic.LoadUint64(&m.llmCallsErrors))
	writeCounter(&sb, prefix, "llm_tokens_prompt_total", "Total prompt tokens.", atomic.LoadUint64(&m.llmTokensPrompt))
	writeCounter(&sb, prefix, "llm_tokens_completion_total", "Total completion tokens.", atomic.LoadUint64(&m.llmTokensCompletion))

	writeCounter(&sb, prefix, "documents_ingested_total", "Documents that reached the INDEXED state.", atomic.LoadUint64(&m.documentsIngested))
	writeCounter(&sb, prefix, "documents_failed_total", "Documents that ended in the FAILED state.", atomic.LoadUint64(&m.documentsFailed))
	writeCounter(&sb, prefix, "documents_deleted_total", "Documents deleted.", atomic.LoadUint64(&m.documentsDeleted))
	writeCounter(&sb, prefix, "chunks_indexed_total", "Chunks made visible in the vector index.", atomic.LoadUint64(&m.chunksIndexed))
	writeCounter(&sb, prefix, "embed_batch_retries_total", "Embedding batches split and retried after overflow.", atomic.LoadUint64(&m.embedBatchRetries))

	writeGauge(&sb, prefix, "uptime_seconds", "Service uptime in seconds.", time.Since(m.startTime).Seconds())
	return sb.String()
}

// Stats returns the current statistics as a nested map for the stats API.
func (m *Metrics) Stats() map[string]any {
	m.durationMu.Lock()
	retrievalDuration := m.retrievalDuration
	llmDuration := m.llmCallsDuration
	m.durationMu.Unlock()

	cacheHits := atomic.LoadUint64(&m.queriesCacheHits)
	cacheMisses := atomic.LoadUint64(&m.queriesCacheMisses)
	cacheHitRate := 0.0
	if total := cacheHits + cacheMisses; total > 0 {
		cacheHitRate = float64(cacheHits) / float64(total)
	}

	retrievalTotal := atomic.LoadUint64(&m.retrievalTotal)
	avgRetrievalDuration := 0.0
	if retrievalTotal > 0 {
		avgRetrievalDuration = retrievalDuration / float64(retrievalTotal)
	}

	llmTotal := atomic.LoadUint64(&m.llmCallsTotal)
	avgLLMDuration := 0.0
	if llmTotal > 0 {
		avgLLMDuration = llmDuration / float64(llmTotal)
	}

	return map[string]any{
		"queries": map[string]any{
			"total":          atomic.LoadUint64(&m.queriesTotal),
			"cache_hits":     cacheHits,
			"cache_misses":   cacheMisses,
			"cache_hit_rate": cacheHitRate,
			"timeouts":       atomic.LoadUint64(&m.queriesTimeouts),
			"errors":         atomic.LoadUint64(&m.queriesErrors),
		},
		"retrieval": map[string]any{
			"total":               retrievalTotal,
			"total_duration_secs": retrievalDuration,
			"avg_duration_secs":   avgRetrievalDuration,
			"errors":              atomic.LoadUint64(&m.retrievalErrors),
		},
		"llm": map[string]any{
			"calls_total":         llmTotal,
			"total_duration_secs": llmDuration,
			"avg_duration_secs":   avgLLMDuration,
			"errors":              atomic.LoadUint64(&m.llmCallsErrors),
			"tokens_prompt":       atomic.LoadUint64(&m.llmTokensPrompt),
			"tokens_completion":   atomic.LoadUint64(&m.llmTokensCompletion),
		},
		"ingestion": map[string]any{
			"documents_ingested":  atomic.LoadUint64(&m.documentsIngested),
			"documents_failed":    atomic.LoadUint64(&m.documentsFailed),
			"documents_deleted":   atomic.LoadUint64(&m.documentsDeleted),
			"chunks_indexed":      atomic.LoadUint64(&m.chunksIndexed),
			"embed_batch_retries": atomic.LoadUint64(&m.embedBatchRetries),
		},
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
}

// Reset clears all metrics. Intended for tests.
func (m *Metrics) Reset() {
	atomic.StoreUint64(&m.queriesTotal, 0)
	atomic.StoreUint64(&m.queriesCacheHits, 0)
	atomic.StoreUint64(&m.queriesCacheMisses, 0)
	atomic.StoreUint64(&m.queriesTimeouts, 0)
	atomic.StoreUint64(&m.queriesErrors, 0)
	atomic.StoreUint64(&m.retrievalTotal, 0)
	atomic.StoreUint64(&m.retrievalErrors, 0)
	atomic.StoreUint64(&m.llmCallsTotal, 0)
	atomic.StoreUint64(&m.llmCallsErrors, 0)
	atomic.StoreUint64(&m.llmTokensPrompt, 0)
	atomic.StoreUint64(&m.llmTokensCompletion, 0)
	atomic.StoreUint64(&m.documentsIngested, 0)
	atomic.StoreUint64(&m.documentsFailed, 0)
	atomic.StoreUint64(&m.documentsDeleted, 0)
	atomic.StoreUint64(&m.chunksIndexed, 0)
	atomic.StoreUint64(&m.embedBatchRetries, 0)

	m.durationMu.Lock()
	m.retrievalDuration = 0
	m.llmCallsDuration = 0
	m.startTime = time.Now()
	m.durationMu.Unlock()
}
