package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRecordQueryOutcomes(t *testing.T) {
	m := Get()
	m.Reset()

	m.RecordQuery(false, false, nil) // miss
	m.RecordQuery(true, false, nil)  // hit
	m.RecordQuery(false, true, nil)  // timeout
	m.RecordQuery(false, false, errors.New("boom"))

	stats := m.Stats()
	queries := stats["queries"].(map[string]any)
	if queries["total"] != uint64(4) {
		t.Errorf("total = %v, want 4", queries["total"])
	}
	if queries["cache_hits"] != uint64(1) {
		t.Errorf("cache_hits = %v, want 1", queries["cache_hits"])
	}
	if queries["cache_misses"] != uint64(1) {
		t.Errorf("cache_misses = %v, want 1", queries["cache_misses"])
	}
	if queries["timeouts"] != uint64(1) {
		t.Errorf("timeouts = %v, want 1", queries["timeouts"])
	}
	if queries["errors"] != uint64(1) {
		t.Errorf("errors = %v, want 1", queries["errors"])
	}
	if queries["cache_hit_rate"] != 0.5 {
		t.Errorf("cache_hit_rate = %v, want 0.5", queries["cache_hit_rate"])
	}
}

func TestRecordIngest(t *testing.T) {
	m := Get()
	m.Reset()

	m.RecordIngest(5, nil)
	m.RecordIngest(0, errors.New("chunking failed"))
	m.RecordDelete()
	m.RecordEmbedBatchRetry()

	stats := m.Stats()
	ingestion := stats["ingestion"].(map[string]any)
	if ingestion["documents_ingested"] != uint64(1) {
		t.Errorf("documents_ingested = %v", ingestion["documents_ingested"])
	}
	if ingestion["documents_failed"] != uint64(1) {
		t.Errorf("documents_failed = %v", ingestion["documents_failed"])
	}
	if ingestion["chunks_indexed"] != uint64(5) {
		t.Errorf("chunks_indexed = %v", ingestion["chunks_indexed"])
	}
	if ingestion["documents_deleted"] != uint64(1) {
		t.Errorf("documents_deleted = %v", ingestion["documents_deleted"])
	}
	if ingestion["embed_batch_retries"] != uint64(1) {
		t.Errorf("embed_batch_retries = %v", ingestion["embed_batch_retries"])
	}
}

func TestRecordRetrievalAndLLM(t *testing.T) {
	m := Get()
	m.Reset()

	m.RecordRetrieval(100*time.Millisecond, nil)
	m.RecordRetrieval(0, errors.New("search failed"))
	m.RecordLLMCall(time.Second, 100, 20, nil)

	stats := m.Stats()
	retrieval := stats["retrieval"].(map[string]any)
	if retrieval["total"] != uint64(2) {
		t.Errorf("retrieval total = %v", retrieval["total"])
	}
	if retrieval["errors"] != uint64(1) {
		t.Errorf("retrieval errors = %v", retrieval["errors"])
	}

	llm := stats["llm"].(map[string]any)
	if llm["tokens_prompt"] != uint64(100) || llm["tokens_completion"] != uint64(20) {
		t.Errorf("token counts = %v / %v", llm["tokens_prompt"], llm["tokens_completion"])
	}
}

func TestExportPrometheusFormat(t *testing.T) {
	m := Get()
	m.Reset()
	m.RecordQuery(false, false, nil)

	out := m.Export("verba", "core")
	for _, want := range []string{
		"# TYPE verba_core_queries_total counter",
		"verba_core_queries_total 1",
		"# TYPE verba_core_uptime_seconds gauge",
		"verba_core_documents_ingested_total 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q", want)
		}
	}
}
