package biz

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/kart-io/verba/pkg/llm"
)

var (
	_ llm.EmbeddingProvider     = (*mockEmbeddingProvider)(nil)
	_ llm.ChatProvider          = (*mockChatProvider)(nil)
	_ llm.StreamingChatProvider = (*mockStreamingChatProvider)(nil)
)

// mockEmbeddingProvider produces deterministic vectors: identical text always
// yields the identical vector. Specific texts can be pinned to chosen vectors
// through the fixed map.
type mockEmbeddingProvider struct {
	mu       sync.Mutex
	dim      int
	maxBatch int
	err      error
	fixed    map[string][]float32
	batches  [][]string
}

func newMockEmbeddingProvider(dim, maxBatch int) *mockEmbeddingProvider {
	return &mockEmbeddingProvider{
		dim:      dim,
		maxBatch: maxBatch,
		fixed:    make(map[string][]float32),
	}
}

func (m *mockEmbeddingProvider) vectorFor(text string) []float32 {
	if v, ok := m.fixed[text]; ok {
		return v
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	v := make([]float32, m.dim)
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%2000)/1000 - 1
	}
	return v
}

func (m *mockEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	m.batches = append(m.batches, append([]string(nil), texts...))
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vectorFor(text)
	}
	return out, nil
}

func (m *mockEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *mockEmbeddingProvider) ModelVersion() string { return "mock-embed-1" }
func (m *mockEmbeddingProvider) MaxBatchSize() int    { return m.maxBatch }
func (m *mockEmbeddingProvider) Name() string         { return "mock" }

func (m *mockEmbeddingProvider) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.batches))
	for i, b := range m.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// mockChatProvider returns a canned reply and records the prompt it saw.
type mockChatProvider struct {
	mu         sync.Mutex
	reply      string
	err        error
	lastPrompt string
	calls      int
}

func (m *mockChatProvider) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *mockChatProvider) Generate(ctx context.Context, prompt, systemPrompt string) (*llm.GenerateResponse, error) {
	m.mu.Lock()
	m.lastPrompt = prompt
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &llm.GenerateResponse{Content: m.reply}, nil
}

func (m *mockChatProvider) Name() string { return "mock" }

// mockStreamingChatProvider streams preset fragments. With stall set it never
// produces the terminal fragment and instead waits for ctx cancellation after
// the preset fragments are out.
type mockStreamingChatProvider struct {
	mockChatProvider
	fragments []llm.Fragment
	stall     bool
}

func (m *mockStreamingChatProvider) GenerateStream(ctx context.Context, prompt, systemPrompt string) (<-chan llm.Fragment, error) {
	m.mu.Lock()
	m.lastPrompt = prompt
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make(chan llm.Fragment)
	go func() {
		defer close(out)
		for _, frag := range m.fragments {
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
			if frag.Done {
				return
			}
		}
		if m.stall {
			<-ctx.Done()
			return
		}
		select {
		case out <- llm.Fragment{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
