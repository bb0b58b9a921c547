package biz

import (
	"context"
	"fmt"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/pkg/textutil"
	"github.com/kart-io/verba/pkg/llm"
)

// DefaultSystemPrompt is the answer generation template. {{context}} and
// {{question}} are replaced per query.
const DefaultSystemPrompt = `You are a knowledge base assistant. Answer the question using only the information in the context below. If the context does not contain the answer, say so instead of guessing.

Context:
{{context}}

Question: {{question}}`

// FallbackAnswer is returned when retrieval produced nothing to ground an
// answer on.
const FallbackAnswer = "I couldn't find any relevant information in the knowledge base."

// GeneratorConfig configures answer generation.
type GeneratorConfig struct {
	// SystemPrompt is the prompt template. Empty uses DefaultSystemPrompt.
	SystemPrompt string
	// ContextBudgetTokens caps the whole prompt (context plus question) in
	// whitespace tokens.
	ContextBudgetTokens int
}

// DefaultGeneratorConfig returns the default generation configuration.
func DefaultGeneratorConfig() *GeneratorConfig {
	return &GeneratorConfig{
		SystemPrompt:        DefaultSystemPrompt,
		ContextBudgetTokens: 2048,
	}
}

// Generator produces answers from retrieved context. Prompt assembly is
// deterministic: the same query and retrieval result always produce the
// same prompt.
type Generator struct {
	chatProvider llm.ChatProvider
	config       *GeneratorConfig
}

// NewGenerator creates a generator.
func NewGenerator(chatProvider llm.ChatProvider, config *GeneratorConfig) *Generator {
	if config == nil {
		config = DefaultGeneratorConfig()
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	return &Generator{
		chatProvider: chatProvider,
		config:       config,
	}
}

// buildPrompt assembles the prompt within the token budget. Chunks are
// dropped from the lowest rank upward until the prompt fits; ranks are never
// reordered. When even the single top chunk cannot fit alongside the
// question, the query fails with ErrContextTooLarge.
func (g *Generator) buildPrompt(query *model.Query, retrieval *model.RetrievalResult) (string, []*model.Chunk, error) {
	included := make([]*model.Chunk, 0, len(retrieval.Chunks))
	for _, sc := range retrieval.Chunks {
		included = append(included, sc.Chunk)
	}

	budget := g.config.ContextBudgetTokens
	queryTokens := textutil.WordCount(query.Text)
	contextTokens := 0
	for _, chunk := range included {
		contextTokens += textutil.WordCount(chunk.Text)
	}

	for budget > 0 && queryTokens+contextTokens > budget {
		if len(included) == 1 {
			return "", nil, fmt.Errorf("top chunk (%d tokens) plus question (%d tokens) exceed budget %d: %w",
				contextTokens, queryTokens, budget, ErrContextTooLarge)
		}
		last := included[len(included)-1]
		contextTokens -= textutil.WordCount(last.Text)
		included = included[:len(included)-1]
	}

	var contextBuilder strings.Builder
	for i, chunk := range included {
		contextBuilder.WriteString(fmt.Sprintf("[%d] %s\n\n", i+1, chunk.Text))
	}

	prompt := strings.ReplaceAll(g.config.SystemPrompt, "{{context}}", contextBuilder.String())
	prompt = strings.ReplaceAll(prompt, "{{question}}", query.Text)
	return prompt, included, nil
}

// Generate produces an answer for the query from the retrieved chunks.
// Citations reference exactly the chunks that made it into the prompt.
func (g *Generator) Generate(ctx context.Context, query *model.Query, retrieval *model.RetrievalResult) (*model.GenerationResult, error) {
	if retrieval.Empty() {
		return &model.GenerationResult{
			Answer:   FallbackAnswer,
			Finished: true,
		}, nil
	}

	prompt, included, err := g.buildPrompt(query, retrieval)
	if err != nil {
		return nil, err
	}

	resp, err := g.chatProvider.Generate(ctx, prompt, "")
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	if resp.TokenUsage != nil {
		logger.Infof("Answer generated (length: %d, tokens: %d)", len(resp.Content), resp.TokenUsage.TotalTokens)
	} else {
		logger.Infof("Answer generated (length: %d)", len(resp.Content))
	}

	return &model.GenerationResult{
		Answer:        resp.Content,
		CitedChunkIDs: chunkIDs(included),
		Finished:      true,
	}, nil
}

// GenerateStream produces the answer as a finite fragment channel. The
// channel closes after the terminal fragment, or early when ctx is
// cancelled; a cancelled stream cannot be resumed, only regenerated. The
// returned chunks are the citations for the streamed answer.
func (g *Generator) GenerateStream(ctx context.Context, query *model.Query, retrieval *model.RetrievalResult) (<-chan llm.Fragment, []*model.Chunk, error) {
	if retrieval.Empty() {
		out := make(chan llm.Fragment, 1)
		out <- llm.Fragment{Content: FallbackAnswer, Done: true}
		close(out)
		return out, nil, nil
	}

	prompt, included, err := g.buildPrompt(query, retrieval)
	if err != nil {
		return nil, nil, err
	}

	streamer, ok := g.chatProvider.(llm.StreamingChatProvider)
	if !ok {
		// Provider cannot stream; emit the whole answer as one fragment.
		resp, err := g.chatProvider.Generate(ctx, prompt, "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate answer: %w", err)
		}
		out := make(chan llm.Fragment, 1)
		out <- llm.Fragment{Content: resp.Content, Done: true}
		close(out)
		return out, included, nil
	}

	stream, err := streamer.GenerateStream(ctx, prompt, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start generation stream: %w", err)
	}
	return stream, included, nil
}

func chunkIDs(chunks []*model.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		ids[i] = chunk.ID
	}
	return ids
}
