package biz

import (
	"fmt"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/pkg/textutil"
	"github.com/kart-io/verba/pkg/id"
)

// Boundary selects how chunk edges are chosen.
type Boundary string

const (
	// BoundaryFixed splits on a fixed token window.
	BoundaryFixed Boundary = "fixed"
	// BoundarySentence packs whole sentences into each chunk.
	BoundarySentence Boundary = "sentence"
	// BoundarySemantic packs whole paragraphs, splitting oversized
	// paragraphs on sentences.
	BoundarySemantic Boundary = "semantic"
)

// Strategy configures a single chunking run. Tokens are whitespace-delimited
// words.
type Strategy struct {
	MaxTokens     int      `json:"max_tokens"`
	OverlapTokens int      `json:"overlap_tokens"`
	Boundary      Boundary `json:"boundary"`
}

// Validate checks the strategy bounds.
func (s Strategy) Validate() error {
	if s.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be at least 1: %w", ErrInvalidStrategy)
	}
	if s.OverlapTokens < 0 || s.OverlapTokens >= s.MaxTokens {
		return fmt.Errorf("overlap must satisfy 0 <= overlap < max tokens: %w", ErrInvalidStrategy)
	}
	switch s.Boundary {
	case BoundaryFixed, BoundarySentence, BoundarySemantic, "":
	default:
		return fmt.Errorf("unknown boundary %q: %w", s.Boundary, ErrInvalidStrategy)
	}
	return nil
}

// SentenceSplitter splits text into sentences. Implementations may fail on
// unsupported input; the chunker then degrades to fixed splitting.
type SentenceSplitter interface {
	SplitSentences(text string) ([]string, error)
}

// RegexSentenceSplitter splits on terminal punctuation.
type RegexSentenceSplitter struct{}

// SplitSentences implements SentenceSplitter.
func (RegexSentenceSplitter) SplitSentences(text string) ([]string, error) {
	return textutil.SplitSentences(text), nil
}

// Chunker splits documents into retrieval-sized chunks. Chunk IDs come from
// a monotonic generator so insertion order is recoverable from the IDs.
type Chunker struct {
	splitter SentenceSplitter
	ids      *id.ChunkIDGenerator
}

// NewChunker creates a chunker. A nil splitter disables sentence and
// semantic boundaries; requests for them degrade to fixed splitting.
func NewChunker(splitter SentenceSplitter) *Chunker {
	return &Chunker{
		splitter: splitter,
		ids:      id.NewChunkIDGenerator(),
	}
}

// Split chunks a document under the given strategy. Ordinals are contiguous
// from 0; concatenating chunk texts in ordinal order reproduces the
// whitespace-normalized document text modulo overlap. When a sentence or
// semantic split is requested but unavailable, Split falls back to fixed
// splitting and marks the document degraded instead of failing.
func (c *Chunker) Split(doc *model.Document, strategy Strategy) ([]*model.Chunk, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.RawText) == "" {
		return nil, nil
	}

	boundary := strategy.Boundary
	if boundary == "" {
		boundary = BoundaryFixed
	}

	var texts []string
	switch boundary {
	case BoundaryFixed:
		texts = splitFixed(textutil.Words(doc.RawText), strategy.MaxTokens, strategy.OverlapTokens)
	case BoundarySentence:
		texts = c.splitUnits(doc, sentenceUnits(c.splitter, doc.RawText), strategy)
	case BoundarySemantic:
		texts = c.splitUnits(doc, paragraphUnits(doc.RawText), strategy)
	}

	chunks := make([]*model.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &model.Chunk{
			ID:         c.ids.Next(),
			DocumentID: doc.ID,
			Ordinal:    i,
			Text:       text,
			Metadata:   doc.Metadata,
		}
	}
	return chunks, nil
}

// splitUnits packs pre-split units (sentences or paragraphs) into chunks,
// falling back to fixed splitting when no units are available.
func (c *Chunker) splitUnits(doc *model.Document, units []string, strategy Strategy) []string {
	if units == nil {
		logger.Warnw("Sentence splitting unavailable, falling back to fixed chunking",
			"document_id", doc.ID,
		)
		doc.Degraded = true
		return splitFixed(textutil.Words(doc.RawText), strategy.MaxTokens, strategy.OverlapTokens)
	}
	return packUnits(units, strategy.MaxTokens, strategy.OverlapTokens)
}

// splitFixed slides a token window of maxTokens with the given overlap.
func splitFixed(words []string, maxTokens, overlap int) []string {
	if len(words) == 0 {
		return nil
	}

	step := maxTokens - overlap
	var texts []string
	for i := 0; i < len(words); i += step {
		end := i + maxTokens
		if end > len(words) {
			end = len(words)
		}
		texts = append(texts, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return texts
}

// packUnits fills chunks with whole units up to maxTokens. When overlap is
// non-zero, the trailing overlap tokens of each chunk are carried into the
// start of the next, trimmed when the next unit leaves no room for them. A
// unit longer than the budget is word-split across as many chunks as it
// needs.
func packUnits(units []string, maxTokens, overlap int) []string {
	var texts []string
	var carry []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		parts := make([]string, 0, len(carry)+len(current))
		parts = append(parts, carry...)
		parts = append(parts, current...)
		body := strings.Join(parts, " ")
		texts = append(texts, body)
		carry = trailingWords(body, overlap)
		current = nil
		currentTokens = 0
	}

	for _, unit := range units {
		n := textutil.WordCount(unit)
		if n == 0 {
			continue
		}
		if n > maxTokens {
			flush()
			words := make([]string, 0, len(carry)+n)
			words = append(words, carry...)
			words = append(words, textutil.Words(unit)...)
			pieces := splitFixed(words, maxTokens, overlap)
			texts = append(texts, pieces...)
			carry = trailingWords(pieces[len(pieces)-1], overlap)
			continue
		}
		if len(carry)+currentTokens+n > maxTokens {
			flush()
			if len(carry)+n > maxTokens {
				carry = carry[len(carry)+n-maxTokens:]
			}
		}
		current = append(current, unit)
		currentTokens += n
	}
	flush()
	return texts
}

// trailingWords returns the last n words of text.
func trailingWords(text string, n int) []string {
	if n <= 0 {
		return nil
	}
	words := textutil.Words(text)
	if len(words) <= n {
		return words
	}
	return words[len(words)-n:]
}

// sentenceUnits returns the document's sentences, or nil when the splitter
// is missing or fails.
func sentenceUnits(splitter SentenceSplitter, text string) []string {
	if splitter == nil {
		return nil
	}
	sentences, err := splitter.SplitSentences(text)
	if err != nil || len(sentences) == 0 {
		return nil
	}
	return sentences
}

// paragraphUnits splits on blank lines. Oversized paragraphs are word-split
// by packUnits.
func paragraphUnits(text string) []string {
	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		units = append(units, para)
	}
	if len(units) == 0 {
		return nil
	}
	return units
}
