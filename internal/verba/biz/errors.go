package biz

import (
	"errors"
	"fmt"

	"github.com/kart-io/verba/internal/verba/store"
)

var (
	// ErrUnsupportedSource is returned when no content handler matches a
	// source's content type.
	ErrUnsupportedSource = errors.New("unsupported source content type")

	// ErrInvalidStrategy is returned for chunking strategies violating
	// 0 <= overlap < max tokens.
	ErrInvalidStrategy = errors.New("invalid chunking strategy")

	// ErrBatchTooLarge is returned when an embedding batch exceeds the
	// provider's maximum batch size.
	ErrBatchTooLarge = errors.New("embedding batch exceeds provider limit")

	// ErrMetricMismatch is returned when an existing vector index was built
	// under a different distance metric.
	ErrMetricMismatch = store.ErrMetricMismatch

	// ErrContextTooLarge is returned when the context budget cannot fit even
	// the single top-ranked chunk alongside the question.
	ErrContextTooLarge = errors.New("context budget cannot fit the top chunk")

	// ErrQueryTimeout marks a query that exceeded its overall deadline. The
	// accompanying result carries whatever was produced before the cutoff.
	ErrQueryTimeout = errors.New("query deadline exceeded")

	// ErrDocumentNotFound is returned for lookups of unknown documents.
	ErrDocumentNotFound = store.ErrDocumentNotFound
)

// ExtractionError reports a content handler failing mid-extraction.
type ExtractionError struct {
	Handler string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("handler %s failed to extract content: %v", e.Handler, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Stage names a pipeline stage for failure attribution.
type Stage string

const (
	StageLoad  Stage = "load"
	StageChunk Stage = "chunk"
	StageEmbed Stage = "embed"
	StageIndex Stage = "index"
)

// StageFailure wraps an error with the pipeline stage it occurred in. It is
// recorded on the document when ingestion fails; queries never produce one.
type StageFailure struct {
	Stage Stage
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error {
	return e.Err
}
