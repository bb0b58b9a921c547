// Package handler provides the HTTP handlers for the Verba service.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/internal/verba/biz"
)

// Handler handles Verba HTTP requests.
type Handler struct {
	service *biz.Service
}

// NewHandler creates a new Handler.
func NewHandler(service *biz.Service) *Handler {
	return &Handler{service: service}
}

// SuccessResponse is a standard success response.
type SuccessResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// IngestRequest represents a document ingestion request.
type IngestRequest struct {
	Text        string         `json:"text,omitempty"`
	Path        string         `json:"path,omitempty"`
	URL         string         `json:"url,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// Async schedules the pipeline in the background; the response carries
	// the PENDING document for status polling.
	Async bool `json:"async,omitempty"`
}

// Ingest loads a source and runs it through the ingestion pipeline.
func (h *Handler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	src := &biz.Source{
		Text:        req.Text,
		Path:        req.Path,
		URL:         req.URL,
		ContentType: req.ContentType,
		Metadata:    req.Metadata,
	}

	if req.Async {
		doc, err := h.service.IngestAsync(c.Request.Context(), src)
		if err != nil {
			status := ingestErrorStatus(err)
			c.JSON(status, ErrorResponse{Code: status, Message: err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, SuccessResponse{Code: 0, Message: "ingestion scheduled", Data: doc})
		return
	}

	doc, err := h.service.Ingest(c.Request.Context(), src)
	if err != nil {
		status := ingestErrorStatus(err)
		// A stage failure still has a catalogued FAILED document worth
		// returning for inspection.
		c.JSON(status, ErrorResponse{Code: status, Message: err.Error(), Data: doc})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "document indexed", Data: doc})
}

func ingestErrorStatus(err error) int {
	switch {
	case errors.Is(err, biz.ErrUnsupportedSource),
		errors.Is(err, biz.ErrInvalidStrategy):
		return http.StatusBadRequest
	default:
		var extractErr *biz.ExtractionError
		if errors.As(err, &extractErr) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

// ListDocuments returns all catalogued documents.
func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.service.ListDocuments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: docs})
}

// GetDocument returns one document by ID.
func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.service.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, biz.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Code: 404, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: doc})
}

// GetDocumentChunks returns a document's chunks in ordinal order.
func (h *Handler) GetDocumentChunks(c *gin.Context) {
	chunks, err := h.service.GetDocumentChunks(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, biz.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Code: 404, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: chunks})
}

// DeleteDocument removes a document from the index and the catalog.
func (h *Handler) DeleteDocument(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, biz.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Code: 404, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "document deleted"})
}

// QueryRequest represents a query request.
type QueryRequest struct {
	Question string         `json:"question" binding:"required"`
	Filters  map[string]any `json:"filters,omitempty"`
	TopK     int            `json:"top_k,omitempty"`
	// Strategy overrides the configured retrieval strategy for this query:
	// "vector" or "keyword". Empty keeps the default.
	Strategy string `json:"strategy,omitempty"`
}

func (r *QueryRequest) toQuery() *model.Query {
	return &model.Query{
		Text:     r.Question,
		Filters:  r.Filters,
		TopK:     r.TopK,
		Strategy: r.Strategy,
	}
}

// Query answers a question against the indexed corpus.
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	result, err := h.service.Query(c.Request.Context(), req.toQuery())
	if err != nil {
		if errors.Is(err, biz.ErrQueryTimeout) && result != nil {
			// The deadline cut generation short; hand back what was
			// produced with Finished=false.
			c.JSON(http.StatusOK, SuccessResponse{
				Code:    0,
				Message: "query deadline exceeded, partial result",
				Data:    result,
			})
			return
		}
		if errors.Is(err, biz.ErrContextTooLarge) || errors.Is(err, biz.ErrInvalidStrategy) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: result})
}

// streamEvent is one server-sent event of a streamed answer.
type streamEvent struct {
	Type    string              `json:"type"`
	Content string              `json:"content,omitempty"`
	Sources []model.ChunkSource `json:"sources,omitempty"`
	Done    bool                `json:"done,omitempty"`
}

// QueryStream answers a question as a server-sent-event stream. The first
// event carries the source attribution; fragments follow; the stream ends
// with a [DONE] sentinel. Client disconnect cancels generation.
func (h *Handler) QueryStream(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	stream, sources, err := h.service.QueryStream(ctx, req.toQuery())
	if err != nil {
		if errors.Is(err, biz.ErrContextTooLarge) || errors.Is(err, biz.ErrInvalidStrategy) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writeEvent(c.Writer, streamEvent{Type: "sources", Sources: sources})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case frag, ok := <-stream:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				return false
			}
			writeEvent(w, streamEvent{Type: "fragment", Content: frag.Content, Done: frag.Done})
			if frag.Done {
				fmt.Fprint(w, "data: [DONE]\n\n")
				return false
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func writeEvent(w io.Writer, event streamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// Stats returns service statistics.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: 0, Message: "success", Data: stats})
}
