package biz

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/verba/internal/model"
	"github.com/kart-io/verba/pkg/id"
)

// Source describes where a document comes from. Exactly one of Text, Path,
// or URL should be set.
type Source struct {
	// Text is literal document content.
	Text string `json:"text,omitempty"`
	// Path is a local file path.
	Path string `json:"path,omitempty"`
	// URL is an HTTP(S) location to fetch.
	URL string `json:"url,omitempty"`
	// ContentType overrides content-type detection (txt, md, html).
	ContentType string `json:"content_type,omitempty"`
	// Metadata is attached verbatim to the resulting document.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentHandler extracts plain text from raw content of one type.
type ContentHandler func(raw string) (string, error)

// LoaderConfig configures the document loader.
type LoaderConfig struct {
	// FetchTimeout bounds URL fetches.
	FetchTimeout time.Duration
	// MaxFetchBytes caps the size of fetched remote content.
	MaxFetchBytes int64
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		FetchTimeout:  30 * time.Second,
		MaxFetchBytes: 10 << 20,
	}
}

// Loader turns sources into Document records. It assigns IDs and extracts
// text; persistence belongs to the pipeline.
type Loader struct {
	config     *LoaderConfig
	handlers   map[string]ContentHandler
	httpClient *http.Client
}

// NewLoader creates a loader with the built-in txt, md, and html handlers.
func NewLoader(config *LoaderConfig) *Loader {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	l := &Loader{
		config:     config,
		handlers:   make(map[string]ContentHandler),
		httpClient: &http.Client{Timeout: config.FetchTimeout},
	}
	l.RegisterHandler("txt", passthroughHandler)
	l.RegisterHandler("md", passthroughHandler)
	l.RegisterHandler("html", stripMarkupHandler)
	return l
}

// RegisterHandler registers (or replaces) the handler for a content type.
func (l *Loader) RegisterHandler(contentType string, handler ContentHandler) {
	l.handlers[strings.ToLower(contentType)] = handler
}

// Load resolves a source, extracts its text, and returns a fresh PENDING
// document with a new ID.
func (l *Loader) Load(ctx context.Context, src *Source) (*model.Document, error) {
	raw, sourceURI, contentType, err := l.resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	handler, ok := l.handlers[contentType]
	if !ok {
		return nil, fmt.Errorf("content type %q: %w", contentType, ErrUnsupportedSource)
	}

	text, err := handler(raw)
	if err != nil {
		return nil, &ExtractionError{Handler: contentType, Err: err}
	}

	doc := &model.Document{
		ID:         id.NewDocumentID(),
		SourceURI:  sourceURI,
		RawText:    text,
		Metadata:   src.Metadata,
		IngestedAt: time.Now().UTC(),
		Status:     model.StatusPending,
	}
	logger.Infow("Document loaded",
		"document_id", doc.ID,
		"source", sourceURI,
		"content_type", contentType,
		"bytes", len(text),
	)
	return doc, nil
}

func (l *Loader) resolve(ctx context.Context, src *Source) (raw, sourceURI, contentType string, err error) {
	switch {
	case src.URL != "":
		raw, contentType, err = l.fetch(ctx, src.URL)
		if err != nil {
			return "", "", "", err
		}
		sourceURI = src.URL
	case src.Path != "":
		data, readErr := os.ReadFile(src.Path)
		if readErr != nil {
			return "", "", "", fmt.Errorf("failed to read file %s: %w", src.Path, readErr)
		}
		raw = string(data)
		sourceURI = src.Path
		contentType = typeFromExtension(src.Path)
	case src.Text != "":
		raw = src.Text
		sourceURI = "inline"
		contentType = "txt"
	default:
		return "", "", "", fmt.Errorf("source has no text, path, or url: %w", ErrUnsupportedSource)
	}

	if src.ContentType != "" {
		contentType = strings.ToLower(src.ContentType)
	}
	return raw, sourceURI, contentType, nil
}

func (l *Loader) fetch(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}

	// Read one byte past the cap so truncation is detectable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.config.MaxFetchBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if int64(len(data)) > l.config.MaxFetchBytes {
		return "", "", fmt.Errorf("content from %s exceeds the %d byte fetch limit: %w",
			url, l.config.MaxFetchBytes, ErrUnsupportedSource)
	}

	contentType := typeFromExtension(url)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		contentType = "html"
	}
	return string(data), contentType, nil
}

func typeFromExtension(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "md", "markdown":
		return "md"
	case "html", "htm":
		return "html"
	case "", "txt", "text":
		return "txt"
	default:
		return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	}
}

func passthroughHandler(raw string) (string, error) {
	return raw, nil
}

var (
	scriptStyleRegex = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRegex         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankLineRegex   = regexp.MustCompile(`\n{3,}`)
)

// stripMarkupHandler extracts readable text from HTML markup.
func stripMarkupHandler(raw string) (string, error) {
	if !strings.Contains(raw, "<") {
		return raw, nil
	}
	text := scriptStyleRegex.ReplaceAllString(raw, " ")
	text = tagRegex.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = blankLineRegex.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("no text content after markup removal")
	}
	return text, nil
}
