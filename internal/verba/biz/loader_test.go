package biz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kart-io/verba/internal/model"
)

func TestLoadInlineText(t *testing.T) {
	loader := NewLoader(nil)

	doc, err := loader.Load(context.Background(), &Source{
		Text:     "plain inline content",
		Metadata: map[string]any{"team": "search"},
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.ID == "" {
		t.Error("document must get an ID")
	}
	if doc.SourceURI != "inline" {
		t.Errorf("source uri = %q, want inline", doc.SourceURI)
	}
	if doc.Status != model.StatusPending {
		t.Errorf("status = %q, want PENDING", doc.Status)
	}
	if doc.RawText != "plain inline content" {
		t.Errorf("raw text = %q", doc.RawText)
	}
	if doc.Metadata["team"] != "search" {
		t.Error("metadata not carried onto the document")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# Heading\n\nbody text"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(nil)
	doc, err := loader.Load(context.Background(), &Source{Path: path})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.SourceURI != path {
		t.Errorf("source uri = %q, want %q", doc.SourceURI, path)
	}
	if !strings.Contains(doc.RawText, "body text") {
		t.Errorf("raw text missing file content: %q", doc.RawText)
	}
}

func TestLoadUnsupportedContentType(t *testing.T) {
	loader := NewLoader(nil)

	_, err := loader.Load(context.Background(), &Source{Text: "x", ContentType: "pdf"})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

func TestLoadEmptySource(t *testing.T) {
	loader := NewLoader(nil)

	_, err := loader.Load(context.Background(), &Source{})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
}

func TestLoadHTMLStripsMarkup(t *testing.T) {
	loader := NewLoader(nil)

	doc, err := loader.Load(context.Background(), &Source{
		Text:        `<html><head><style>p{}</style></head><body><p>Visible &amp; text</p><script>alert(1)</script></body></html>`,
		ContentType: "html",
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !strings.Contains(doc.RawText, "Visible & text") {
		t.Errorf("expected unescaped visible text, got %q", doc.RawText)
	}
	if strings.Contains(doc.RawText, "alert") || strings.Contains(doc.RawText, "<p>") {
		t.Errorf("markup leaked into extracted text: %q", doc.RawText)
	}
}

func TestLoadHTMLExtractionError(t *testing.T) {
	loader := NewLoader(nil)

	_, err := loader.Load(context.Background(), &Source{
		Text:        `<script>only code</script>`,
		ContentType: "html",
	})
	var extractErr *ExtractionError
	if !errors.As(err, &extractErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	if extractErr.Handler != "html" {
		t.Errorf("handler = %q, want html", extractErr.Handler)
	}
}

func TestLoadURLWithinLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "remote body")
	}))
	defer srv.Close()

	loader := NewLoader(&LoaderConfig{FetchTimeout: 5 * time.Second, MaxFetchBytes: 64})
	doc, err := loader.Load(context.Background(), &Source{URL: srv.URL})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.RawText != "remote body" {
		t.Errorf("raw text = %q", doc.RawText)
	}
	if doc.SourceURI != srv.URL {
		t.Errorf("source uri = %q, want %q", doc.SourceURI, srv.URL)
	}
}

func TestLoadURLExceedsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 65))
	}))
	defer srv.Close()

	// Oversized content must fail, not silently truncate.
	loader := NewLoader(&LoaderConfig{FetchTimeout: 5 * time.Second, MaxFetchBytes: 64})
	_, err := loader.Load(context.Background(), &Source{URL: srv.URL})
	if !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected ErrUnsupportedSource, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "fetch limit") {
		t.Errorf("error should name the fetch limit: %v", err)
	}
}

func TestRegisterHandler(t *testing.T) {
	loader := NewLoader(nil)
	loader.RegisterHandler("csv", func(raw string) (string, error) {
		return strings.ReplaceAll(raw, ",", " "), nil
	})

	doc, err := loader.Load(context.Background(), &Source{Text: "a,b,c", ContentType: "csv"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if doc.RawText != "a b c" {
		t.Errorf("custom handler not applied: %q", doc.RawText)
	}
}
