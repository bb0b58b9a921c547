package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kart-io/verba/internal/model"
)

// ErrDocumentNotFound is returned when a catalog lookup misses.
var ErrDocumentNotFound = errors.New("document not found")

// Catalog persists document records and chunk texts in SQLite. Vectors live
// in the vector store; the catalog is the system of record for documents,
// their lifecycle status, and the chunk texts each stage produced, so a
// failed document stays inspectable up to its last completed stage.
type Catalog struct {
	db *sql.DB
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	source_uri   TEXT NOT NULL,
	raw_text     TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT 'null',
	ingested_at  TIMESTAMP NOT NULL,
	status       TEXT NOT NULL,
	status_error TEXT NOT NULL DEFAULT '',
	degraded     INTEGER NOT NULL DEFAULT 0,
	chunk_num    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal     INTEGER NOT NULL,
	text        TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT 'null'
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
`

// NewCatalog opens (or creates) a catalog database. Use ":memory:" for an
// ephemeral catalog.
func NewCatalog(path string) (*Catalog, error) {
	if path == "" {
		path = ":memory:"
	}

	// WAL keeps readers unblocked while ingestion writes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// SaveDocument inserts or replaces a document record.
func (c *Catalog) SaveDocument(ctx context.Context, doc *model.Document) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO documents (id, source_uri, raw_text, metadata, ingested_at, status, status_error, degraded, chunk_num)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			status_error = excluded.status_error,
			degraded = excluded.degraded,
			chunk_num = excluded.chunk_num`,
		doc.ID, doc.SourceURI, doc.RawText, string(metadata), doc.IngestedAt.UTC(),
		string(doc.Status), doc.StatusError, boolToInt(doc.Degraded), doc.ChunkNum,
	)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}
	return nil
}

// UpdateStatus records a document's lifecycle transition.
func (c *Catalog) UpdateStatus(ctx context.Context, documentID string, status model.DocumentStatus, statusError string) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, status_error = ? WHERE id = ?`,
		string(status), statusError, documentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update status of document %s: %w", documentID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrDocumentNotFound)
	}
	return nil
}

// SaveChunks stores the chunks of a document in one transaction and updates
// the document's chunk count.
func (c *Catalog) SaveChunks(ctx context.Context, documentID string, chunks []*model.Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, ordinal, text, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text, metadata = excluded.metadata`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, chunk.ID, documentID, chunk.Ordinal, chunk.Text, string(metadata)); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", chunk.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET chunk_num = ? WHERE id = ?`, len(chunks), documentID); err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// GetDocument loads a single document record including its raw text.
func (c *Catalog) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, source_uri, raw_text, metadata, ingested_at, status, status_error, degraded, chunk_num
		FROM documents WHERE id = ?`, documentID)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	return doc, nil
}

// ListDocuments returns all document records ordered by ingestion time,
// without raw text.
func (c *Catalog) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_uri, '', metadata, ingested_at, status, status_error, degraded, chunk_num
		FROM documents ORDER BY ingested_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetChunks returns a document's chunks in ordinal order.
func (c *Catalog) GetChunks(ctx context.Context, documentID string) ([]*model.Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, text, metadata
		FROM chunks WHERE document_id = ? ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks of document %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []*model.Chunk
	for rows.Next() {
		var chunk model.Chunk
		var metadata string
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Ordinal, &chunk.Text, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &chunk.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// DeleteDocument removes a document and, via the foreign key cascade, all of
// its chunks. It reports whether the document existed.
func (c *Catalog) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountDocuments returns the number of catalogued documents.
func (c *Catalog) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var doc model.Document
	var metadata, status string
	var degraded int
	var ingestedAt time.Time
	if err := row.Scan(&doc.ID, &doc.SourceURI, &doc.RawText, &metadata, &ingestedAt,
		&status, &doc.StatusError, &degraded, &doc.ChunkNum); err != nil {
		return nil, err
	}
	doc.IngestedAt = ingestedAt
	doc.Status = model.DocumentStatus(status)
	doc.Degraded = degraded != 0
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document metadata: %w", err)
		}
	}
	return &doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
