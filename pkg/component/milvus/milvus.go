// Package milvus wraps the Milvus SDK client for chunk vector collections.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
)

// Client wraps the Milvus SDK client.
type Client struct {
	client *milvusclient.Client
	opts   *Options
}

// New creates a new Milvus client.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}

	return &Client{client: c, opts: opts}, nil
}

// Close closes the Milvus client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// RawClient returns the underlying Milvus client.
func (c *Client) RawClient() *milvusclient.Client {
	return c.client
}

// CollectionSchema defines the schema for a chunk collection. Chunks carry
// their own string IDs, so the primary key is a caller-supplied VARCHAR.
type CollectionSchema struct {
	Name      string
	Dimension int
	Metric    entity.MetricType
}

const metricDescPrefix = "metric="

// EnsureCollection creates the collection if it does not exist. When the
// collection already exists, the stored metric is checked against the
// requested one; ExistingMetric reports what the check found.
func (c *Client) EnsureCollection(ctx context.Context, schema *CollectionSchema) error {
	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(schema.Name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	// The metric is recorded in the collection description so a later open
	// can detect a mismatch.
	collSchema := entity.NewSchema().
		WithName(schema.Name).
		WithDescription(metricDescPrefix + string(schema.Metric)).
		WithAutoID(false)

	collSchema.WithField(
		entity.NewField().
			WithName("chunk_id").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(64).
			WithIsPrimaryKey(true),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("embedding").
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(schema.Dimension)),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("document_id").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(64),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("ordinal").
			WithDataType(entity.FieldTypeInt64),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("content").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(65535),
	)
	collSchema.WithField(
		entity.NewField().
			WithName("metadata").
			WithDataType(entity.FieldTypeJSON),
	)

	if err := c.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(schema.Name, collSchema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(schema.Metric, 128)
	createIdxTask, err := c.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(schema.Name, "embedding", idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := createIdxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}

	loadTask, err := c.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(schema.Name))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}

	return nil
}

// ExistingMetric returns the metric recorded when the collection was
// created, or empty when the collection does not exist.
func (c *Client) ExistingMetric(ctx context.Context, collectionName string) (entity.MetricType, error) {
	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(collectionName))
	if err != nil {
		return "", fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		return "", nil
	}

	coll, err := c.client.DescribeCollection(ctx, milvusclient.NewDescribeCollectionOption(collectionName))
	if err != nil {
		return "", fmt.Errorf("failed to describe collection: %w", err)
	}
	desc := coll.Schema.Description
	if strings.HasPrefix(desc, metricDescPrefix) {
		return entity.MetricType(strings.TrimPrefix(desc, metricDescPrefix)), nil
	}
	return "", nil
}

// ChunkRow is one row of a chunk collection.
type ChunkRow struct {
	ChunkID    string
	DocumentID string
	Ordinal    int64
	Content    string
	Metadata   []byte
	Embedding  []float32
}

// Insert inserts chunk rows and flushes so they are visible to searches
// issued after return.
func (c *Client) Insert(ctx context.Context, collectionName string, rows []ChunkRow) error {
	if len(rows) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(rows))
	documentIDs := make([]string, len(rows))
	ordinals := make([]int64, len(rows))
	contents := make([]string, len(rows))
	metadatas := make([][]byte, len(rows))
	embeddings := make([][]float32, len(rows))
	for i, r := range rows {
		chunkIDs[i] = r.ChunkID
		documentIDs[i] = r.DocumentID
		ordinals[i] = r.Ordinal
		contents[i] = r.Content
		metadatas[i] = r.Metadata
		embeddings[i] = r.Embedding
	}

	columns := []column.Column{
		column.NewColumnVarChar("chunk_id", chunkIDs),
		column.NewColumnFloatVector("embedding", len(embeddings[0]), embeddings),
		column.NewColumnVarChar("document_id", documentIDs),
		column.NewColumnInt64("ordinal", ordinals),
		column.NewColumnVarChar("content", contents),
		column.NewColumnJSONBytes("metadata", metadatas),
	}

	if _, err := c.client.Insert(ctx, milvusclient.NewColumnBasedInsertOption(collectionName, columns...)); err != nil {
		return fmt.Errorf("failed to insert data: %w", err)
	}

	// Flushing per batch keeps ingestion read-your-writes at the cost of
	// some throughput.
	flushTask, err := c.client.Flush(ctx, milvusclient.NewFlushOption(collectionName))
	if err != nil {
		return fmt.Errorf("failed to flush collection: %w", err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for flush: %w", err)
	}
	return nil
}

// SearchHit is a single search result row.
type SearchHit struct {
	ChunkID    string
	DocumentID string
	Ordinal    int64
	Content    string
	Metadata   []byte
	Score      float32
}

// Search performs a vector similarity search, optionally restricted by a
// Milvus filter expression.
func (c *Client) Search(ctx context.Context, collectionName string, vector []float32, topK int, filterExpr string) ([]SearchHit, error) {
	searchVectors := []entity.Vector{entity.FloatVector(vector)}

	opt := milvusclient.NewSearchOption(collectionName, topK, searchVectors).
		WithANNSField("embedding").
		WithSearchParam("nprobe", "16").
		WithOutputFields("chunk_id", "document_id", "ordinal", "content", "metadata")
	if filterExpr != "" {
		opt = opt.WithFilter(filterExpr)
	}

	results, err := c.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	rs := results[0]
	hits := make([]SearchHit, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		hit := SearchHit{Score: rs.Scores[i]}
		for _, field := range rs.Fields {
			switch col := field.(type) {
			case *column.ColumnVarChar:
				switch col.Name() {
				case "chunk_id":
					hit.ChunkID = col.Data()[i]
				case "document_id":
					hit.DocumentID = col.Data()[i]
				case "content":
					hit.Content = col.Data()[i]
				}
			case *column.ColumnInt64:
				if col.Name() == "ordinal" {
					hit.Ordinal = col.Data()[i]
				}
			case *column.ColumnJSONBytes:
				if col.Name() == "metadata" {
					hit.Metadata = col.Data()[i]
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteByExpr deletes rows matching a filter expression and returns the
// number deleted.
func (c *Client) DeleteByExpr(ctx context.Context, collectionName, expr string) (int64, error) {
	result, err := c.client.Delete(ctx, milvusclient.NewDeleteOption(collectionName).WithExpr(expr))
	if err != nil {
		return 0, fmt.Errorf("failed to delete by expression: %w", err)
	}

	flushTask, err := c.client.Flush(ctx, milvusclient.NewFlushOption(collectionName))
	if err != nil {
		return 0, fmt.Errorf("failed to flush collection: %w", err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return 0, fmt.Errorf("failed to wait for flush: %w", err)
	}
	return result.DeleteCount, nil
}

// DropCollection drops a collection.
func (c *Client) DropCollection(ctx context.Context, collectionName string) error {
	if err := c.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(collectionName)); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// GetCollectionStats returns the number of entities in a collection.
func (c *Client) GetCollectionStats(ctx context.Context, collectionName string) (int64, error) {
	stats, err := c.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(collectionName))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}

	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}
