// Package qdrant provides a Qdrant-backed vector driver for deployments
// where the index lives outside the embedded database.
package qdrant

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/vector"
)

// Driver implements vector.Driver against a Qdrant collection. Owner and
// kind are stored as payload fields and applied as query filters.
type Driver struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger
}

// Config holds configuration for the Qdrant driver.
type Config struct {
	// Host is the Qdrant gRPC host (default "localhost").
	Host string

	// Port is the Qdrant gRPC port (default 6334).
	Port int

	// Collection is the collection name holding engram documents.
	Collection string

	// Dimensions is the embedding vector size.
	Dimensions uint
}

// NewDriver connects to Qdrant and ensures the collection exists.
func NewDriver(ctx context.Context, c Config, logger *zap.Logger) (*Driver, error) {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if c.Dimensions == 0 {
		return nil, fmt.Errorf("qdrant embedding dimensions cannot be 0, must be configured")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: c.Host,
		Port: c.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", vector.ErrUnavailable, err)
	}

	exists, err := client.CollectionExists(ctx, c.Collection)
	if err != nil {
		return nil, fmt.Errorf("%w: checking collection: %v", vector.ErrUnavailable, err)
	}

	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: c.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(c.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("creating collection: %w", err)
		}
	}

	logger.Info("qdrant vector driver initialized",
		zap.String("host", c.Host),
		zap.Int("port", c.Port),
		zap.String("collection", c.Collection),
		zap.Uint("dimensions", c.Dimensions),
	)

	return &Driver{
		client:     client,
		collection: c.Collection,
		logger:     logger,
	}, nil
}

// Add upserts documents into the collection. Document ids double as point
// ids, so re-adding a document replaces it.
func (d *Driver) Add(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: qdrant.NewValueMap(map[string]any{
				"owner": doc.Owner,
				"kind":  doc.Kind,
				"text":  doc.Text,
			}),
		})
	}

	_, err := d.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: d.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: upserting points: %v", vector.ErrUnavailable, err)
	}

	d.logger.Debug("added documents to qdrant",
		zap.Int("count", len(docs)),
	)

	return nil
}

// Query finds the topK most similar documents within the owner partition.
func (d *Driver) Query(ctx context.Context, owner, kind string, embedding []float32, topK int) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	points, err := d.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: d.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("owner", owner),
				qdrant.NewMatch("kind", kind),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying points: %v", vector.ErrUnavailable, err)
	}

	results := make([]vector.QueryResult, 0, len(points))
	for _, p := range points {
		r := vector.QueryResult{Score: p.GetScore()}
		r.ID = p.GetId().GetUuid()
		r.Owner = owner
		r.Kind = kind
		if payload := p.GetPayload(); payload != nil {
			r.Text = payload["text"].GetStringValue()
		}
		results = append(results, r)
	}

	d.logger.Debug("queried qdrant",
		zap.String("owner", owner),
		zap.String("kind", kind),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Delete removes documents by their IDs.
func (d *Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	_, err := d.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: d.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting points: %v", vector.ErrUnavailable, err)
	}

	return nil
}

// Count returns the total number of points in the collection.
func (d *Driver) Count(ctx context.Context) (int, error) {
	n, err := d.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: d.collection,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting points: %v", vector.ErrUnavailable, err)
	}
	return int(n), nil
}

// Close closes the underlying gRPC connection.
func (d *Driver) Close() error {
	return d.client.Close()
}

// Ensure Driver implements vector.Driver
var _ vector.Driver = (*Driver)(nil)
