// Package vecindex adapts the qdrant vector database to the narrow
// surface the pipeline and retrieval need: ensure/drop collection,
// upsert, filter-delete, and top-k cosine search. Callers never see
// qdrant types; payloads cross the boundary as plain maps.
package vecindex

import (
	"context"
	"log/slog"
	"time"

	"github.com/qdrant/go-client/qdrant"

	ragerrors "github.com/forumrag/forumrag/internal/errors"
)

// DefaultRequestTimeout bounds individual index operations. It is
// separate from embedding deadlines and backoff sleeps.
const DefaultRequestTimeout = 30 * time.Second

// Config configures the index connection.
type Config struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "forumrag"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Point is one vector with its payload, addressed by a deterministic
// UUID.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Condition matches a payload field against an exact value.
type Condition struct {
	Key   string
	Value any // string, int, int64, or bool
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition
}

// Eq builds an equality condition.
func Eq(key string, value any) Condition {
	return Condition{Key: key, Value: value}
}

// Index is a qdrant-backed vector index scoped to one collection.
type Index struct {
	client     *qdrant.Client
	collection string
	timeout    time.Duration
}

// New connects to qdrant. The gRPC connection is lazy, so failures
// surface on the first operation rather than here.
func New(cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, ragerrors.IndexUnreachableError(err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		timeout:    cfg.RequestTimeout,
	}, nil
}

// Collection returns the collection name this index operates on.
func (x *Index) Collection() string {
	return x.collection
}

func (x *Index) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, x.timeout)
}

// EnsureCollection creates the cosine collection when missing and
// verifies the stored dimension when present. A dimension conflict is
// session-fatal: continuing would upsert vectors nothing can search.
func (x *Index) EnsureCollection(ctx context.Context, dim int) error {
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	exists, err := x.client.CollectionExists(opCtx, x.collection)
	if err != nil {
		return ragerrors.IndexUnreachableError(err)
	}

	if exists {
		info, err := x.client.GetCollectionInfo(opCtx, x.collection)
		if err != nil {
			return ragerrors.IndexUnreachableError(err)
		}
		stored := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if stored != 0 && stored != dim {
			return ragerrors.DimensionMismatchError(dim, stored)
		}
		return nil
	}

	err = x.client.CreateCollection(opCtx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return ragerrors.IndexUnreachableError(err)
	}

	slog.Info("collection_created",
		slog.String("collection", x.collection),
		slog.Int("dimensions", dim))
	return nil
}

// Upsert writes points with wait=true, so a successful return means the
// vectors are queryable.
func (x *Index) Upsert(ctx context.Context, points []*Point) error {
	if len(points) == 0 {
		return nil
	}
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		}
	}

	_, err := x.client.Upsert(opCtx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeUpsertFailed, "vector upsert failed", err)
	}
	return nil
}

// DeleteByFilter removes every point whose payload matches the filter.
func (x *Index) DeleteByFilter(ctx context.Context, filter Filter) error {
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	_, err := x.client.Delete(opCtx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(buildFilter(filter)),
	})
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeUpsertFailed, "filter delete failed", err)
	}
	return nil
}

// DeleteByIDs removes specific points. Used when a source file vanishes and
// its chunk IDs are already known from the state store.
func (x *Index) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	points := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		points[i] = qdrant.NewID(id)
	}
	_, err := x.client.Delete(opCtx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(points...),
	})
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeUpsertFailed, "point delete failed", err)
	}
	return nil
}

// Search returns the k nearest points by cosine similarity, descending.
// A nil filter searches the whole collection.
func (x *Index) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]*ScoredPoint, error) {
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	req := &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filter != nil && len(filter.Must) > 0 {
		req.Filter = buildFilter(*filter)
	}

	hits, err := x.client.Query(opCtx, req)
	if err != nil {
		return nil, ragerrors.IndexUnreachableError(err)
	}

	out := make([]*ScoredPoint, 0, len(hits))
	for _, h := range hits {
		out = append(out, &ScoredPoint{
			ID:      h.GetId().GetUuid(),
			Score:   h.GetScore(),
			Payload: decodeValueMap(h.GetPayload()),
		})
	}
	return out, nil
}

// Stats summarizes the collection.
type Stats struct {
	PointsCount uint64
	Dimensions  int
}

// CollectionInfo returns point count and stored dimension.
func (x *Index) CollectionInfo(ctx context.Context) (*Stats, error) {
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	info, err := x.client.GetCollectionInfo(opCtx, x.collection)
	if err != nil {
		return nil, ragerrors.IndexUnreachableError(err)
	}
	return &Stats{
		PointsCount: info.GetPointsCount(),
		Dimensions:  int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}, nil
}

// DropCollection deletes the collection and everything in it. Full
// re-ingests call this before EnsureCollection.
func (x *Index) DropCollection(ctx context.Context) error {
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	if err := x.client.DeleteCollection(opCtx, x.collection); err != nil {
		return ragerrors.IndexUnreachableError(err)
	}
	slog.Info("collection_dropped", slog.String("collection", x.collection))
	return nil
}

// Healthy reports whether the index answers a health probe.
func (x *Index) Healthy(ctx context.Context) bool {
	opCtx, cancel := x.opCtx(ctx)
	defer cancel()

	_, err := x.client.HealthCheck(opCtx)
	return err == nil
}

// Close tears down the gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}

func buildFilter(f Filter) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(f.Must))
	for _, c := range f.Must {
		switch v := c.Value.(type) {
		case string:
			conditions = append(conditions, qdrant.NewMatch(c.Key, v))
		case int:
			conditions = append(conditions, qdrant.NewMatchInt(c.Key, int64(v)))
		case int64:
			conditions = append(conditions, qdrant.NewMatchInt(c.Key, v))
		case bool:
			conditions = append(conditions, qdrant.NewMatchBool(c.Key, v))
		}
	}
	return &qdrant.Filter{Must: conditions}
}

func decodeValueMap(values map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		return decodeValueMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}
