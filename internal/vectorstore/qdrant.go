package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("retrieval.vectorstore")

// pointNamespace seeds deterministic point IDs. Qdrant requires UUID or
// integer point IDs, so document IDs are mapped through UUIDv5: the same
// document ID always yields the same point ID, which is what makes re-upserts
// overwrite instead of duplicate.
var pointNamespace = uuid.MustParse("8f2a9c1e-5d74-4b0b-9a63-2f1e0c4d7a55")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334
	Port int

	// APIKey authenticates against managed Qdrant deployments. Empty for
	// local instances.
	APIKey string

	// VectorSize is the dimensionality of stored embeddings.
	// MUST match the embedder's output dimensions.
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection. Required when APIKey is
	// set.
	UseTLS bool

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// SkipHealthCheck skips the connection probe at construction time.
	SkipHealthCheck bool
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("qdrant: host required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("qdrant: invalid port: %d", c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("qdrant: vector size required")
	}
	if c.APIKey != "" && !c.UseTLS {
		return fmt.Errorf("qdrant: api key requires tls")
	}
	return nil
}

// QdrantStore is the primary Backend backed by Qdrant's native gRPC client.
//
// Each namespace maps to its own collection, so tenant isolation is enforced
// by the backend itself rather than by payload filtering. The store performs
// no internal retries: transient gRPC failures are mapped onto the adapter
// error taxonomy and escalation is the orchestrator's decision.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig

	// collections caches collection existence to avoid a round trip per
	// upsert. Key: collection name.
	collections sync.Map
}

var _ Backend = (*QdrantStore)(nil)

// NewQdrantStore creates a QdrantStore and probes the connection.
func NewQdrantStore(config QdrantConfig) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	store := &QdrantStore{client: client, config: config}

	if !config.SkipHealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := client.HealthCheck(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("qdrant health check: %w", translateGRPCErr("qdrant", "", err))
		}
	}

	return store, nil
}

// Name implements Backend.
func (s *QdrantStore) Name() string { return "qdrant" }

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// EnsureCollection implements Backend. Creation is idempotent: a concurrent
// create racing this one resolves by re-checking existence.
func (s *QdrantStore) EnsureCollection(ctx context.Context, ns string) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns))

	if _, ok := s.collections.Load(ns); ok {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, ns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return translateGRPCErr(s.Name(), ns, err)
	}
	if exists {
		s.collections.Store(ns, true)
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: ns,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// Lost a creation race, or the collection appeared between the
		// existence check and here. Both count as success.
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
			s.collections.Store(ns, true)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return translateGRPCErr(s.Name(), ns, err)
	}

	s.collections.Store(ns, true)
	span.SetStatus(codes.Ok, "created")
	return nil
}

// Upsert implements Backend.
func (s *QdrantStore) Upsert(ctx context.Context, ns string, docs []Document) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", ns),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, ns); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: buildPayload(doc),
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ns,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return translateGRPCErr(s.Name(), ns, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query implements Backend. Results come back ordered by score descending
// from Qdrant; distances are derived as 1 - score so both backends speak the
// same ascending-better scale.
func (s *QdrantStore) Query(ctx context.Context, ns string, vector []float32, limit int, fileIDs []string) ([]RawResult, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", ns),
		attribute.Int("limit", limit),
		attribute.Int("file_filter_count", len(fileIDs)),
	)

	if limit <= 0 {
		return nil, fmt.Errorf("%s: limit must be positive, got %d", s.Name(), limit)
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ns,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         fileFilter(fileIDs),
	})
	if err != nil {
		// A namespace nobody has written to yet is empty, not broken.
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, translateGRPCErr(s.Name(), ns, err)
	}

	results := make([]RawResult, len(points))
	for i, point := range points {
		results[i] = scoredPointResult(point)
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteByFile implements Backend. Deletes by payload filter on fileId, so
// every chunk of the file goes in one call.
func (s *QdrantStore) DeleteByFile(ctx context.Context, ns string, fileID string) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteByFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", ns),
		attribute.String("file_id", fileID),
	)

	if fileID == "" {
		return fmt.Errorf("%s: file id cannot be empty", s.Name())
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ns,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: MetaFileID,
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: fileID},
									},
								},
							},
						},
					},
				},
			},
		},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			// No collection means nothing to delete.
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return translateGRPCErr(s.Name(), ns, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count implements Backend.
func (s *QdrantStore) Count(ctx context.Context, ns string) (int, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Count")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns))

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: ns,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return 0, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, translateGRPCErr(s.Name(), ns, err)
	}

	return int(count), nil
}

// pointID derives the deterministic Qdrant point UUID for a document ID.
func pointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

// buildPayload converts a document into a Qdrant payload. The original
// document ID and content ride along so query results can be reassembled
// without a second lookup.
func buildPayload(doc Document) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
	payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.ID}}
	payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.Content}}
	for k, v := range doc.Metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		}
	}
	return payload
}

// fileFilter builds a keyword filter restricting results to a set of fileIds.
// Returns nil when the set is empty, meaning no restriction.
func fileFilter(fileIDs []string) *qdrant.Filter {
	if len(fileIDs) == 0 {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: MetaFileID,
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keywords{
								Keywords: &qdrant.RepeatedStrings{Strings: fileIDs},
							},
						},
					},
				},
			},
		},
	}
}

// scoredPointResult converts a Qdrant hit into a RawResult.
func scoredPointResult(point *qdrant.ScoredPoint) RawResult {
	result := RawResult{
		Distance: 1 - float64(point.GetScore()),
		Metadata: make(map[string]any, len(point.GetPayload())),
	}
	for k, v := range point.GetPayload() {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case "id":
				result.ID = val.StringValue
			case "content":
				result.Content = val.StringValue
			default:
				result.Metadata[k] = val.StringValue
			}
		case *qdrant.Value_IntegerValue:
			result.Metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			result.Metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			result.Metadata[k] = val.BoolValue
		}
	}
	return result
}

// translateGRPCErr maps a gRPC failure onto the adapter error taxonomy.
// Unreachability and backpressure become ErrBackendUnavailable so the
// orchestrator can fall back; an expired deadline becomes ErrTimeout, which
// is terminal. Anything else passes through wrapped.
func translateGRPCErr(backend, ns string, err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.Aborted, grpccodes.ResourceExhausted:
			return fmt.Errorf("%s: namespace %s: %w: %s", backend, ns, ErrBackendUnavailable, st.Message())
		case grpccodes.DeadlineExceeded:
			return fmt.Errorf("%s: namespace %s: %w", backend, ns, ErrTimeout)
		}
	}
	return fmt.Errorf("%s: namespace %s: %w", backend, ns, err)
}
