package semantic

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/index"
)

// Payload keys written for every point.
const (
	payloadRecordID = "record_id"
	payloadText     = "text"
	payloadKeys     = "keys"
	payloadAttrs    = "attrs"
	payloadOrdinal  = "ordinal"
)

const upsertBatch = 256

// pointsClient is the subset of pb.PointsClient the store uses.
type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsClient is the subset of pb.CollectionsClient the store uses.
type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
}

var _ Store = (*VectorStore)(nil)

// NewVectorStore creates a VectorStore connected to Qdrant at the given gRPC address.
func NewVectorStore(addr, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients creates a VectorStore over existing clients.
func NewWithClients(points pointsClient, collections collectionsClient, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureSchema creates the collection with cosine distance if it doesn't exist.
func (v *VectorStore) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return domain.NewValidationError("dim", fmt.Sprint(dim), domain.ErrDimensionMismatch)
	}
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Drop deletes the collection.
func (v *VectorStore) Drop(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert stores records in batches. Point IDs derive from record IDs, so
// re-syncing the same catalog overwrites rather than duplicates.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	wait := true
	for start := 0; start < len(records); start += upsertBatch {
		end := min(start+upsertBatch, len(records))
		points := make([]*pb.PointStruct, 0, end-start)
		for _, r := range records[start:end] {
			points = append(points, toPoint(r))
		}
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
		}
	}
	return nil
}

// Search performs k-NN similarity search. Qdrant does not order equal
// scores, so hits with the same score are put back in catalog order. A tie
// that straddles the k-th place is still cut wherever Qdrant cut it.
func (v *VectorStore) Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	if err := domain.ValidateK(k); err != nil {
		return nil, err
	}
	if k == 0 {
		return []index.Hit{}, nil
	}
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	type scored struct {
		rec   VectorRecord
		score float32
	}
	found := make([]scored, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		found[i] = scored{rec: fromPayload(p.GetPayload()), score: p.GetScore()}
	}
	slices.SortStableFunc(found, func(a, b scored) int {
		if a.score != b.score {
			return cmp.Compare(b.score, a.score)
		}
		return cmp.Compare(a.rec.Ordinal, b.rec.Ordinal)
	})

	hits := make([]index.Hit, len(found))
	for i, f := range found {
		hits[i] = index.Hit{Record: f.rec.Record(), Score: float64(f.score)}
	}
	return hits, nil
}

func toPoint(r VectorRecord) *pb.PointStruct {
	keys := make([]*pb.Value, len(r.Keys))
	for i, k := range r.Keys {
		keys[i] = stringValue(k)
	}
	attrs := make(map[string]*pb.Value, len(r.Attributes))
	for k, val := range r.Attributes {
		attrs[k] = stringValue(val)
	}
	return &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Embedding}},
		},
		Payload: map[string]*pb.Value{
			payloadRecordID: stringValue(r.ID),
			payloadText:     stringValue(r.Text),
			payloadKeys:     {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: keys}}},
			payloadAttrs:    {Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: attrs}}},
			payloadOrdinal:  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(r.Ordinal)}},
		},
	}
}

func fromPayload(p map[string]*pb.Value) VectorRecord {
	r := VectorRecord{
		ID:         p[payloadRecordID].GetStringValue(),
		Text:       p[payloadText].GetStringValue(),
		Attributes: make(map[string]string),
		Ordinal:    int(p[payloadOrdinal].GetIntegerValue()),
	}
	for _, k := range p[payloadKeys].GetListValue().GetValues() {
		r.Keys = append(r.Keys, k.GetStringValue())
	}
	for k, val := range p[payloadAttrs].GetStructValue().GetFields() {
		r.Attributes[k] = val.GetStringValue()
	}
	return r
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
