package vector

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Compile-time check that QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)

// QdrantStore indexes segments in a Qdrant collection over gRPC. Points are
// keyed by segment uuid and carry the reconstruction payload.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimension   int
}

// NewQdrantStore dials the gRPC endpoint and ensures the collection exists
// with cosine distance and the configured dimension.
func NewQdrantStore(ctx context.Context, addr, collection string, dimension int) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing qdrant %s: %w", addr, err)
	}

	s := &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dimension:   dimension,
	}
	if err := s.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *QdrantStore) Insert(ctx context.Context, entry Entry) error {
	return s.BulkInsert(ctx, []Entry{entry})
}

func (s *QdrantStore) BulkInsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	// The collection is created lazily again after a delete_all.
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(entries))
	for i, entry := range entries {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: entry.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: entry.Vector},
				},
			},
			Payload: map[string]*pb.Value{
				"task_id":    {Kind: &pb.Value_IntegerValue{IntegerValue: entry.TaskID}},
				"segment_id": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(entry.Segment)}},
				"text":       {Kind: &pb.Value_StringValue{StringValue: entry.Text}},
			},
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(entries), err)
	}
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting point %s: %w", id, err)
	}
	return nil
}

func (s *QdrantStore) DeleteAll(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: s.collection,
	})
	if err != nil {
		return fmt.Errorf("deleting collection %s: %w", s.collection, err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, hit := range resp.GetResult() {
		results = append(results, SearchResult{
			ID:    hit.GetId().GetUuid(),
			Score: hit.GetScore(),
		})
	}
	return results, nil
}
