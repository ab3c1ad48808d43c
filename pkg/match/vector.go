package match

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/okodu/switchboard/pkg/core"
	"github.com/okodu/switchboard/pkg/llm"
)

// VectorMatcher ranks agents by embedding similarity: each agent's
// capability profile is indexed in Qdrant, the request payload is
// embedded, and candidates come back in cosine-score order.
type VectorMatcher struct {
	embedder    llm.Embedder
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	vectorSize  uint64
}

// NewVectorMatcher connects to Qdrant at addr and ensures the collection.
func NewVectorMatcher(addr, collection string, vectorSize uint64, embedder llm.Embedder) (*VectorMatcher, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	m := &VectorMatcher{
		embedder:    embedder,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		vectorSize:  vectorSize,
	}
	return m, nil
}

// EnsureCollection creates the agent-profile collection if needed.
// Qdrant returns an error for an existing collection; that is fine.
func (m *VectorMatcher) EnsureCollection(ctx context.Context) error {
	_, err := m.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: m.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     m.vectorSize,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	return err
}

// IndexAgent embeds the agent's capability profile and upserts it.
func (m *VectorMatcher) IndexAgent(ctx context.Context, desc core.AgentDescriptor) error {
	vector, err := m.embedder.Embed(ctx, desc.CapabilityProfile())
	if err != nil {
		return fmt.Errorf("embed agent profile: %w", err)
	}

	_, err = m.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: m.collection,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: agentPointID(desc.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}},
			},
			Payload: map[string]*pb.Value{
				"agent_id": {Kind: &pb.Value_StringValue{StringValue: desc.ID}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert agent point: %w", err)
	}
	return nil
}

// RemoveAgent deletes the agent's point from the index.
func (m *VectorMatcher) RemoveAgent(ctx context.Context, agentID string) error {
	_, err := m.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: m.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{
						PointIdOptions: &pb.PointId_Uuid{Uuid: agentPointID(agentID)},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete agent point: %w", err)
	}
	return nil
}

// Rank implements Matcher. The superset and health filters still apply;
// similarity only orders what survives them.
func (m *VectorMatcher) Rank(ctx context.Context, req core.Request, snapshot []core.AgentDescriptor) ([]Candidate, error) {
	agents := eligible(req, snapshot, false)
	if len(agents) == 0 {
		return nil, nil
	}
	byID := make(map[string]core.AgentDescriptor, len(agents))
	for _, desc := range agents {
		byID[desc.ID] = desc
	}

	vector, err := m.embedder.Embed(ctx, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}

	limit := uint64(len(snapshot))
	resp, err := m.points.Search(ctx, &pb.SearchPoints{
		CollectionName: m.collection,
		Vector:         vector,
		Limit:          limit,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search agent points: %w", err)
	}

	out := make([]Candidate, 0, len(resp.Result))
	for _, hit := range resp.Result {
		value, ok := hit.Payload["agent_id"]
		if !ok {
			continue
		}
		id := value.GetStringValue()
		if _, known := byID[id]; !known {
			continue
		}
		out = append(out, Candidate{AgentID: id, Score: float64(hit.Score)})
	}

	// Qdrant returns hits in score order; keep it stable across equal
	// scores by registration sequence.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return byID[out[i].AgentID].Seq < byID[out[j].AgentID].Seq
	})
	return out, nil
}

func agentPointID(agentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("switchboard/agent/"+agentID)).String()
}
