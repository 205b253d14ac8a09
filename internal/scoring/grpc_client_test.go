package scoring

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/simroom/internal/domain"
)

type stubScoringServer struct {
	lastAnalyze *structpb.Struct
}

func unaryHandler(fn func(in *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		return fn(in)
	}
}

func startStubServer(t *testing.T, stub *stubScoringServer) *GrpcClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "simroom.scoring.v1.ScoringService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Analyze", Handler: unaryHandler(func(in *structpb.Struct) (*structpb.Struct, error) {
				stub.lastAnalyze = in
				return structpb.NewStruct(map[string]any{
					"businessImpactScore": 8.0,
					"technicalAccuracy":   7.0,
					"analysis":            "Calm under pressure.",
				})
			})},
			{MethodName: "Generate", Handler: unaryHandler(func(in *structpb.Struct) (*structpb.Struct, error) {
				job := in.GetFields()["job_description"].GetStringValue()
				return structpb.NewStruct(map[string]any{"scenario": "```json\n{\"job\": \"" + job + "\"}\n```"})
			})},
		},
	}, stub)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{Address: "passthrough:///bufnet", ConnectTimeout: 2 * time.Second},
		quietLogger(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGrpcClient_Analyze(t *testing.T) {
	stub := &stubScoringServer{}
	client := startStubServer(t, stub)

	scores, err := client.Analyze(context.Background(), AnalyzeRequest{
		SimulationID:    "sim-1",
		Responses:       []domain.Response{{ChannelID: "technical", QuestionID: "q1", Content: "roll back"}},
		ViolationsCount: 3,
		Reason:          domain.SubmitByCandidate,
	})
	require.NoError(t, err)
	assert.InDelta(t, 8.0, scores.BusinessImpact, 0.001)
	assert.InDelta(t, 7.0, scores.TechnicalAccuracy, 0.001)
	assert.Equal(t, "Calm under pressure.", scores.Analysis)
	assert.False(t, scores.ScoredAt.IsZero())

	fields := stub.lastAnalyze.GetFields()
	assert.Equal(t, "sim-1", fields["simulation_id"].GetStringValue())
	assert.InDelta(t, 3, fields["violations_count"].GetNumberValue(), 0.001)
	responses := fields["responses"].GetListValue().GetValues()
	require.Len(t, responses, 1)
	assert.Equal(t, "q1", responses[0].GetStructValue().GetFields()["question_id"].GetStringValue())
}

func TestGrpcClient_Generate(t *testing.T) {
	client := startStubServer(t, &stubScoringServer{})

	raw, err := client.Generate(context.Background(), GenerateRequest{JobDescription: "SRE"})
	require.NoError(t, err)
	assert.Contains(t, raw, `"job": "SRE"`)
}

func TestNewGrpcClient_FailsFastWhenUnreachable(t *testing.T) {
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())

	_, err := NewGrpcClient(GrpcClientConfig{Address: "passthrough:///closed", ConnectTimeout: 200 * time.Millisecond},
		quietLogger(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	assert.Error(t, err)
}
