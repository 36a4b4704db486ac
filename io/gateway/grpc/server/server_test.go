package server

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/node"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/replica"
	"github.com/vadiminshakov/pbft/io/gateway/grpc/api"
	"github.com/vadiminshakov/pbft/io/gateway/grpc/client"
	"github.com/vadiminshakov/pbft/mocks"
	"go.uber.org/mock/gomock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func serve(t *testing.T, n Node, interceptors ...grpc.UnaryServerInterceptor) *bufconn.Listener {
	lis := bufconn.Listen(1024 * 1024)
	s, err := New("bufnet", n, nil)
	require.NoError(t, err)
	s.Serve(lis, append([]grpc.UnaryServerInterceptor{RequestLogger}, interceptors...)...)
	t.Cleanup(s.Stop)
	return lis
}

func startServer(t *testing.T, n Node, interceptors ...grpc.UnaryServerInterceptor) *client.Client {
	lis := serve(t, n, interceptors...)

	c, err := client.New("bufnet", nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_Submit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	n := mocks.NewMockNode(ctrl)
	n.EXPECT().Submit(gomock.Any(), "alice", "transfer 10").Return("key-1", nil)
	c := startServer(t, n)

	key, err := c.Submit(context.Background(), "alice", "transfer 10")
	require.NoError(t, err)
	require.Equal(t, "key-1", key)
}

func TestServer_SubmitErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	n := mocks.NewMockNode(ctrl)
	n.EXPECT().Submit(gomock.Any(), "alice", "x").
		Return("", errors.Wrap(replica.ErrRoleViolation, "node p1 is not primary"))
	c := startServer(t, n)

	_, err := c.Submit(context.Background(), "alice", "x")
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	// rejected before reaching the node
	_, err = c.Submit(context.Background(), "", "x")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_DecisionAndInfo(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	n := mocks.NewMockNode(ctrl)
	n.EXPECT().Decision(gomock.Any(), "key-1").Return(dto.Decision{
		ProposalKey: "key-1",
		Status:      dto.DecisionAccepted,
		Valid:       true,
	}, nil)
	n.EXPECT().Info(gomock.Any()).Return(dto.NodeInfo{
		PeerID:         "p0",
		Primary:        "p0",
		IsPrimary:      true,
		PeerCount:      4,
		FaultTolerance: 1,
		Quorum:         3,
		InFlight:       2,
	}, nil)
	c := startServer(t, n)

	d, err := c.Decision(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, &api.DecisionResponse{ProposalKey: "key-1", Status: "accepted", Valid: true}, d)

	info, err := c.NodeInfo(context.Background())
	require.NoError(t, err)
	require.True(t, info.IsPrimary)
	require.Equal(t, uint32(4), info.PeerCount)
	require.Equal(t, 3, info.Quorum)
	require.Equal(t, 2, info.InFlight)
}

func TestServer_History(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p := proposal.New("alice", "x")
	pp, err := p.ToPrePrepare()
	require.NoError(t, err)
	prep, err := pp.ToPrepare()
	require.NoError(t, err)

	n := mocks.NewMockNode(ctrl)
	n.EXPECT().History(gomock.Any(), p.Key).Return([]proposal.Proposal{p, pp, prep}, nil)
	n.EXPECT().History(gomock.Any(), "missing").Return(nil, nil)
	c := startServer(t, n)

	stages, err := c.History(context.Background(), p.Key)
	require.NoError(t, err)
	require.Equal(t, []string{p.Stage.String(), pp.Stage.String(), prep.Stage.String()}, stages)

	stages, err = c.History(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, stages)

	_, err = c.History(context.Background(), "")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_InterceptorsSeeTypedRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	n := mocks.NewMockNode(ctrl)
	n.EXPECT().Submit(gomock.Any(), "alice", "x").Return("key-1", nil)
	n.EXPECT().Info(gomock.Any()).Return(dto.NodeInfo{PeerID: "p0"}, nil)

	var seen []interface{}
	record := func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		seen = append(seen, req)
		return handler(ctx, req)
	}
	c := startServer(t, n, record)

	_, err := c.Submit(context.Background(), "alice", "x")
	require.NoError(t, err)
	_, err = c.NodeInfo(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.Equal(t, &api.SubmitRequest{Client: "alice", Content: "x"}, seen[0])
	require.IsType(t, &emptypb.Empty{}, seen[1])
}

// TestServer_DefaultCodec calls the service the way any gRPC client would,
// without this module's client package.
func TestServer_DefaultCodec(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	n := mocks.NewMockNode(ctrl)
	n.EXPECT().Decision(gomock.Any(), "key-1").Return(dto.Decision{ProposalKey: "key-1", Status: dto.DecisionPending, Stage: "Prepare"}, nil)
	lis := serve(t, n)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]interface{}{"proposal_key": "key-1"})
	require.NoError(t, err)
	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), api.DecisionMethod, req, out))
	require.Equal(t, map[string]interface{}{
		"proposal_key": "key-1",
		"status":       "pending",
		"valid":        false,
		"stage":        "Prepare",
	}, out.AsMap())

	// a field of the wrong type never reaches the node
	bad, err := structpb.NewStruct(map[string]interface{}{"proposal_key": 7})
	require.NoError(t, err)
	err = conn.Invoke(context.Background(), api.DecisionMethod, bad, new(structpb.Struct))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestNew_RequiresNode(t *testing.T) {
	_, err := New("localhost:0", nil, nil)
	require.Error(t, err)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	_, err = New("localhost:0", mocks.NewMockNode(ctrl), nil, WithWhitelist(""))
	require.Error(t, err)
}

func TestWhiteListChecker(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s, err := New("localhost:0", mocks.NewMockNode(ctrl), nil, WithWhitelist("127.0.0.1"))
	require.NoError(t, err)
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: api.SubmitMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	allowed := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}})
	resp, err := WhiteListChecker(allowed, nil, info, handler)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	denied := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 5000}})
	_, err = WhiteListChecker(denied, nil, info, handler)
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = WhiteListChecker(context.Background(), nil, info, handler)
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{errors.Wrap(replica.ErrRoleViolation, "x"), codes.PermissionDenied},
		{errors.Wrap(replica.ErrStale, "x"), codes.AlreadyExists},
		{node.ErrStopped, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		require.Equal(t, tt.code, status.Code(toStatus(tt.err)), tt.err.Error())
	}
}
