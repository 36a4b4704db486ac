package server

import (
	"context"
	"net"
	"time"

	"github.com/openzipkin/zipkin-go"
	zipkingrpc "github.com/openzipkin/zipkin-go/middleware/grpc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/io/gateway/grpc/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

type Option func(server *Server) error

//go:generate mockgen -destination=../../../../mocks/mock_node.go -package=mocks . Node

// Node is the consensus loop as seen by clients.
type Node interface {
	Submit(ctx context.Context, client, content string) (string, error)
	Decision(ctx context.Context, key string) (dto.Decision, error)
	History(ctx context.Context, key string) ([]proposal.Proposal, error)
	Info(ctx context.Context) (dto.NodeInfo, error)
}

// Server serves the client API of one replica.
type Server struct {
	api.UnimplementedClientAPIServer
	Addr       string
	GRPCServer *grpc.Server
	Tracer     *zipkin.Tracer
	Whitelist  []string
	node       Node
}

func (s *Server) Submit(ctx context.Context, req *api.SubmitRequest) (*api.SubmitResponse, error) {
	var span zipkin.Span
	if s.Tracer != nil {
		span, ctx = s.Tracer.StartSpanFromContext(ctx, "SubmitHandle")
		defer span.Finish()
	}

	if req.Client == "" || req.Content == "" {
		return nil, status.Error(codes.InvalidArgument, "client and content are required")
	}

	key, err := s.node.Submit(ctx, req.Client, req.Content)
	if err != nil {
		return nil, toStatus(err)
	}
	log.WithFields(log.Fields{"proposal": key, "client": req.Client}).Info("client request accepted")

	return &api.SubmitResponse{ProposalKey: key}, nil
}

func (s *Server) Decision(ctx context.Context, req *api.DecisionRequest) (*api.DecisionResponse, error) {
	var span zipkin.Span
	if s.Tracer != nil {
		span, ctx = s.Tracer.StartSpanFromContext(ctx, "DecisionHandle")
		defer span.Finish()
	}

	if req.ProposalKey == "" {
		return nil, status.Error(codes.InvalidArgument, "proposal key is required")
	}

	d, err := s.node.Decision(ctx, req.ProposalKey)
	if err != nil {
		return nil, toStatus(err)
	}
	return decisionToAPI(d), nil
}

func (s *Server) History(ctx context.Context, req *api.HistoryRequest) (*api.HistoryResponse, error) {
	var span zipkin.Span
	if s.Tracer != nil {
		span, ctx = s.Tracer.StartSpanFromContext(ctx, "HistoryHandle")
		defer span.Finish()
	}

	if req.ProposalKey == "" {
		return nil, status.Error(codes.InvalidArgument, "proposal key is required")
	}

	history, err := s.node.History(ctx, req.ProposalKey)
	if err != nil {
		return nil, toStatus(err)
	}
	return historyToAPI(req.ProposalKey, history), nil
}

func (s *Server) NodeInfo(ctx context.Context, _ *emptypb.Empty) (*api.NodeInfoResponse, error) {
	var span zipkin.Span
	if s.Tracer != nil {
		span, ctx = s.Tracer.StartSpanFromContext(ctx, "NodeInfoHandle")
		defer span.Finish()
	}

	info, err := s.node.Info(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return infoToAPI(info), nil
}

// New fabric func for Server
func New(addr string, node Node, tracer *zipkin.Tracer, opts ...Option) (*Server, error) {
	if node == nil {
		return nil, errors.New("node is not set")
	}

	server := &Server{Addr: addr, node: node, Tracer: tracer}
	for _, option := range opts {
		if err := option(server); err != nil {
			return nil, err
		}
	}

	return server, nil
}

// WithWhitelist restricts callers to the given hosts. It takes effect when
// WhiteListChecker is passed to Run.
func WithWhitelist(hosts ...string) Option {
	return func(server *Server) error {
		for _, h := range hosts {
			if h == "" {
				return errors.New("empty whitelist entry")
			}
		}
		server.Whitelist = hosts
		return nil
	}
}

// Run starts non-blocking GRPC server
func (s *Server) Run(opts ...grpc.UnaryServerInterceptor) error {
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.Addr)
	}
	log.Infof("listening on tcp://%s", s.Addr)

	s.Serve(l, opts...)
	return nil
}

// Serve starts non-blocking GRPC server on an existing listener.
func (s *Server) Serve(l net.Listener, opts ...grpc.UnaryServerInterceptor) {
	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(opts...), grpc.ConnectionTimeout(10 * time.Second)}
	if s.Tracer != nil {
		serverOpts = append(serverOpts, grpc.StatsHandler(zipkingrpc.NewServerHandler(s.Tracer)))
	}
	s.GRPCServer = grpc.NewServer(serverOpts...)
	api.RegisterClientAPIServer(s.GRPCServer, s)

	go func() {
		if err := s.GRPCServer.Serve(l); err != nil {
			log.Errorf("grpc server stopped: %v", err)
		}
	}()
}

// Stop stops server
func (s *Server) Stop() {
	log.Info("stopping server")
	if s.GRPCServer != nil {
		s.GRPCServer.GracefulStop()
	}
	log.Info("server stopped")
}
