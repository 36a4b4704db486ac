// Package api declares the client-facing gRPC service of a replica.
//
// Requests and replies travel as google.protobuf.Struct messages on the
// default proto codec and are converted to the typed structs below at the
// edges, so the service descriptor is written by hand in the layout
// protoc-gen-go-grpc produces. Interceptors see the typed requests.
package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "pbft.ClientAPI"

	SubmitMethod   = "/pbft.ClientAPI/Submit"
	DecisionMethod = "/pbft.ClientAPI/Decision"
	HistoryMethod  = "/pbft.ClientAPI/History"
	NodeInfoMethod = "/pbft.ClientAPI/NodeInfo"
)

type SubmitRequest struct {
	Client  string `json:"client"`
	Content string `json:"content"`
}

type SubmitResponse struct {
	ProposalKey string `json:"proposal_key"`
}

type DecisionRequest struct {
	ProposalKey string `json:"proposal_key"`
}

type DecisionResponse struct {
	ProposalKey string `json:"proposal_key"`
	Status      string `json:"status"`
	Valid       bool   `json:"valid"`
	Stage       string `json:"stage,omitempty"`
}

type HistoryRequest struct {
	ProposalKey string `json:"proposal_key"`
}

// HistoryResponse lists the stages this node went through, oldest first.
type HistoryResponse struct {
	ProposalKey string   `json:"proposal_key"`
	Stages      []string `json:"stages"`
}

type NodeInfoResponse struct {
	PeerID         string `json:"peer_id"`
	Primary        string `json:"primary"`
	IsPrimary      bool   `json:"is_primary"`
	PeerCount      uint32 `json:"peer_count"`
	FaultTolerance uint32 `json:"fault_tolerance"`
	Quorum         int    `json:"quorum"`
	InFlight       int    `json:"in_flight"`
	Decided        int    `json:"decided"`
}

// ClientAPIServer is the server API for the ClientAPI service.
type ClientAPIServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Decision(context.Context, *DecisionRequest) (*DecisionResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	NodeInfo(context.Context, *emptypb.Empty) (*NodeInfoResponse, error)
}

// UnimplementedClientAPIServer can be embedded to have forward compatible implementations.
type UnimplementedClientAPIServer struct{}

func (UnimplementedClientAPIServer) Submit(context.Context, *SubmitRequest) (*SubmitResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Submit not implemented")
}

func (UnimplementedClientAPIServer) Decision(context.Context, *DecisionRequest) (*DecisionResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Decision not implemented")
}

func (UnimplementedClientAPIServer) History(context.Context, *HistoryRequest) (*HistoryResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method History not implemented")
}

func (UnimplementedClientAPIServer) NodeInfo(context.Context, *emptypb.Empty) (*NodeInfoResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method NodeInfo not implemented")
}

func RegisterClientAPIServer(s grpc.ServiceRegistrar, srv ClientAPIServer) {
	s.RegisterService(&ClientAPI_ServiceDesc, srv)
}

func _ClientAPI_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return reply(srv.(ClientAPIServer).Submit(ctx, in))
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SubmitMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientAPIServer).Submit(ctx, req.(*SubmitRequest))
	}
	return reply(interceptor(ctx, in, info, handler))
}

func _ClientAPI_Decision_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DecisionRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return reply(srv.(ClientAPIServer).Decision(ctx, in))
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DecisionMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientAPIServer).Decision(ctx, req.(*DecisionRequest))
	}
	return reply(interceptor(ctx, in, info, handler))
}

func _ClientAPI_History_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HistoryRequest)
	if err := decodeRequest(dec, in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return reply(srv.(ClientAPIServer).History(ctx, in))
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: HistoryMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientAPIServer).History(ctx, req.(*HistoryRequest))
	}
	return reply(interceptor(ctx, in, info, handler))
}

func _ClientAPI_NodeInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return reply(srv.(ClientAPIServer).NodeInfo(ctx, in))
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: NodeInfoMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClientAPIServer).NodeInfo(ctx, req.(*emptypb.Empty))
	}
	return reply(interceptor(ctx, in, info, handler))
}

// ClientAPI_ServiceDesc is the grpc.ServiceDesc for ClientAPI service.
var ClientAPI_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClientAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler:    _ClientAPI_Submit_Handler,
		},
		{
			MethodName: "Decision",
			Handler:    _ClientAPI_Decision_Handler,
		},
		{
			MethodName: "History",
			Handler:    _ClientAPI_History_Handler,
		},
		{
			MethodName: "NodeInfo",
			Handler:    _ClientAPI_NodeInfo_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pbft/client_api",
}

// ClientAPIClient is the client API for the ClientAPI service.
type ClientAPIClient interface {
	Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	Decision(ctx context.Context, in *DecisionRequest, opts ...grpc.CallOption) (*DecisionResponse, error)
	History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error)
	NodeInfo(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*NodeInfoResponse, error)
}

type clientAPIClient struct {
	cc grpc.ClientConnInterface
}

func NewClientAPIClient(cc grpc.ClientConnInterface) ClientAPIClient {
	return &clientAPIClient{cc}
}

func (c *clientAPIClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := invoke(ctx, c.cc, SubmitMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientAPIClient) Decision(ctx context.Context, in *DecisionRequest, opts ...grpc.CallOption) (*DecisionResponse, error) {
	out := new(DecisionResponse)
	if err := invoke(ctx, c.cc, DecisionMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientAPIClient) History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	out := new(HistoryResponse)
	if err := invoke(ctx, c.cc, HistoryMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientAPIClient) NodeInfo(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*NodeInfoResponse, error) {
	msg := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, NodeInfoMethod, in, msg, opts...); err != nil {
		return nil, err
	}
	out := new(NodeInfoResponse)
	if err := decodeStruct(msg, out); err != nil {
		return nil, status.Errorf(codes.Internal, "decode reply: %v", err)
	}
	return out, nil
}

func invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, in, out any, opts []grpc.CallOption) error {
	req, err := encodeStruct(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	msg := new(structpb.Struct)
	if err := cc.Invoke(ctx, method, req, msg, opts...); err != nil {
		return err
	}
	if err := decodeStruct(msg, out); err != nil {
		return status.Errorf(codes.Internal, "decode reply: %v", err)
	}
	return nil
}

func decodeRequest(dec func(interface{}) error, v any) error {
	msg := new(structpb.Struct)
	if err := dec(msg); err != nil {
		return err
	}
	if err := decodeStruct(msg, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// reply wraps a typed handler result into the Struct sent on the wire.
func reply(resp interface{}, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	msg, err := encodeStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return msg, nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decodeStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
