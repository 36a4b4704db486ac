// Package client is the Go client of a replica's client API.
package client

import (
	"context"

	"github.com/openzipkin/zipkin-go"
	"github.com/vadiminshakov/pbft/io/gateway/grpc/api"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

type Client struct {
	Connection api.ClientAPIClient
	Tracer     *zipkin.Tracer
	conn       *grpc.ClientConn
}

// New creates instance of client API client.
// 'addr' is a replica network address (host + port). Only the primary accepts
// Submit.
func New(addr string, tracer *zipkin.Tracer, opts ...grpc.DialOption) (*Client, error) {
	conn, err := createConnection(addr, tracer, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{Connection: api.NewClientAPIClient(conn), Tracer: tracer, conn: conn}, nil
}

// Submit asks the primary to start consensus on a client request and returns
// the proposal key to poll with Decision.
func (client *Client) Submit(ctx context.Context, clientID, content string) (string, error) {
	var span zipkin.Span
	if client.Tracer != nil {
		span, ctx = client.Tracer.StartSpanFromContext(ctx, "Submit")
		defer span.Finish()
	}
	resp, err := client.Connection.Submit(ctx, &api.SubmitRequest{Client: clientID, Content: content})
	if err != nil {
		return "", err
	}
	return resp.ProposalKey, nil
}

// Decision queries the state of a proposal key.
func (client *Client) Decision(ctx context.Context, key string) (*api.DecisionResponse, error) {
	var span zipkin.Span
	if client.Tracer != nil {
		span, ctx = client.Tracer.StartSpanFromContext(ctx, "Decision")
		defer span.Finish()
	}
	return client.Connection.Decision(ctx, &api.DecisionRequest{ProposalKey: key})
}

// History lists the stages the node went through for a proposal key.
func (client *Client) History(ctx context.Context, key string) ([]string, error) {
	var span zipkin.Span
	if client.Tracer != nil {
		span, ctx = client.Tracer.StartSpanFromContext(ctx, "History")
		defer span.Finish()
	}
	resp, err := client.Connection.History(ctx, &api.HistoryRequest{ProposalKey: key})
	if err != nil {
		return nil, err
	}
	return resp.Stages, nil
}

// NodeInfo gets role and load of the node.
func (client *Client) NodeInfo(ctx context.Context) (*api.NodeInfoResponse, error) {
	var span zipkin.Span
	if client.Tracer != nil {
		span, ctx = client.Tracer.StartSpanFromContext(ctx, "NodeInfo")
		defer span.Finish()
	}
	return client.Connection.NodeInfo(ctx, &emptypb.Empty{})
}

func (client *Client) Close() error {
	return client.conn.Close()
}
