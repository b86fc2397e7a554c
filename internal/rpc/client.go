package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getathos/athos-agent/internal/model"
)

// Client talks to a running agent's control service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent: %w", err)
	}
	return &Client{conn: conn, timeout: 5 * time.Second}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Lookup asks the agent how it would decide rawURL.
func (c *Client) Lookup(ctx context.Context, rawURL string) (model.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"url": rawURL})
	if err != nil {
		return model.Decision{}, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodLookup, req, resp); err != nil {
		return model.Decision{}, fmt.Errorf("lookup: %w", err)
	}
	var d model.Decision
	if err := fromStruct(resp, &d); err != nil {
		return model.Decision{}, fmt.Errorf("decode lookup: %w", err)
	}
	return d, nil
}

// Status returns the agent's status summary.
func (c *Client) Status(ctx context.Context) (model.AgentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodStatus, &emptypb.Empty{}, resp); err != nil {
		return model.AgentStatus{}, fmt.Errorf("status: %w", err)
	}
	var st model.AgentStatus
	if err := fromStruct(resp, &st); err != nil {
		return model.AgentStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Refresh forces a refresh and returns the outcome per source.
func (c *Client) Refresh(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodRefresh, &emptypb.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	out := make(map[string]string, len(resp.GetFields()))
	for k, v := range resp.GetFields() {
		out[k] = v.GetStringValue()
	}
	return out, nil
}
