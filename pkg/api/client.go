package api

import (
	"context"
	"fmt"

	"github.com/cuemby/botfleet/pkg/commandbus"
	"github.com/cuemby/botfleet/pkg/controlplane"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the control plane API. Targets follow gRPC naming, so a
// local socket is "unix:///var/lib/botfleet/botfleet.sock".
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for target. No connection is made until the
// first call.
func NewClient(target string) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(commandbus.JSONCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

func (c *Client) Register(ctx context.Context, req node.RegisterRequest) (*types.Node, error) {
	out := &types.Node{}
	if err := c.invoke(ctx, "Register", &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, hb controlplane.Heartbeat) (*controlplane.HeartbeatResult, error) {
	out := &controlplane.HeartbeatResult{}
	if err := c.invoke(ctx, "Heartbeat", &hb, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListNodes(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error) {
	out := &ListNodesResponse{}
	if err := c.invoke(ctx, "ListNodes", &ListNodesRequest{Statuses: statuses}, out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error) {
	out := &ListTransitionsResponse{}
	if err := c.invoke(ctx, "ListTransitions", &ListTransitionsRequest{NodeID: nodeID, Limit: limit}, out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

func (c *Client) ListRecoveryEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error) {
	out := &ListRecoveryEventsResponse{}
	if err := c.invoke(ctx, "ListRecoveryEvents", &ListRecoveryEventsRequest{Limit: limit}, out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) GetRecoveryEvent(ctx context.Context, id string) (*controlplane.RecoveryDetail, error) {
	out := &controlplane.RecoveryDetail{}
	if err := c.invoke(ctx, "GetRecoveryEvent", &GetRecoveryEventRequest{ID: id}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Assign(ctx context.Context, a types.Assignment) (*types.Assignment, error) {
	out := &types.Assignment{}
	if err := c.invoke(ctx, "Assign", &a, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Unassign(ctx context.Context, tenant string) error {
	return c.invoke(ctx, "Unassign", &UnassignRequest{Tenant: tenant}, &UnassignResponse{})
}

func (c *Client) Drain(ctx context.Context, nodeID string) (*types.Node, error) {
	out := &types.Node{}
	if err := c.invoke(ctx, "Drain", &DrainRequest{NodeID: nodeID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Service = (*Client)(nil)
