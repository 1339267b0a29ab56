package api

import (
	"context"
	"net"
	"testing"

	"github.com/cuemby/botfleet/pkg/commandbus"
	"github.com/cuemby/botfleet/pkg/config"
	"github.com/cuemby/botfleet/pkg/controlplane"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type nopBus struct{}

func (nopBus) Send(context.Context, string, commandbus.Command) (*commandbus.Result, error) {
	return &commandbus.Result{Success: true}, nil
}

type nopRestorer struct{}

func (nopRestorer) Restore(context.Context, string, string, string) error { return nil }

// startServer serves a bolt-backed control plane on a loopback port
func startServer(t *testing.T, interceptors ...grpc.UnaryServerInterceptor) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cp, err := controlplane.New(cfg, controlplane.Options{Bus: nopBus{}, Restorer: nopRestorer{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Stop() })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(cp, interceptors...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewClient(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServerRoundTrip(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	n, err := client.Register(ctx, node.RegisterRequest{NodeID: "n1", Host: "10.0.0.1", CapacityMB: 2048, AgentVersion: "1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, n.Status)
	assert.Equal(t, int64(2048), n.CapacityMB)

	hb, err := client.Heartbeat(ctx, controlplane.Heartbeat{NodeID: "n1", UsedMB: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), hb.Node.UsedMB)
	assert.False(t, hb.ReRegister)
	assert.Nil(t, hb.Cleanup)

	a, err := client.Assign(ctx, types.Assignment{Tenant: "acme", NodeID: "n1", MemoryMB: 300})
	require.NoError(t, err)
	assert.Equal(t, "n1", a.NodeID)

	nodes, err := client.ListNodes(ctx, types.NodeStatusActive)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(400), nodes[0].UsedMB)

	require.NoError(t, client.Unassign(ctx, "acme"))

	drained, err := client.Drain(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDraining, drained.Status)

	trail, err := client.ListTransitions(ctx, "n1", 0)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, types.NodeStatusDraining, trail[0].ToStatus)

	events, err := client.ListRecoveryEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestServerErrorCodes(t *testing.T) {
	client := startServer(t)
	ctx := context.Background()

	_, err := client.Heartbeat(ctx, controlplane.Heartbeat{NodeID: "ghost"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Register(ctx, node.RegisterRequest{Host: "10.0.0.1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetRecoveryEvent(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Register(ctx, node.RegisterRequest{NodeID: "n1", Host: "10.0.0.1", CapacityMB: 1024})
	require.NoError(t, err)
	_, err = client.Drain(ctx, "n1")
	require.NoError(t, err)
	_, err = client.Drain(ctx, "n1")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestReadOnlyInterceptor(t *testing.T) {
	client := startServer(t, ReadOnlyInterceptor())
	ctx := context.Background()

	_, err := client.ListNodes(ctx)
	assert.NoError(t, err)

	_, err = client.Register(ctx, node.RegisterRequest{NodeID: "n1", Host: "10.0.0.1"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestIsReadOnlyMethod(t *testing.T) {
	tests := map[string]bool{
		"/botfleet.v1.ControlPlane/ListNodes":        true,
		"/botfleet.v1.ControlPlane/GetRecoveryEvent": true,
		"/botfleet.v1.ControlPlane/Register":         false,
		"/botfleet.v1.ControlPlane/Drain":            false,
		"":                                           false,
	}
	for method, want := range tests {
		assert.Equal(t, want, isReadOnlyMethod(method), method)
	}
}
