package commandbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/metrics"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Command types understood by node agents
const (
	CommandStop    = "bot.stop"
	CommandRestore = "bot.restore"
)

// Payload names the container a command targets
type Payload struct {
	Name      string `json:"name"`
	BackupKey string `json:"backupKey,omitempty"`
}

// Command is one instruction for a node agent
type Command struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// StopCommand builds a bot.stop for the named container
func StopCommand(name string) Command {
	return Command{Type: CommandStop, Payload: Payload{Name: name}}
}

// RestoreCommand builds a bot.restore for a tenant and its backup
func RestoreCommand(name, backupKey string) Command {
	return Command{Type: CommandRestore, Payload: Payload{Name: name, BackupKey: backupKey}}
}

// Result is the agent's answer. Success false is a command-level failure;
// transport failures are returned as errors from Send instead.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Bus delivers commands to node agents
type Bus interface {
	Send(ctx context.Context, nodeID string, cmd Command) (*Result, error)
}

// NodeResolver looks up the address of a node
type NodeResolver interface {
	GetByID(ctx context.Context, id string) (*types.Node, error)
}

// Config controls how the bus reaches agents
type Config struct {
	AgentPort int
	Timeout   time.Duration
}

// GRPCBus sends commands to the agent gRPC service on each node. One client
// connection is kept per agent address.
type GRPCBus struct {
	resolver NodeResolver
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCBus creates a bus resolving node hosts through resolver
func NewGRPCBus(resolver NodeResolver, cfg Config) *GRPCBus {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GRPCBus{
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("commandbus"),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Send delivers cmd to the agent on nodeID and waits for its result
func (b *GRPCBus) Send(ctx context.Context, nodeID string, cmd Command) (*Result, error) {
	node, err := b.resolver.GetByID(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve node %s: %w", nodeID, err)
	}

	addr := net.JoinHostPort(node.Host, strconv.Itoa(b.cfg.AgentPort))
	conn, err := b.conn(addr)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(cmd.Type, "error").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	res := &Result{}
	req := &commandRequest{NodeID: nodeID, Command: cmd}
	if err := conn.Invoke(ctx, commandMethod, req, res, grpc.ForceCodec(JSONCodec{})); err != nil {
		metrics.CommandsTotal.WithLabelValues(cmd.Type, "error").Inc()
		logger := log.WithNodeID(b.logger, nodeID)
		logger.Warn().
			Err(err).
			Str("addr", addr).
			Str("type", cmd.Type).
			Msg("Command delivery failed")
		return nil, fmt.Errorf("send %s to node %s: %w", cmd.Type, nodeID, err)
	}

	result := "ok"
	if !res.Success {
		result = "rejected"
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Type, result).Inc()
	return res, nil
}

func (b *GRPCBus) conn(addr string) (*grpc.ClientConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn, ok := b.conns[addr]; ok {
		return conn, nil
	}
	// TODO: agent mTLS once node certificates are issued at registration
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", addr, err)
	}
	b.conns[addr] = conn
	return conn, nil
}

// Close closes every cached agent connection
func (b *GRPCBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for addr, conn := range b.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.conns, addr)
	}
	return firstErr
}
