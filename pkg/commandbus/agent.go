package commandbus

import (
	"context"

	"google.golang.org/grpc"
)

const (
	agentServiceName = "botfleet.agent.v1.Agent"
	commandMethod    = "/" + agentServiceName + "/Command"
)

type commandRequest struct {
	NodeID  string  `json:"node_id"`
	Command Command `json:"command"`
}

// CommandHandler executes commands on the agent side
type CommandHandler interface {
	HandleCommand(ctx context.Context, nodeID string, cmd Command) (*Result, error)
}

// HandlerFunc adapts a function to CommandHandler
type HandlerFunc func(ctx context.Context, nodeID string, cmd Command) (*Result, error)

func (f HandlerFunc) HandleCommand(ctx context.Context, nodeID string, cmd Command) (*Result, error) {
	return f(ctx, nodeID, cmd)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: agentServiceName,
	HandlerType: (*CommandHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Command", Handler: handleCommand},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterAgentServer exposes h as the agent command service on s
func RegisterAgentServer(s *grpc.Server, h CommandHandler) {
	s.RegisterService(&agentServiceDesc, h)
}

func handleCommand(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(commandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(CommandHandler)
	if interceptor == nil {
		return h.HandleCommand(ctx, in.NodeID, in.Command)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: commandMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		r := req.(*commandRequest)
		return h.HandleCommand(ctx, r.NodeID, r.Command)
	})
}
