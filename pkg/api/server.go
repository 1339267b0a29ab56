package api

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/botfleet/pkg/commandbus"
	"github.com/cuemby/botfleet/pkg/controlplane"
	"github.com/cuemby/botfleet/pkg/log"
	"github.com/cuemby/botfleet/pkg/node"
	"github.com/cuemby/botfleet/pkg/nodestate"
	"github.com/cuemby/botfleet/pkg/storage"
	"github.com/cuemby/botfleet/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "botfleet.v1.ControlPlane"

// Service is the control plane surface served over gRPC
type Service interface {
	Register(ctx context.Context, req node.RegisterRequest) (*types.Node, error)
	Heartbeat(ctx context.Context, hb controlplane.Heartbeat) (*controlplane.HeartbeatResult, error)
	ListNodes(ctx context.Context, statuses ...types.NodeStatus) ([]*types.Node, error)
	ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error)
	ListRecoveryEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error)
	GetRecoveryEvent(ctx context.Context, id string) (*controlplane.RecoveryDetail, error)
	Assign(ctx context.Context, a types.Assignment) (*types.Assignment, error)
	Unassign(ctx context.Context, tenant string) error
	Drain(ctx context.Context, nodeID string) (*types.Node, error)
}

var _ Service = (*controlplane.ControlPlane)(nil)

type ListNodesRequest struct {
	Statuses []types.NodeStatus `json:"statuses,omitempty"`
}

type ListNodesResponse struct {
	Nodes []*types.Node `json:"nodes"`
}

type ListTransitionsRequest struct {
	NodeID string `json:"node_id"`
	Limit  int    `json:"limit"`
}

type ListTransitionsResponse struct {
	Transitions []*types.NodeTransition `json:"transitions"`
}

type ListRecoveryEventsRequest struct {
	Limit int `json:"limit"`
}

type ListRecoveryEventsResponse struct {
	Events []*types.RecoveryEvent `json:"events"`
}

type GetRecoveryEventRequest struct {
	ID string `json:"id"`
}

type UnassignRequest struct {
	Tenant string `json:"tenant"`
}

type UnassignResponse struct{}

type DrainRequest struct {
	NodeID string `json:"node_id"`
}

// Server serves Service over gRPC with the JSON codec
type Server struct {
	svc    Service
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer creates a server for svc. Interceptors run after request logging.
func NewServer(svc Service, interceptors ...grpc.UnaryServerInterceptor) *Server {
	logger := log.WithComponent("api")
	chain := append([]grpc.UnaryServerInterceptor{LoggingInterceptor(logger)}, interceptors...)
	s := &Server{
		svc: svc,
		grpc: grpc.NewServer(
			grpc.ForceServerCodec(commandbus.JSONCodec{}),
			grpc.ChainUnaryInterceptor(chain...),
		),
		logger: logger,
	}
	s.grpc.RegisterService(&serviceDesc, svc)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(network, addr string) error {
	lis, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", func(ctx context.Context, svc Service, req *node.RegisterRequest) (*types.Node, error) {
			return svc.Register(ctx, *req)
		}),
		unary("Heartbeat", func(ctx context.Context, svc Service, req *controlplane.Heartbeat) (*controlplane.HeartbeatResult, error) {
			return svc.Heartbeat(ctx, *req)
		}),
		unary("ListNodes", func(ctx context.Context, svc Service, req *ListNodesRequest) (*ListNodesResponse, error) {
			nodes, err := svc.ListNodes(ctx, req.Statuses...)
			if err != nil {
				return nil, err
			}
			return &ListNodesResponse{Nodes: nodes}, nil
		}),
		unary("ListTransitions", func(ctx context.Context, svc Service, req *ListTransitionsRequest) (*ListTransitionsResponse, error) {
			transitions, err := svc.ListTransitions(ctx, req.NodeID, req.Limit)
			if err != nil {
				return nil, err
			}
			return &ListTransitionsResponse{Transitions: transitions}, nil
		}),
		unary("ListRecoveryEvents", func(ctx context.Context, svc Service, req *ListRecoveryEventsRequest) (*ListRecoveryEventsResponse, error) {
			evts, err := svc.ListRecoveryEvents(ctx, req.Limit)
			if err != nil {
				return nil, err
			}
			return &ListRecoveryEventsResponse{Events: evts}, nil
		}),
		unary("GetRecoveryEvent", func(ctx context.Context, svc Service, req *GetRecoveryEventRequest) (*controlplane.RecoveryDetail, error) {
			return svc.GetRecoveryEvent(ctx, req.ID)
		}),
		unary("Assign", func(ctx context.Context, svc Service, req *types.Assignment) (*types.Assignment, error) {
			return svc.Assign(ctx, *req)
		}),
		unary("Unassign", func(ctx context.Context, svc Service, req *UnassignRequest) (*UnassignResponse, error) {
			if err := svc.Unassign(ctx, req.Tenant); err != nil {
				return nil, err
			}
			return &UnassignResponse{}, nil
		}),
		unary("Drain", func(ctx context.Context, svc Service, req *DrainRequest) (*types.Node, error) {
			return svc.Drain(ctx, req.NodeID)
		}),
	},
	Streams: []grpc.StreamDesc{},
}

// unary builds a method descriptor for a typed call, mapping its errors to
// gRPC status codes
func unary[Req, Resp any](method string, call func(context.Context, Service, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				resp, err := call(ctx, srv.(Service), req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handle)
		},
	}
}

func toStatus(err error) error {
	var invalid *nodestate.InvalidTransitionError
	var conflict *storage.ConcurrentTransitionError

	switch {
	case errors.Is(err, storage.ErrNodeNotFound),
		errors.Is(err, storage.ErrEventNotFound),
		errors.Is(err, storage.ErrItemNotFound),
		errors.Is(err, storage.ErrAssignmentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrNodeExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, node.ErrInvalidRegistration),
		errors.Is(err, controlplane.ErrInvalidAssignment):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &invalid),
		errors.Is(err, controlplane.ErrNodeUnavailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &conflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
