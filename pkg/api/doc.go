/*
Package api exposes the control plane over gRPC and serves the operational
HTTP endpoints.

The gRPC service, botfleet.v1.ControlPlane, is declared with a hand-written
grpc.ServiceDesc and carries JSON bodies through commandbus.JSONCodec, so no
generated stubs are involved. Node agents call Register and Heartbeat;
operators call the List, Get, Assign, Unassign and Drain methods, normally
through the botfleet CLI and Client.

Domain errors are mapped to status codes: missing records are NotFound,
illegal transitions FailedPrecondition, lost compare-and-swap races Aborted.

The server can be mounted twice: on TCP for agents and on a local unix socket
guarded by ReadOnlyInterceptor for inspection.

HealthServer serves /health, /ready, /live and /metrics from the metrics
package.
*/
package api
