// Package commandbus carries commands from the control plane to node agents.
//
// The control plane never opens a connection to an agent for any other
// reason. Commands travel over gRPC with a JSON codec, so the agent service
// is declared by hand and needs no generated code; RegisterAgentServer gives
// agent implementations the matching server side.
package commandbus
