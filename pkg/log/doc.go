/*
Package log provides structured logging for botfleet using zerolog.

Init configures the global Logger once at startup; until then Logger discards
everything, which keeps tests quiet. Console output is the default and JSON
output is meant for production log shipping.

Packages derive their logger once and add fields per call:

	logger := log.WithComponent("watchdog")
	logger.Warn().Dur("since_heartbeat", d).Msg("Node missed heartbeats")

WithRecoveryEvent returns a logger carrying recovery_event_id and WithNodeID
adds node_id to any logger, so every line about one recovery or one node can
be found by a single field:

	logger := log.WithNodeID(log.WithRecoveryEvent(eventID), nodeID)
*/
package log
