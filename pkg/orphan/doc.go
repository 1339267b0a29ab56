// Package orphan reconciles a returning node before it may serve again.
//
// The node reports which containers it is running. Anything not in the
// assignment table for that node is an orphan, typically a tenant that was
// moved elsewhere while the node was dead, and gets a bot.stop command.
// The node is then moved from returning to active even if some stops
// failed; those failures are returned in the result.
package orphan
