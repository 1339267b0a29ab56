// Package registrar wraps node registration with its side effects.
//
// After the upsert, a node that landed on returning is handed to the
// OnReturning hook, and, independently of that, every open recovery event
// that still has waiting items is handed to OnRetryWaiting. The second step
// runs on every registration: a node rejoining with spare memory should
// unblock stuck migrations even when it is not the node that died.
package registrar
