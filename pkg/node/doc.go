// Package node owns node records: registration, heartbeats, memory
// bookkeeping, best-fit target selection and the validated status
// transition that every other package must use to move a node.
package node
