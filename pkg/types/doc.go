// Package types defines the records shared by every botfleet package: nodes
// and their statuses, transitions, recovery events and items, and tenant
// assignments. It has no behavior beyond small accessors.
package types
