// Package types defines the core domain types for the memloom knowledge
// graph: nodes, edges, episodes, interaction events, outbound items, and
// graph mutation events.
//
// All other packages depend on this one; it depends on nothing but the
// standard library and google/uuid.
package types
