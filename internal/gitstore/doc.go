// Package gitstore is the single source of truth for the git repositories
// discovered inside a workspace.
//
// A Store owns one Repository per git work directory. It reconciles the set
// against worktree scan events, keeps each repository's snapshot current,
// computes minimal deltas between successive snapshots, and replicates them
// to an optional downstream peer. Inbound operation requests from peers are
// routed to the repository matching the request's work directory.
//
// Execution topology is a property of each node, not of the store type.
// A node with local backends and no peers is a plain local store; a node
// with a downstream is a host replicating to a viewer; a node with an
// upstream holds no authoritative repositories and relays everything; a
// node with both is an SSH-style relay. Upstream and downstream are
// independent concerns and are configured independently.
package gitstore
