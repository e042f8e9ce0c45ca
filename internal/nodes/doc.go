// Package nodes keeps the registry of remote agent nodes the gateway forwards to.
//
// Each node has an id, a base URL and a node-scoped secret sent on forwarded
// calls instead of the caller's credential. Nodes come from two sources: the
// SQLite nodes table (managed with `fleet-gateway nodes ...`) and an optional
// TOML file. File entries win on id collisions. The file can be watched and
// is reloaded on change.
package nodes
