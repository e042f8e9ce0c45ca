// Package gateway orchestrates the fleet-gateway server components.
//
// # Overview
//
// Gateway owns the SQLite store, the session store, the node registry, the
// authenticator and the forwarding proxy, and serves them over HTTP (plus an
// optional gRPC health endpoint). New builds everything from a config.Config;
// Run listens until its context ends and then shuts down within five seconds.
//
// # Route Table
//
// Every API route is registered once with a fixed exemption flag and a
// forward class:
//
//	POST /api/auth/login     exempt   local
//	POST /api/auth/renew     exempt   local
//	POST /api/auth/logout    exempt   local
//	GET  /api/me                      local
//	GET  /api/nodes                   local
//	GET  /api/logs/tree               forward buffered
//	POST /api/logs/delete             forward buffered
//	GET  /api/logs/download           forward stream
//	GET  /api/release                 local
//	GET  /api/open/status    (prefix) local
//
// A request first passes the authentication middleware for its route. If it
// carries a node_id query parameter, forwardable routes hand it to the proxy
// and local routes answer 400; otherwise the local handler runs.
//
// /health, /health/ready and the metrics endpoint sit outside the table and
// are never authenticated.
//
// # Listeners
//
// Without Tailscale the HTTP server listens on server.http_addr and gRPC on
// server.grpc_addr when set. With Tailscale enabled an embedded tsnet node
// serves HTTP on :80, HTTPS with tailnet certificates on :443, or a public
// Funnel, and may also be used to dial nodes.
package gateway
