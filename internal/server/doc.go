// Package server assembles the board: store, event bus, security gate,
// sessions, mutation coordinator, stream handler and web UI, behind one
// http.Server.
//
// Run listens on server.http_addr, or on a tailnet node when tailscale is
// enabled, and returns after ctx is canceled and shutdown completes.
// Shutdown closes the event bus before draining HTTP so that open event
// streams end instead of holding the drain until its timeout.
//
// Endpoints outside the UI:
//
//	GET /health        always 200 while the process runs
//	GET /health/ready  200 when the store answers a ping, else 503
//	GET /metrics       Prometheus exposition, when metrics.enabled
package server
