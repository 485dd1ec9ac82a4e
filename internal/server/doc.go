// Package server exposes the HTTP surface of the relay: the public key
// endpoint, the WebSocket upgrade, health and metrics.
//
// Each WebSocket connection is a Client with a read pump that hands binary
// frames to a Dispatcher and a write pump that drains its send buffer. The
// Hub owns the set of live clients and is the relay's outbound Sender.
package server
