// Package server implements the HTTP and WebSocket surface of GoChat.
//
// The implementation is organized into specialized files for configuration,
// the hub, per-connection clients and their lifecycle, routing, and HTTP
// handlers. Presence bookkeeping and message fan-out live in the presence and
// fanout packages; the Hub wires them to live sockets.
package server
