// Package server implements the team chat relay: the connection registry,
// the per-team channel router, the per-connection session protocol and the
// HTTP surface (WebSocket upgrade, history, health, metrics).
//
// The implementation is organized into specialized files for connections,
// the registry, routing, protocol handling and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
