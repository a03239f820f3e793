// Package scsynth speaks the SuperCollider server's OSC command protocol.
//
// It contains the message builders for the node-graph instructions the
// control plane uses, a Transport abstraction over the UDP connection with a
// recording implementation for tests, the single-writer Sender that owns the
// outbound socket, and process management for launching scsynth itself.
package scsynth
