// Package scdeck is the real-time control plane of a multi-track audio
// workstation backed by an external SuperCollider server (scsynth).
//
// The packages compose bottom-up:
//
//   - scsynth: OSC wire protocol, transports, the single-writer sender and
//     server process management
//   - session: the in-memory session document (instruments, buses, groups)
//   - engine: the stateful façade keeping scsynth's node graph consistent
//     with the session (allocators, phased routing rebuild, scheduling)
//   - control: the fixed-rate loop that turns commands into engine calls and
//     engine events into feedback
//
// Callers interact exclusively through control.Loop: commands in, feedback
// out. Everything behind that boundary is owned by the loop goroutine.
package scdeck
