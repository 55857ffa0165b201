// Package ipc exposes the daemon over JSON-RPC on a loopback TCP
// listener and ships the matching client used by the CLI.
//
// Failures travel inside responses as Fault values keyed by taxonomy
// kind, not as RPC error strings, so clients rebuild typed errors with
// errors.Is intact. Session operations are enqueued on the daemon's
// request lane one call at a time; Status and LogTail answer directly
// so the daemon stays observable while a request is in flight.
//
// The server refuses to bind anything but a loopback address. Remote
// access is out of scope for the protocol.
package ipc
