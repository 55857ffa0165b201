// Package daemon coordinates the long-running mxgate process.
//
// It wires the session store, the gateway session, and the request lane
// into a single lifecycle guarded by a flock so only one instance runs
// per state directory. Start order is store, gateway, lane; Stop
// reverses it so the in-flight request finishes before the session goes
// away. The control-plane server talks to a running daemon exclusively
// through Submit, Status, and RequestShutdown.
//
// Process-level concerns (detaching, the liveness record, signal
// handling, per-run logs) live in daemonctl and daemonrun; this package
// only manages what happens inside a running process.
package daemon
