// Package dispatch decides, per operation, how to reach the backend.
//
// Session-bound operations (send, messages, dialogs, download, edit,
// delete, whoami) must run against the one authenticated session, so
// they go through the daemon's control plane and its request lane. Bot
// operations carry no session state and call the homeserver directly;
// they keep working while the daemon is stopped.
//
// The dispatcher never opens the session store. Only the daemon holds
// that lock.
package dispatch
