// Package notifications delivers daemon events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Events cover the daemon lifecycle plus the one session condition
// that needs a human (the homeserver rejecting the stored token), so the
// daemon and session client can emit consistent messages without duplicating
// HTTP glue.
//
// Extend this package if you need alternative transports; all daemon code
// depends only on the simple Service interface.
package notifications
