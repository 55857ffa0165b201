// Package sessionstore persists the authenticated Matrix session and a
// cache of known dialogs in SQLite. The store tolerates exactly one
// writer: Open takes an exclusive flock next to the database and fails
// with ErrLocked while anyone else holds it. In practice that is the
// daemon, or the login command running while the daemon is stopped.
package sessionstore
