// Package main hosts the mxgate CLI entrypoint and command graph.
//
// The Cobra-based command tree turns terminal invocations into
// control-plane calls against the session daemon, direct bot-channel
// requests, daemon lifecycle actions, log tailing, and configuration
// scaffolding. Channel routing and the heavy lifting live in the
// internal packages; commands here parse flags, call through
// internal/dispatch or internal/daemonctl, and format what comes back.
//
// The same binary is both the CLI and the daemon: `daemon start`
// re-executes it with the hidden `daemon run` subcommand in a detached
// session.
package main
