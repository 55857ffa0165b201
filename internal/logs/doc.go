// Package logs reads daemon log files for the CLI and the LogTail RPC.
//
// Tail works on a byte cursor so repeated calls never duplicate or
// split lines: a negative cursor starts with the last N lines, and a
// follow call long-polls until new complete lines land or the wait
// expires. The daemon serves cursors over the control plane; the CLI
// falls back to reading the file directly when the daemon is down.
package logs
