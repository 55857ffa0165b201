// Package gateway owns the single authenticated backend session and
// everything that touches it: resuming the stored session on startup,
// keeping the dialog cache synced, resolving chat references, and
// executing the session operations the control plane exposes.
//
// The package is also the home of the failure taxonomy. Every error the
// daemon reports is tagged with one of the exported sentinel markers;
// Kind and FromKind translate between those markers and the stable
// labels carried over the control plane so clients can classify
// failures with errors.Is and pick exit codes and hints accordingly.
//
// The gateway never dials the backend concurrently with itself: the
// request lane feeds it one operation at a time. Startup is deliberately
// forgiving - a missing or rejected session leaves the gateway errored
// but the daemon running, so status queries and login hints keep
// working.
package gateway
