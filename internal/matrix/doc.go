// Package matrix is a thin client for the Matrix client-server API,
// covering exactly the surface mxgate needs: password login, message
// send/edit/redact, room history, media transfer, sync, and the state
// reads behind dialog naming. Transient homeserver failures are retried
// with a bounded doubled backoff; rate limits honor the server's
// retry_after_ms. Errors surface as *MatrixError so callers can map
// homeserver error codes onto their own taxonomy.
package matrix
