package ipc

import (
	"time"

	"mxgate/internal/gateway"
)

// ServiceName is the RPC namespace every control-plane method lives
// under. It is part of the wire contract.
const ServiceName = "Gateway"

// Fault carries a classified failure across the wire. Kind is one of
// the taxonomy labels; Hint is the follow-up action for human output.
type Fault struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Err rebuilds the typed error a fault describes. A nil fault is no
// error.
func (f *Fault) Err() error {
	if f == nil {
		return nil
	}
	return gateway.FromKind(f.Kind, f.Message)
}

// Message mirrors the gateway's message snapshot for IPC callers.
type Message = gateway.Message

// DialogInfo mirrors the gateway's dialog snapshot for IPC callers.
type DialogInfo = gateway.DialogInfo

// Identity mirrors the gateway's account identity for IPC callers.
type Identity = gateway.Identity

// SessionStatus mirrors the gateway's session snapshot for IPC callers.
type SessionStatus = gateway.Snapshot

// SendRequest posts a text message to a chat.
type SendRequest struct {
	Chat string `json:"chat"`
	Text string `json:"text"`
}

// SendResponse reports the delivered message.
type SendResponse struct {
	Fault   *Fault `json:"fault,omitempty"`
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// SendFileRequest uploads a local file and posts it to a chat.
type SendFileRequest struct {
	Chat    string `json:"chat"`
	Path    string `json:"path"`
	Caption string `json:"caption"`
	Voice   bool   `json:"voice"`
}

// SendFileResponse reports the delivered file message.
type SendFileResponse struct {
	Fault   *Fault `json:"fault,omitempty"`
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// MessagesRequest fetches recent messages of a chat, newest first.
type MessagesRequest struct {
	Chat  string `json:"chat"`
	Limit int    `json:"limit"`
}

// MessagesResponse carries the fetched messages.
type MessagesResponse struct {
	Fault    *Fault    `json:"fault,omitempty"`
	Messages []Message `json:"messages"`
}

// DialogsRequest searches the cached conversations.
type DialogsRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// DialogsResponse carries the matching dialogs, best match first.
type DialogsResponse struct {
	Fault   *Fault       `json:"fault,omitempty"`
	Dialogs []DialogInfo `json:"dialogs"`
}

// DownloadRequest saves the media behind a message to disk on the
// daemon's host.
type DownloadRequest struct {
	Chat     string `json:"chat"`
	EventID  string `json:"event_id"`
	SavePath string `json:"save_path"`
}

// DownloadResponse reports where the media landed.
type DownloadResponse struct {
	Fault       *Fault `json:"fault,omitempty"`
	Path        string `json:"path"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type"`
}

// EditRequest replaces the text of an earlier message.
type EditRequest struct {
	Chat    string `json:"chat"`
	EventID string `json:"event_id"`
	Text    string `json:"text"`
}

// EditResponse reports the replacement event.
type EditResponse struct {
	Fault   *Fault `json:"fault,omitempty"`
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// DeleteRequest redacts messages by id, in order.
type DeleteRequest struct {
	Chat     string   `json:"chat"`
	EventIDs []string `json:"event_ids"`
}

// DeleteResponse counts how far the batch got. Deleted can be nonzero
// even when Fault is set: the batch stops at the first failure.
type DeleteResponse struct {
	Fault     *Fault `json:"fault,omitempty"`
	Requested int    `json:"requested"`
	Deleted   int    `json:"deleted"`
}

// WhoamiRequest verifies the session against the backend.
type WhoamiRequest struct{}

// WhoamiResponse carries the verified account identity.
type WhoamiResponse struct {
	Fault    *Fault   `json:"fault,omitempty"`
	Identity Identity `json:"identity"`
}

// StatusRequest fetches the daemon's status snapshot. Answered
// directly, never queued behind session operations.
type StatusRequest struct{}

// QueueStatus reports the request lane for status output.
type QueueStatus struct {
	Busy             bool   `json:"busy"`
	CurrentOperation string `json:"current_operation,omitempty"`
	Depth            int    `json:"depth"`
	Capacity         int    `json:"capacity"`
	Accepted         uint64 `json:"accepted"`
	Rejected         uint64 `json:"rejected"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
}

// StatusResponse is the daemon's status snapshot.
type StatusResponse struct {
	Running   bool          `json:"running"`
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"started_at"`
	Address   string        `json:"address"`
	LogPath   string        `json:"log_path"`
	StorePath string        `json:"store_path"`
	Session   SessionStatus `json:"session"`
	Queue     QueueStatus   `json:"queue"`
}

// StopRequest asks the daemon process to shut down.
type StopRequest struct{}

// StopResponse acknowledges that shutdown has begun.
type StopResponse struct {
	Stopping bool `json:"stopping"`
}

// LogTailRequest fetches log lines from the daemon's current log file.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Lines      int   `json:"lines"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the cursor for the next call.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// TestNotificationRequest pushes a test message through the configured
// notification channel.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the notification test outcome.
type TestNotificationResponse struct {
	Fault   *Fault `json:"fault,omitempty"`
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
