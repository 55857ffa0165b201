package gateway

import "time"

// State labels the session lifecycle. The daemon always starts; State
// says whether operations can actually reach the backend.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateErrored        State = "errored"
)

// Identity describes the account behind the session.
type Identity struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Homeserver  string `json:"homeserver"`
}

// MessageRef identifies a message that was just sent, edited, or
// redacted.
type MessageRef struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// Message is one timeline entry formatted for clients. The newest
// message comes first, matching the backend's backward pagination.
type Message struct {
	EventID   string    `json:"event_id"`
	RoomID    string    `json:"room_id,omitempty"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	MsgType   string    `json:"msgtype"`
	Body      string    `json:"body"`
	FileName  string    `json:"file_name,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	Edited    bool      `json:"edited,omitempty"`
}

// DialogInfo describes one cached conversation for clients.
type DialogInfo struct {
	RoomID       string    `json:"room_id"`
	Name         string    `json:"name"`
	Alias        string    `json:"alias,omitempty"`
	Direct       bool      `json:"direct"`
	UnreadCount  int       `json:"unread_count"`
	LastActivity time.Time `json:"last_activity"`
}

// DownloadResult reports where downloaded media landed.
type DownloadResult struct {
	Path        string `json:"path"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// DeleteResult counts how far a batched delete got before stopping.
type DeleteResult struct {
	Requested int `json:"requested"`
	Deleted   int `json:"deleted"`
}

// Snapshot is the point-in-time session view for status output. It is
// assembled without touching the backend.
type Snapshot struct {
	State       State     `json:"state"`
	Identity    Identity  `json:"identity"`
	LastError   string    `json:"last_error,omitempty"`
	DialogCount int       `json:"dialog_count"`
	SyncedAt    time.Time `json:"synced_at"`
}
