package matrix

import "strings"

// Message types understood by mxgate. Voice notes ride on m.audio like
// every other Matrix client does.
const (
	MsgText  = "m.text"
	MsgFile  = "m.file"
	MsgImage = "m.image"
	MsgAudio = "m.audio"
	MsgVideo = "m.video"
)

// EventTypeMessage is the timeline event type carrying room messages.
const EventTypeMessage = "m.room.message"

// EventTypeDirect is the account data event mapping user IDs to their
// direct-chat rooms.
const EventTypeDirect = "m.direct"

// DirectContent is the content of the m.direct account data event.
type DirectContent map[string][]string

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// FileInfo describes uploaded media attached to a message.
type FileInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Duration int64  `json:"duration,omitempty"` // milliseconds, voice messages only
}

// RelatesTo expresses relationships between events. mxgate uses it for
// message edits (rel_type "m.replace").
type RelatesTo struct {
	RelType string `json:"rel_type"`
	EventID string `json:"event_id"`
}

// MessageContent is the content body of an m.room.message event.
type MessageContent struct {
	MsgType    string          `json:"msgtype"`
	Body       string          `json:"body"`
	URL        string          `json:"url,omitempty"`
	Info       *FileInfo       `json:"info,omitempty"`
	NewContent *MessageContent `json:"m.new_content,omitempty"`
	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
}

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: MsgText,
		Body:    body,
	}
}

// NewFileMessage creates a media message pointing at uploaded content.
// msgType selects the renderer (m.file, m.image, m.audio, m.video) and
// body carries the filename shown to recipients.
func NewFileMessage(msgType, body, contentURI string, info *FileInfo) MessageContent {
	return MessageContent{
		MsgType: msgType,
		Body:    body,
		URL:     contentURI,
		Info:    info,
	}
}

// MessageTypeFor selects the message type recipients render for an
// upload. Voice forces an audio message regardless of content type.
func MessageTypeFor(contentType string, voice bool) string {
	switch {
	case voice:
		return MsgAudio
	case strings.HasPrefix(contentType, "image/"):
		return MsgImage
	case strings.HasPrefix(contentType, "audio/"):
		return MsgAudio
	case strings.HasPrefix(contentType, "video/"):
		return MsgVideo
	}
	return MsgFile
}

// NewEdit creates a replacement for an earlier message. The top-level
// body keeps the legacy "* text" fallback for clients that do not
// understand m.replace.
func NewEdit(targetEventID, body string) MessageContent {
	replacement := NewTextMessage(body)
	return MessageContent{
		MsgType:    MsgText,
		Body:       "* " + body,
		NewContent: &replacement,
		RelatesTo: &RelatesTo{
			RelType: "m.replace",
			EventID: targetEventID,
		},
	}
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// RoomMessagesOptions controls pagination for room message fetching.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means "from now"
	Direction string // "b" (backward/older) or "f" (forward/newer)
	Limit     int    // max events to return; 0 uses server default
}

// RoomMessagesResponse is returned by RoomMessages.
type RoomMessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end"`
	Chunk []Event `json:"chunk"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch   string       `json:"next_batch"`
	Rooms       RoomsSection `json:"rooms"`
	AccountData StateSection `json:"account_data"`
}

// RoomsSection contains per-room sync data grouped by membership state.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Summary             RoomSummary              `json:"summary"`
	Timeline            TimelineSection          `json:"timeline"`
	State               StateSection             `json:"state"`
	UnreadNotifications UnreadNotificationCounts `json:"unread_notifications"`
}

// RoomSummary is the server-computed membership summary for a room.
// Heroes are the members a client should name a nameless room after.
type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  int      `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount int      `json:"m.invited_member_count,omitempty"`
}

// UnreadNotificationCounts reports unread totals for a joined room.
type UnreadNotificationCounts struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by SendMessage, SendEvent, and RedactEvent.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// RedactRequest is the request body for event redaction.
type RedactRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResolveAliasResponse is returned by ResolveAlias.
type ResolveAliasResponse struct {
	RoomID  string   `json:"room_id"`
	Servers []string `json:"servers"`
}

// CreateRoomRequest is the request body for room creation.
type CreateRoomRequest struct {
	Preset   string   `json:"preset,omitempty"`
	IsDirect bool     `json:"is_direct,omitempty"`
	Invite   []string `json:"invite,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// CreateRoomResponse is returned by CreateRoom.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

// DisplayNameResponse is returned by the profile displayname endpoint.
type DisplayNameResponse struct {
	DisplayName string `json:"displayname"`
}

// UploadResponse is returned by UploadMedia.
type UploadResponse struct {
	ContentURI string `json:"content_uri"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

// RoomMember represents a member of a Matrix room.
type RoomMember struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Membership  string `json:"membership"`
}

// RoomMembersResponse is returned by the /members endpoint.
type RoomMembersResponse struct {
	Chunk []RoomMemberEvent `json:"chunk"`
}

// RoomMemberEvent is a member state event from the /members endpoint.
type RoomMemberEvent struct {
	Type     string            `json:"type"`
	StateKey string            `json:"state_key"`
	Sender   string            `json:"sender"`
	Content  RoomMemberContent `json:"content"`
}

// RoomMemberContent is the content of a m.room.member state event.
type RoomMemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
