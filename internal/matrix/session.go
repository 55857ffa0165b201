package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Session is an authenticated view onto a Client. It carries the access
// token and a transaction counter for idempotent sends. Safe for
// concurrent use.
type Session struct {
	client             *Client
	accessToken        string
	userID             string
	deviceID           string
	transactionCounter atomic.Uint64
}

// UserID returns the fully-qualified Matrix user ID for this session.
func (s *Session) UserID() string {
	return s.userID
}

// AccessToken exposes the raw token for persistence.
func (s *Session) AccessToken() string {
	return s.accessToken
}

// DeviceID returns the device ID when the session came from a login.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// CloseIdleConnections resets the underlying connection pool.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// WhoAmI asks the homeserver who owns the access token. This is the
// canonical way to find out whether a stored session is still valid.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// SendMessage sends an m.room.message event to a room and returns the
// event ID.
func (s *Session) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	return s.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// SendEvent sends an event of any type to a room. Uses Matrix's
// idempotent PUT with a transaction ID. Returns the event ID.
func (s *Session) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return "", fmt.Errorf("matrix: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// RedactEvent removes the content of an earlier event. This is how
// Matrix deletes messages. Returns the redaction's own event ID.
func (s *Session) RedactEvent(ctx context.Context, roomID, eventID, reason string) (string, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventID),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, RedactRequest{Reason: reason})
	if err != nil {
		return "", fmt.Errorf("matrix: redact %s in %q failed: %w", eventID, roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse redact response: %w", err)
	}
	return response.EventID, nil
}

// GetEvent fetches a single event by ID.
func (s *Session) GetEvent(ctx context.Context, roomID, eventID string) (*Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventID),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: get event %s in %q failed: %w", eventID, roomID, err)
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse event response: %w", err)
	}
	return &event, nil
}

// RoomMessages fetches messages from a room with pagination.
func (s *Session) RoomMessages(ctx context.Context, roomID string, options RoomMessagesOptions) (*RoomMessagesResponse, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(roomID))

	query := url.Values{}
	if options.From != "" {
		query.Set("from", options.From)
	}
	direction := options.Direction
	if direction == "" {
		direction = "b" // backward (newest first) by default
	}
	query.Set("dir", direction)
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: room messages for %q failed: %w", roomID, err)
	}

	var response RoomMessagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse messages response: %w", err)
	}
	return &response, nil
}

// Sync performs one /sync call. The since token travels as a query
// parameter, so Sync is stateless and safe to call from anywhere.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// ResolveAlias resolves a room alias (e.g. "#ops:example.org") to a
// room ID.
func (s *Session) ResolveAlias(ctx context.Context, alias string) (string, error) {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: resolve alias %q failed: %w", alias, err)
	}

	var response ResolveAliasResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse resolve alias response: %w", err)
	}
	return response.RoomID, nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]string, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// GetStateEvent fetches a specific state event's content from a room.
// If the state event does not exist, returns a *MatrixError with code
// M_NOT_FOUND.
func (s *Session) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: get state event %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// RoomName returns the room's m.room.name, or "" when the room has
// none.
func (s *Session) RoomName(ctx context.Context, roomID string) (string, error) {
	content, err := s.GetStateEvent(ctx, roomID, "m.room.name", "")
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var name struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(content, &name); err != nil {
		return "", fmt.Errorf("matrix: failed to parse room name: %w", err)
	}
	return name.Name, nil
}

// CanonicalAlias returns the room's canonical alias, or "" when unset.
func (s *Session) CanonicalAlias(ctx context.Context, roomID string) (string, error) {
	content, err := s.GetStateEvent(ctx, roomID, "m.room.canonical_alias", "")
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	var alias struct {
		Alias string `json:"alias"`
	}
	if err := json.Unmarshal(content, &alias); err != nil {
		return "", fmt.Errorf("matrix: failed to parse canonical alias: %w", err)
	}
	return alias.Alias, nil
}

// RoomMembers returns the joined members of a room.
func (s *Session) RoomMembers(ctx context.Context, roomID string) ([]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID))
	query := url.Values{}
	query.Set("membership", "join")

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: room members for %q failed: %w", roomID, err)
	}

	var response RoomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse members response: %w", err)
	}

	members := make([]RoomMember, 0, len(response.Chunk))
	for _, event := range response.Chunk {
		members = append(members, RoomMember{
			UserID:      event.StateKey,
			DisplayName: event.Content.DisplayName,
			Membership:  event.Content.Membership,
		})
	}
	return members, nil
}

// UploadMedia uploads content to the homeserver's media repository and
// returns the MXC URI.
func (s *Session) UploadMedia(ctx context.Context, contentType, filename string, body io.Reader) (string, error) {
	path := "/_matrix/media/v3/upload"
	if filename != "" {
		path += "?" + url.Values{"filename": []string{filename}}.Encode()
	}
	responseBody, err := s.client.doRequestRaw(ctx, http.MethodPost, path, s.accessToken, contentType, body)
	if err != nil {
		return "", fmt.Errorf("matrix: media upload failed: %w", err)
	}

	var response UploadResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse upload response: %w", err)
	}
	return response.ContentURI, nil
}

// DownloadMedia streams the media behind an MXC URI into w. Returns the
// reported content type and the number of bytes written. Uses the
// authenticated media endpoint.
func (s *Session) DownloadMedia(ctx context.Context, mxcURI string, w io.Writer) (string, int64, error) {
	server, mediaID, err := ParseMXC(mxcURI)
	if err != nil {
		return "", 0, err
	}

	path := fmt.Sprintf("/_matrix/client/v1/media/download/%s/%s",
		url.PathEscape(server),
		url.PathEscape(mediaID),
	)

	body, contentType, _, err := s.client.doDownload(ctx, path, s.accessToken)
	if err != nil {
		return "", 0, fmt.Errorf("matrix: download %s failed: %w", mxcURI, err)
	}
	defer body.Close()

	written, err := io.Copy(w, body)
	if err != nil {
		return contentType, written, fmt.Errorf("matrix: download %s interrupted: %w", mxcURI, err)
	}
	return contentType, written, nil
}

// CreateRoom creates a room and returns its ID. mxgate uses it to open
// direct chats on demand when no existing room covers a user.
func (s *Session) CreateRoom(ctx context.Context, request CreateRoomRequest) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", s.accessToken, request)
	if err != nil {
		return "", fmt.Errorf("matrix: create room failed: %w", err)
	}

	var response CreateRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse create room response: %w", err)
	}
	return response.RoomID, nil
}

// DisplayName fetches a user's profile display name. Users without one
// set yield the empty string.
func (s *Session) DisplayName(ctx context.Context, userID string) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(userID))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("matrix: displayname for %q failed: %w", userID, err)
	}

	var response DisplayNameResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse displayname response: %w", err)
	}
	return response.DisplayName, nil
}

// AccountData fetches a global account data event into the given value.
// Events that were never set leave the value untouched and return nil.
func (s *Session) AccountData(ctx context.Context, eventType string, into any) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s",
		url.PathEscape(s.userID),
		url.PathEscape(eventType),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("matrix: account data %q failed: %w", eventType, err)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("matrix: failed to parse account data %q: %w", eventType, err)
	}
	return nil
}

// SetAccountData writes a global account data event for this user.
func (s *Session) SetAccountData(ctx context.Context, eventType string, content any) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s",
		url.PathEscape(s.userID),
		url.PathEscape(eventType),
	)
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content); err != nil {
		return fmt.Errorf("matrix: set account data %q failed: %w", eventType, err)
	}
	return nil
}

// ParseMXC splits an mxc://server/mediaID URI.
func ParseMXC(uri string) (server, mediaID string, err error) {
	rest, ok := strings.CutPrefix(uri, "mxc://")
	if !ok {
		return "", "", fmt.Errorf("matrix: %q is not an mxc URI", uri)
	}
	server, mediaID, ok = strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return "", "", fmt.Errorf("matrix: malformed mxc URI %q", uri)
	}
	return server, mediaID, nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Format: "mxgate-<timestamp_ms>-<counter>" to ensure
// uniqueness across restarts.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("mxgate-%d-%d", time.Now().UnixMilli(), counter)
}
