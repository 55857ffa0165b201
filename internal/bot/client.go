package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mxgate/internal/config"
	"mxgate/internal/fileutil"
	"mxgate/internal/gateway"
	"mxgate/internal/logging"
	"mxgate/internal/matrix"
)

const defaultUpdateLimit = 10

// Update is one incoming message seen by the bot account.
type Update struct {
	RoomID  string          `json:"room_id"`
	Message gateway.Message `json:"message"`
}

// UpdatesResult carries one batch of updates plus the cursor for the
// next call. The caller owns the cursor; the client stores nothing
// between calls.
type UpdatesResult struct {
	NextSince string   `json:"next_since"`
	Updates   []Update `json:"updates"`
}

// Client performs bot-channel operations. Each operation is its own
// authenticated round trip; the client holds no mutable state, so any
// number of instances and callers may run concurrently, daemon or no
// daemon.
type Client struct {
	cfg     *config.Config
	session *matrix.Session
	logger  *slog.Logger
}

// New builds a bot client from configuration. It fails when the
// homeserver or bot token is missing; nothing is validated against the
// backend until the first operation.
func New(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, gateway.Wrap(gateway.ErrBadRequest, "bot", "", "configuration is required", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if strings.TrimSpace(cfg.Homeserver) == "" {
		return nil, gateway.Wrap(gateway.ErrBadRequest, "bot", "", "homeserver is not configured", nil)
	}
	token := strings.TrimSpace(cfg.BotAccessToken)
	if token == "" {
		return nil, gateway.Wrap(gateway.ErrAuthRequired, "bot", "",
			"bot access token is not configured; set bot_access_token or "+config.BotTokenEnv, nil)
	}

	botLogger := logging.NewComponentLogger(logger, "bot")
	client, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: cfg.Homeserver,
		HTTPClient:    &http.Client{Timeout: time.Duration(cfg.MatrixRequestTimeout) * time.Second},
		Logger:        botLogger,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
	})
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrBadRequest, "bot", "", "", err)
	}

	return &Client{
		cfg:     cfg,
		session: client.SessionFromToken(strings.TrimSpace(cfg.BotUserID), token),
		logger:  botLogger,
	}, nil
}

// Send delivers a text message from the bot account.
func (c *Client) Send(ctx context.Context, room, text string) (gateway.MessageRef, error) {
	if strings.TrimSpace(text) == "" {
		return gateway.MessageRef{}, gateway.Wrap(gateway.ErrBadRequest, "bot", "send", "message text is required", nil)
	}
	roomID, err := c.resolveRoom(ctx, room)
	if err != nil {
		return gateway.MessageRef{}, err
	}

	eventID, err := c.session.SendMessage(ctx, roomID, matrix.NewTextMessage(text))
	if err != nil {
		return gateway.MessageRef{}, gateway.WrapBackend("bot send", err)
	}
	c.logger.Info("bot message sent",
		logging.String(logging.FieldChat, room),
		logging.String("event_id", eventID),
	)
	return gateway.MessageRef{RoomID: roomID, EventID: eventID}, nil
}

// SendFile uploads a local file and posts it from the bot account. The
// message type follows the detected content type; voice forces an audio
// message. An empty caption falls back to the file name.
func (c *Client) SendFile(ctx context.Context, room, path, caption string, voice bool) (gateway.MessageRef, error) {
	roomID, err := c.resolveRoom(ctx, room)
	if err != nil {
		return gateway.MessageRef{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return gateway.MessageRef{}, gateway.Wrap(gateway.ErrBadRequest, "bot", path, "file does not exist", nil)
		}
		return gateway.MessageRef{}, gateway.Wrap(gateway.ErrBadRequest, "bot", path, "", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return gateway.MessageRef{}, gateway.Wrap(gateway.ErrBadRequest, "bot", path, "", err)
	}
	if info.IsDir() {
		return gateway.MessageRef{}, gateway.Wrap(gateway.ErrBadRequest, "bot", path, "is a directory", nil)
	}

	contentType, reader, err := fileutil.DetectContentType(path, file)
	if err != nil {
		return gateway.MessageRef{}, gateway.Wrap(gateway.ErrBadRequest, "bot", path, "", err)
	}

	filename := filepath.Base(path)
	contentURI, err := c.session.UploadMedia(ctx, contentType, filename, reader)
	if err != nil {
		return gateway.MessageRef{}, gateway.WrapBackend("bot upload media", err)
	}

	body := strings.TrimSpace(caption)
	if body == "" {
		body = filename
	}
	content := matrix.NewFileMessage(matrix.MessageTypeFor(contentType, voice), body, contentURI, &matrix.FileInfo{
		MimeType: contentType,
		Size:     info.Size(),
	})

	eventID, err := c.session.SendMessage(ctx, roomID, content)
	if err != nil {
		return gateway.MessageRef{}, gateway.WrapBackend("bot send file", err)
	}
	c.logger.Info("bot file sent",
		logging.String(logging.FieldChat, room),
		logging.String("event_id", eventID),
		logging.String("content_type", contentType),
		logging.Int64("bytes", info.Size()),
	)
	return gateway.MessageRef{RoomID: roomID, EventID: eventID}, nil
}

// Whoami verifies the bot token against the backend and returns the
// bot's identity.
func (c *Client) Whoami(ctx context.Context) (gateway.Identity, error) {
	userID, err := c.session.WhoAmI(ctx)
	if err != nil {
		return gateway.Identity{}, gateway.WrapBackend("bot whoami", err)
	}

	identity := gateway.Identity{
		UserID:     userID,
		Homeserver: c.cfg.Homeserver,
	}
	if name, nameErr := c.session.DisplayName(ctx, userID); nameErr == nil {
		identity.DisplayName = name
	}
	return identity, nil
}

// Updates fetches messages addressed to the bot account in one sync
// round trip. since is the cursor from a previous call; empty starts
// from the beginning of the bot's view. The bot's own messages are
// filtered out when the bot user id is configured. Results come oldest
// first, capped at limit.
func (c *Client) Updates(ctx context.Context, since string, limit int) (*UpdatesResult, error) {
	if limit <= 0 {
		limit = defaultUpdateLimit
	}

	response, err := c.session.Sync(ctx, matrix.SyncOptions{
		Since:      since,
		SetTimeout: true,
		Timeout:    0,
		Filter:     fmt.Sprintf(`{"room":{"timeline":{"limit":%d}}}`, limit),
	})
	if err != nil {
		return nil, gateway.WrapBackend("bot updates", err)
	}

	self := c.session.UserID()
	updates := make([]Update, 0, limit)
	for roomID, joined := range response.Rooms.Join {
		for _, event := range joined.Timeline.Events {
			if self != "" && event.Sender == self {
				continue
			}
			if message, ok := gateway.MessageFromEvent(event); ok {
				message.RoomID = roomID
				updates = append(updates, Update{RoomID: roomID, Message: message})
			}
		}
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Message.Timestamp.Before(updates[j].Message.Timestamp)
	})
	if len(updates) > limit {
		updates = updates[:limit]
	}

	return &UpdatesResult{NextSince: response.NextBatch, Updates: updates}, nil
}

// resolveRoom maps a chat reference onto a room ID. The bot channel is
// stateless, so only direct references resolve: room IDs pass through
// and aliases cost one directory lookup. Cache-backed references (user
// IDs, bare names) need the session daemon.
func (c *Client) resolveRoom(ctx context.Context, room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return "", gateway.Wrap(gateway.ErrBadRequest, "bot", "", "a room id or alias is required", nil)
	}
	switch room[0] {
	case '!':
		if !strings.Contains(room, ":") {
			return "", gateway.Wrap(gateway.ErrBadRequest, "bot", room, "malformed room id", nil)
		}
		return room, nil
	case '#':
		if !strings.Contains(room, ":") {
			return "", gateway.Wrap(gateway.ErrBadRequest, "bot", room, "malformed room alias", nil)
		}
		roomID, err := c.session.ResolveAlias(ctx, room)
		if err != nil {
			return "", gateway.WrapBackend("bot resolve alias", err)
		}
		return roomID, nil
	}
	return "", gateway.Wrap(gateway.ErrBadRequest, "bot", room,
		"bot operations need a room id (!room:server) or alias (#alias:server)", nil)
}
