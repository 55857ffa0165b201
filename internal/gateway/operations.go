package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mxgate/internal/config"
	"mxgate/internal/fileutil"
	"mxgate/internal/logging"
	"mxgate/internal/matrix"
	"mxgate/internal/sessionstore"
)

const (
	defaultMessageLimit = 10
	maxMessageLimit     = 100
	defaultDialogLimit  = 10
)

// SendMessage delivers a text message to the referenced chat.
func (g *Gateway) SendMessage(ctx context.Context, chat, text string) (MessageRef, error) {
	if strings.TrimSpace(text) == "" {
		return MessageRef{}, Wrap(ErrBadRequest, "send", "", "message text is required", nil)
	}
	session, err := g.authedSession()
	if err != nil {
		return MessageRef{}, err
	}
	roomID, err := g.resolveChat(ctx, session, chat)
	if err != nil {
		return MessageRef{}, err
	}

	eventID, err := session.SendMessage(ctx, roomID, matrix.NewTextMessage(text))
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return MessageRef{}, WrapBackend("send message", err)
	}
	g.logger.Info("message sent",
		logging.String(logging.FieldChat, chat),
		logging.String("event_id", eventID),
	)
	return MessageRef{RoomID: roomID, EventID: eventID}, nil
}

// SendFile uploads a local file and posts it to the referenced chat.
// The message type follows the detected content type; voice forces an
// audio message. An empty caption falls back to the file name.
func (g *Gateway) SendFile(ctx context.Context, chat, path, caption string, voice bool) (MessageRef, error) {
	session, err := g.authedSession()
	if err != nil {
		return MessageRef{}, err
	}
	roomID, err := g.resolveChat(ctx, session, chat)
	if err != nil {
		return MessageRef{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return MessageRef{}, Wrap(ErrBadRequest, "send file", path, "file does not exist", nil)
		}
		return MessageRef{}, Wrap(ErrBadRequest, "send file", path, "", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return MessageRef{}, Wrap(ErrBadRequest, "send file", path, "", err)
	}
	if info.IsDir() {
		return MessageRef{}, Wrap(ErrBadRequest, "send file", path, "is a directory", nil)
	}

	contentType, reader, err := fileutil.DetectContentType(path, file)
	if err != nil {
		return MessageRef{}, Wrap(ErrBadRequest, "send file", path, "", err)
	}

	filename := filepath.Base(path)
	contentURI, err := session.UploadMedia(ctx, contentType, filename, reader)
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return MessageRef{}, WrapBackend("upload media", err)
	}

	body := strings.TrimSpace(caption)
	if body == "" {
		body = filename
	}
	content := matrix.NewFileMessage(matrix.MessageTypeFor(contentType, voice), body, contentURI, &matrix.FileInfo{
		MimeType: contentType,
		Size:     info.Size(),
	})

	eventID, err := session.SendMessage(ctx, roomID, content)
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return MessageRef{}, WrapBackend("send file", err)
	}
	g.logger.Info("file sent",
		logging.String(logging.FieldChat, chat),
		logging.String("event_id", eventID),
		logging.String("content_type", contentType),
		logging.Int64("bytes", info.Size()),
	)
	return MessageRef{RoomID: roomID, EventID: eventID}, nil
}

// Messages fetches the most recent messages of a chat, newest first.
func (g *Gateway) Messages(ctx context.Context, chat string, limit int) ([]Message, error) {
	session, err := g.authedSession()
	if err != nil {
		return nil, err
	}
	roomID, err := g.resolveChat(ctx, session, chat)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	response, err := session.RoomMessages(ctx, roomID, matrix.RoomMessagesOptions{
		Direction: "b",
		Limit:     limit,
	})
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return nil, WrapBackend("fetch messages", err)
	}

	messages := make([]Message, 0, len(response.Chunk))
	for _, event := range response.Chunk {
		if message, ok := MessageFromEvent(event); ok {
			message.RoomID = roomID
			messages = append(messages, message)
		}
	}
	return messages, nil
}

// SearchDialogs lists cached conversations matching the query, best
// matches first. An empty query lists everything. The cache gets a
// best-effort refresh first so results track the backend.
func (g *Gateway) SearchDialogs(ctx context.Context, query string, limit int) ([]DialogInfo, error) {
	if _, err := g.authedSession(); err != nil {
		return nil, err
	}
	if err := g.refreshDialogs(ctx); err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return nil, err
		}
		g.logger.Warn("dialog refresh failed, serving cached dialogs", logging.Error(err))
	}

	if limit <= 0 {
		limit = defaultDialogLimit
	}

	g.mu.Lock()
	dialogs := make([]sessionstore.Dialog, 0, len(g.dialogs))
	for _, dialog := range g.dialogs {
		dialogs = append(dialogs, dialog)
	}
	g.mu.Unlock()

	folded := foldString(strings.TrimSpace(query))
	type ranked struct {
		dialog sessionstore.Dialog
		rank   int
	}
	matches := make([]ranked, 0, len(dialogs))
	for _, dialog := range dialogs {
		rank := rankDialog(folded, dialog)
		if rank < 0 {
			continue
		}
		matches = append(matches, ranked{dialog: dialog, rank: rank})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return foldString(matches[i].dialog.DisplayName()) < foldString(matches[j].dialog.DisplayName())
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]DialogInfo, 0, len(matches))
	for _, match := range matches {
		results = append(results, DialogInfo{
			RoomID:       match.dialog.RoomID,
			Name:         match.dialog.DisplayName(),
			Alias:        match.dialog.CanonicalAlias,
			Direct:       match.dialog.IsDirect,
			UnreadCount:  match.dialog.UnreadCount,
			LastActivity: match.dialog.LastActivity,
		})
	}
	return results, nil
}

// Download streams the media behind a message into the downloads
// directory, or to savePath when given. Collisions in the downloads
// directory get a numeric suffix; explicit paths are honored as-is.
func (g *Gateway) Download(ctx context.Context, chat, eventID, savePath string) (DownloadResult, error) {
	session, err := g.authedSession()
	if err != nil {
		return DownloadResult{}, err
	}
	roomID, err := g.resolveChat(ctx, session, chat)
	if err != nil {
		return DownloadResult{}, err
	}

	event, err := session.GetEvent(ctx, roomID, eventID)
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return DownloadResult{}, WrapBackend("fetch event", err)
	}
	mediaURL, _ := event.Content["url"].(string)
	if event.Type != matrix.EventTypeMessage || mediaURL == "" {
		return DownloadResult{}, Wrap(ErrBadRequest, "download", eventID, "message has no downloadable media", nil)
	}

	filename := "download"
	if body, ok := event.Content["body"].(string); ok && strings.TrimSpace(body) != "" {
		filename = filepath.Base(strings.TrimSpace(body))
	}

	target, err := g.downloadTarget(savePath, filename)
	if err != nil {
		return DownloadResult{}, err
	}

	out, err := os.Create(target)
	if err != nil {
		return DownloadResult{}, Wrap(ErrBadRequest, "download", target, "", err)
	}

	contentType, written, err := session.DownloadMedia(ctx, mediaURL, out)
	closeErr := out.Close()
	if err != nil {
		_ = os.Remove(target)
		g.checkBackendFailure(ctx, err)
		return DownloadResult{}, WrapBackend("download media", err)
	}
	if closeErr != nil {
		_ = os.Remove(target)
		return DownloadResult{}, Wrap(ErrBadRequest, "download", target, "", closeErr)
	}

	g.logger.Info("media downloaded",
		logging.String(logging.FieldChat, chat),
		logging.String("event_id", eventID),
		logging.String("path", target),
		logging.Int64("bytes", written),
	)
	return DownloadResult{Path: target, Bytes: written, ContentType: contentType}, nil
}

// EditMessage replaces the text of an earlier message of ours.
func (g *Gateway) EditMessage(ctx context.Context, chat, eventID, text string) (MessageRef, error) {
	if strings.TrimSpace(text) == "" {
		return MessageRef{}, Wrap(ErrBadRequest, "edit", "", "replacement text is required", nil)
	}
	session, err := g.authedSession()
	if err != nil {
		return MessageRef{}, err
	}
	roomID, err := g.resolveChat(ctx, session, chat)
	if err != nil {
		return MessageRef{}, err
	}

	event, err := session.GetEvent(ctx, roomID, eventID)
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return MessageRef{}, WrapBackend("fetch event", err)
	}
	if event.Sender != session.UserID() {
		return MessageRef{}, Wrap(ErrBadRequest, "edit", eventID, "can only edit your own messages", nil)
	}

	newEventID, err := session.SendMessage(ctx, roomID, matrix.NewEdit(eventID, text))
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return MessageRef{}, WrapBackend("edit message", err)
	}
	g.logger.Info("message edited",
		logging.String(logging.FieldChat, chat),
		logging.String("event_id", eventID),
		logging.String("replacement_id", newEventID),
	)
	return MessageRef{RoomID: roomID, EventID: newEventID}, nil
}

// DeleteMessages redacts the given messages in order and stops at the
// first failure. The result reports how many were already redacted
// when an error cut the batch short.
func (g *Gateway) DeleteMessages(ctx context.Context, chat string, eventIDs []string) (DeleteResult, error) {
	result := DeleteResult{Requested: len(eventIDs)}
	if len(eventIDs) == 0 {
		return result, Wrap(ErrBadRequest, "delete", "", "at least one message id is required", nil)
	}
	session, err := g.authedSession()
	if err != nil {
		return result, err
	}
	roomID, err := g.resolveChat(ctx, session, chat)
	if err != nil {
		return result, err
	}

	for _, eventID := range eventIDs {
		if _, err := session.GetEvent(ctx, roomID, eventID); err != nil {
			g.checkBackendFailure(ctx, err)
			return result, WrapBackend("fetch event "+eventID, err)
		}
		if _, err := session.RedactEvent(ctx, roomID, eventID, ""); err != nil {
			g.checkBackendFailure(ctx, err)
			return result, WrapBackend("redact "+eventID, err)
		}
		result.Deleted++
	}

	g.logger.Info("messages deleted",
		logging.String(logging.FieldChat, chat),
		logging.Int("count", result.Deleted),
	)
	return result, nil
}

// Whoami verifies the session against the backend and returns the
// account identity.
func (g *Gateway) Whoami(ctx context.Context) (Identity, error) {
	session, err := g.authedSession()
	if err != nil {
		return Identity{}, err
	}

	userID, err := session.WhoAmI(ctx)
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return Identity{}, WrapBackend("whoami", err)
	}

	g.mu.Lock()
	identity := g.identity
	identity.UserID = userID
	g.mu.Unlock()

	if name, nameErr := session.DisplayName(ctx, userID); nameErr == nil {
		identity.DisplayName = name
	}

	g.mu.Lock()
	g.identity = identity
	g.mu.Unlock()
	return identity, nil
}

// downloadTarget picks the destination file for a media download.
func (g *Gateway) downloadTarget(savePath, filename string) (string, error) {
	if savePath == "" {
		if err := os.MkdirAll(g.cfg.DownloadsDir, 0o755); err != nil {
			return "", Wrap(ErrBadRequest, "download", g.cfg.DownloadsDir, "", err)
		}
		return fileutil.UniquePath(filepath.Join(g.cfg.DownloadsDir, filename)), nil
	}

	expanded, err := config.ExpandPath(savePath)
	if err != nil {
		return "", Wrap(ErrBadRequest, "download", savePath, "", err)
	}
	if info, statErr := os.Stat(expanded); statErr == nil && info.IsDir() {
		return fileutil.UniquePath(filepath.Join(expanded, filename)), nil
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", Wrap(ErrBadRequest, "download", expanded, "", err)
	}
	return expanded, nil
}

// rankDialog scores a dialog against a folded query. Lower is better;
// negative means no match. An empty query matches everything.
func rankDialog(query string, dialog sessionstore.Dialog) int {
	if query == "" {
		return 0
	}
	name := foldString(dialog.Name)
	alias := foldString(dialog.CanonicalAlias)
	switch {
	case name == query:
		return 0
	case strings.HasPrefix(name, query):
		return 1
	case strings.Contains(name, query):
		return 2
	case strings.Contains(alias, query) || strings.Contains(foldString(dialog.RoomID), query):
		return 3
	}
	return -1
}

// MessageFromEvent converts a timeline event into the client-facing
// shape. Non-message events and redacted husks are dropped. The bot
// channel uses the same conversion so both channels report messages
// identically.
func MessageFromEvent(event matrix.Event) (Message, bool) {
	if event.Type != matrix.EventTypeMessage {
		return Message{}, false
	}
	body, _ := event.Content["body"].(string)
	msgType, _ := event.Content["msgtype"].(string)
	mediaURL, _ := event.Content["url"].(string)
	fileName, _ := event.Content["filename"].(string)

	edited := false
	if newContent, ok := event.Content["m.new_content"].(map[string]any); ok {
		edited = true
		if newBody, ok := newContent["body"].(string); ok {
			body = newBody
		}
		if newType, ok := newContent["msgtype"].(string); ok {
			msgType = newType
		}
	}

	if body == "" && mediaURL == "" {
		return Message{}, false
	}
	if fileName == "" && mediaURL != "" {
		// File messages usually carry the name as the body.
		fileName = body
	}
	return Message{
		EventID:   event.EventID,
		Sender:    event.Sender,
		Timestamp: time.UnixMilli(event.OriginServerTS).UTC(),
		MsgType:   msgType,
		Body:      body,
		FileName:  fileName,
		MediaURL:  mediaURL,
		Edited:    edited,
	}, true
}

