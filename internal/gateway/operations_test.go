package gateway_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mxgate/internal/gateway"
	"mxgate/internal/matrix"
)

func opsSyncResponse() matrix.SyncResponse {
	return matrix.SyncResponse{
		NextBatch: "s2",
		Rooms: matrix.RoomsSection{
			Join: map[string]matrix.JoinedRoom{
				"!ops:test.local": {
					State: matrix.StateSection{Events: []matrix.Event{
						{Type: "m.room.name", Content: map[string]any{"name": "Ops"}},
						{Type: "m.room.canonical_alias", Content: map[string]any{"alias": "#ops:test.local"}},
					}},
					UnreadNotifications: matrix.UnreadNotificationCounts{NotificationCount: 4},
				},
				"!general:test.local": {
					State: matrix.StateSection{Events: []matrix.Event{
						{Type: "m.room.name", Content: map[string]any{"name": "General"}},
					}},
				},
				"!offtopic:test.local": {
					State: matrix.StateSection{Events: []matrix.Event{
						{Type: "m.room.name", Content: map[string]any{"name": "General Offtopic"}},
					}},
				},
			},
		},
	}
}

func TestSendMessage(t *testing.T) {
	t.Run("room id", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		gw, _, _ := startGateway(t, hs)

		ref, err := gw.SendMessage(context.Background(), "!ops:test.local", "deploy done")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if ref.RoomID != "!ops:test.local" || ref.EventID == "" {
			t.Fatalf("unexpected ref: %#v", ref)
		}

		hs.mu.Lock()
		defer hs.mu.Unlock()
		if len(hs.sent) != 1 {
			t.Fatalf("sent %d events, want 1", len(hs.sent))
		}
		event := hs.sent[0]
		if event.Type != matrix.EventTypeMessage {
			t.Errorf("event type = %q", event.Type)
		}
		if event.Content["msgtype"] != matrix.MsgText || event.Content["body"] != "deploy done" {
			t.Errorf("unexpected content: %#v", event.Content)
		}
	})

	t.Run("alias", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		hs.aliases["#ops:test.local"] = "!ops:test.local"
		gw, _, _ := startGateway(t, hs)

		ref, err := gw.SendMessage(context.Background(), "#ops:test.local", "hello")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if ref.RoomID != "!ops:test.local" {
			t.Errorf("alias not resolved: %#v", ref)
		}
	})

	t.Run("unknown alias", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		gw, _, _ := startGateway(t, hs)

		_, err := gw.SendMessage(context.Background(), "#nowhere:test.local", "hello")
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("bare name", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		hs.sync = opsSyncResponse()
		gw, _, _ := startGateway(t, hs)

		ref, err := gw.SendMessage(context.Background(), "ops", "hello")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if ref.RoomID != "!ops:test.local" {
			t.Errorf("bare name resolved to %q", ref.RoomID)
		}
	})

	t.Run("ambiguous name", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		hs.sync = opsSyncResponse()
		gw, _, _ := startGateway(t, hs)

		_, err := gw.SendMessage(context.Background(), "gener", "hello")
		if !errors.Is(err, gateway.ErrBadRequest) {
			t.Fatalf("expected BadRequest for ambiguous name, got %v", err)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		hs.sync = opsSyncResponse()
		gw, _, _ := startGateway(t, hs)

		_, err := gw.SendMessage(context.Background(), "accounting", "hello")
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		hs := newFakeHomeserver(t)
		gw, _, _ := startGateway(t, hs)

		_, err := gw.SendMessage(context.Background(), "!ops:test.local", "   ")
		if !errors.Is(err, gateway.ErrBadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})
}

func TestSendMessageCreatesDirectChat(t *testing.T) {
	hs := newFakeHomeserver(t)
	gw, _, _ := startGateway(t, hs)

	ref, err := gw.SendMessage(context.Background(), "@bob:test.local", "hi bob")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	hs.mu.Lock()
	created := len(hs.created)
	var request matrix.CreateRoomRequest
	if created > 0 {
		request = hs.created[0]
	}
	_, directSaved := hs.accountData[matrix.EventTypeDirect]
	hs.mu.Unlock()

	if created != 1 {
		t.Fatalf("created %d rooms, want 1", created)
	}
	if !request.IsDirect || len(request.Invite) != 1 || request.Invite[0] != "@bob:test.local" {
		t.Errorf("unexpected createRoom request: %#v", request)
	}
	if ref.RoomID != "!created1:test.local" {
		t.Errorf("message not sent to created room: %#v", ref)
	}
	if !directSaved {
		t.Error("m.direct account data not updated")
	}

	// The second message reuses the room instead of creating another.
	if _, err := gw.SendMessage(context.Background(), "@bob:test.local", "again"); err != nil {
		t.Fatalf("SendMessage (reuse): %v", err)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.created) != 1 {
		t.Errorf("direct room created twice")
	}
}

func TestSendFile(t *testing.T) {
	hs := newFakeHomeserver(t)
	gw, _, _ := startGateway(t, hs)

	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	ref, err := gw.SendFile(context.Background(), "!ops:test.local", path, "quarterly report", false)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if ref.EventID == "" {
		t.Fatal("missing event id")
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(hs.uploads))
	}
	upload := hs.uploads[0]
	if upload.Filename != "report.pdf" {
		t.Errorf("upload filename = %q", upload.Filename)
	}
	if upload.ContentType != "application/pdf" {
		t.Errorf("upload content type = %q", upload.ContentType)
	}
	if string(upload.Body) != "%PDF-1.4 fake" {
		t.Errorf("upload body = %q", upload.Body)
	}

	if len(hs.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(hs.sent))
	}
	content := hs.sent[0].Content
	if content["msgtype"] != matrix.MsgFile {
		t.Errorf("msgtype = %v", content["msgtype"])
	}
	if content["body"] != "quarterly report" {
		t.Errorf("body = %v", content["body"])
	}
	if content["url"] != "mxc://test.local/media1" {
		t.Errorf("url = %v", content["url"])
	}
}

func TestSendFileVoiceForcesAudio(t *testing.T) {
	hs := newFakeHomeserver(t)
	gw, _, _ := startGateway(t, hs)

	path := filepath.Join(t.TempDir(), "note.ogg")
	if err := os.WriteFile(path, []byte("OggS fake audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := gw.SendFile(context.Background(), "!ops:test.local", path, "", true); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	content := hs.sent[0].Content
	if content["msgtype"] != matrix.MsgAudio {
		t.Errorf("msgtype = %v, want %s", content["msgtype"], matrix.MsgAudio)
	}
	if content["body"] != "note.ogg" {
		t.Errorf("body should fall back to the file name, got %v", content["body"])
	}
}

func TestSendFileMissingFile(t *testing.T) {
	hs := newFakeHomeserver(t)
	gw, _, _ := startGateway(t, hs)

	_, err := gw.SendFile(context.Background(), "!ops:test.local", "/nonexistent/nope.txt", "", false)
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestMessages(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.chunk = []matrix.Event{
		{
			EventID:        "$3:test.local",
			Type:           matrix.EventTypeMessage,
			Sender:         "@bob:test.local",
			OriginServerTS: 3000,
			Content:        map[string]any{"msgtype": "m.text", "body": "newest"},
		},
		{
			EventID:        "$edit:test.local",
			Type:           matrix.EventTypeMessage,
			Sender:         "@tester:test.local",
			OriginServerTS: 2500,
			Content: map[string]any{
				"msgtype": "m.text",
				"body":    "* fixed",
				"m.new_content": map[string]any{
					"msgtype": "m.text",
					"body":    "fixed",
				},
				"m.relates_to": map[string]any{
					"rel_type": "m.replace",
					"event_id": "$2:test.local",
				},
			},
		},
		{
			EventID:        "$media:test.local",
			Type:           matrix.EventTypeMessage,
			Sender:         "@bob:test.local",
			OriginServerTS: 2000,
			Content: map[string]any{
				"msgtype": "m.image",
				"body":    "cat.png",
				"url":     "mxc://test.local/cat",
			},
		},
		{
			EventID:        "$redacted:test.local",
			Type:           matrix.EventTypeMessage,
			Sender:         "@bob:test.local",
			OriginServerTS: 1500,
			Content:        map[string]any{},
		},
		{
			EventID:        "$member:test.local",
			Type:           "m.room.member",
			Sender:         "@bob:test.local",
			OriginServerTS: 1000,
			Content:        map[string]any{"membership": "join"},
		},
	}
	gw, _, _ := startGateway(t, hs)

	messages, err := gw.Messages(context.Background(), "!ops:test.local", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3 (husk and member event dropped)", len(messages))
	}
	if messages[0].Body != "newest" || messages[0].Sender != "@bob:test.local" {
		t.Errorf("unexpected first message: %#v", messages[0])
	}
	if !messages[1].Edited || messages[1].Body != "fixed" {
		t.Errorf("edit not folded into view: %#v", messages[1])
	}
	if messages[2].MediaURL != "mxc://test.local/cat" {
		t.Errorf("media url missing: %#v", messages[2])
	}
	if messages[0].Timestamp.UnixMilli() != 3000 {
		t.Errorf("timestamp = %v", messages[0].Timestamp)
	}
}

func TestSearchDialogs(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.sync = opsSyncResponse()
	gw, _, _ := startGateway(t, hs)

	t.Run("empty query lists all", func(t *testing.T) {
		dialogs, err := gw.SearchDialogs(context.Background(), "", 10)
		if err != nil {
			t.Fatalf("SearchDialogs: %v", err)
		}
		if len(dialogs) != 3 {
			t.Fatalf("dialogs = %d, want 3", len(dialogs))
		}
	})

	t.Run("substring match is case folded", func(t *testing.T) {
		dialogs, err := gw.SearchDialogs(context.Background(), "GENERAL", 10)
		if err != nil {
			t.Fatalf("SearchDialogs: %v", err)
		}
		if len(dialogs) != 2 {
			t.Fatalf("dialogs = %d, want 2", len(dialogs))
		}
		// The exact match outranks the longer name.
		if dialogs[0].Name != "General" || dialogs[1].Name != "General Offtopic" {
			t.Errorf("unexpected order: %q, %q", dialogs[0].Name, dialogs[1].Name)
		}
	})

	t.Run("unread counts surface", func(t *testing.T) {
		dialogs, err := gw.SearchDialogs(context.Background(), "ops", 10)
		if err != nil {
			t.Fatalf("SearchDialogs: %v", err)
		}
		if len(dialogs) == 0 || dialogs[0].UnreadCount != 4 {
			t.Fatalf("unread count missing: %#v", dialogs)
		}
	})

	t.Run("limit", func(t *testing.T) {
		dialogs, err := gw.SearchDialogs(context.Background(), "", 1)
		if err != nil {
			t.Fatalf("SearchDialogs: %v", err)
		}
		if len(dialogs) != 1 {
			t.Fatalf("dialogs = %d, want 1", len(dialogs))
		}
	})
}

func TestDownload(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.events["$file:test.local"] = matrix.Event{
		EventID: "$file:test.local",
		Type:    matrix.EventTypeMessage,
		Sender:  "@bob:test.local",
		Content: map[string]any{
			"msgtype": "m.file",
			"body":    "notes.txt",
			"url":     "mxc://test.local/blob1",
		},
	}
	hs.events["$text:test.local"] = matrix.Event{
		EventID: "$text:test.local",
		Type:    matrix.EventTypeMessage,
		Sender:  "@bob:test.local",
		Content: map[string]any{"msgtype": "m.text", "body": "no media here"},
	}
	hs.media["blob1"] = []byte("meeting notes")
	gw, _, _ := startGateway(t, hs)

	t.Run("to downloads dir", func(t *testing.T) {
		result, err := gw.Download(context.Background(), "!ops:test.local", "$file:test.local", "")
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
		if filepath.Base(result.Path) != "notes.txt" {
			t.Errorf("path = %q", result.Path)
		}
		data, readErr := os.ReadFile(result.Path)
		if readErr != nil {
			t.Fatalf("read downloaded file: %v", readErr)
		}
		if string(data) != "meeting notes" {
			t.Errorf("content = %q", data)
		}
		if result.Bytes != int64(len("meeting notes")) {
			t.Errorf("bytes = %d", result.Bytes)
		}

		// A second download must not clobber the first.
		again, err := gw.Download(context.Background(), "!ops:test.local", "$file:test.local", "")
		if err != nil {
			t.Fatalf("Download (again): %v", err)
		}
		if again.Path == result.Path {
			t.Errorf("second download reused %q", again.Path)
		}
	})

	t.Run("explicit path", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "saved", "meeting.txt")
		result, err := gw.Download(context.Background(), "!ops:test.local", "$file:test.local", target)
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
		if result.Path != target {
			t.Errorf("path = %q, want %q", result.Path, target)
		}
		if _, err := os.Stat(target); err != nil {
			t.Errorf("target missing: %v", err)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := gw.Download(context.Background(), "!ops:test.local", "$missing:test.local", "")
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})

	t.Run("event without media", func(t *testing.T) {
		_, err := gw.Download(context.Background(), "!ops:test.local", "$text:test.local", "")
		if !errors.Is(err, gateway.ErrBadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})
}

func TestEditMessage(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.events["$mine:test.local"] = matrix.Event{
		EventID: "$mine:test.local",
		Type:    matrix.EventTypeMessage,
		Sender:  "@tester:test.local",
		Content: map[string]any{"msgtype": "m.text", "body": "typo"},
	}
	hs.events["$theirs:test.local"] = matrix.Event{
		EventID: "$theirs:test.local",
		Type:    matrix.EventTypeMessage,
		Sender:  "@bob:test.local",
		Content: map[string]any{"msgtype": "m.text", "body": "bob's message"},
	}
	gw, _, _ := startGateway(t, hs)

	t.Run("own message", func(t *testing.T) {
		ref, err := gw.EditMessage(context.Background(), "!ops:test.local", "$mine:test.local", "fixed")
		if err != nil {
			t.Fatalf("EditMessage: %v", err)
		}
		if ref.EventID == "" {
			t.Fatal("missing replacement event id")
		}

		hs.mu.Lock()
		defer hs.mu.Unlock()
		content := hs.sent[len(hs.sent)-1].Content
		if content["body"] != "* fixed" {
			t.Errorf("fallback body = %v", content["body"])
		}
		newContent, ok := content["m.new_content"].(map[string]any)
		if !ok || newContent["body"] != "fixed" {
			t.Errorf("m.new_content = %#v", content["m.new_content"])
		}
		relates, ok := content["m.relates_to"].(map[string]any)
		if !ok || relates["rel_type"] != "m.replace" || relates["event_id"] != "$mine:test.local" {
			t.Errorf("m.relates_to = %#v", content["m.relates_to"])
		}
	})

	t.Run("someone else's message", func(t *testing.T) {
		_, err := gw.EditMessage(context.Background(), "!ops:test.local", "$theirs:test.local", "hijack")
		if !errors.Is(err, gateway.ErrBadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := gw.EditMessage(context.Background(), "!ops:test.local", "$ghost:test.local", "text")
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
	})
}

func TestDeleteMessages(t *testing.T) {
	hs := newFakeHomeserver(t)
	for _, id := range []string{"$a:test.local", "$b:test.local", "$d:test.local"} {
		hs.events[id] = matrix.Event{
			EventID: id,
			Type:    matrix.EventTypeMessage,
			Sender:  "@tester:test.local",
			Content: map[string]any{"msgtype": "m.text", "body": "x"},
		}
	}
	gw, _, _ := startGateway(t, hs)

	t.Run("all known", func(t *testing.T) {
		result, err := gw.DeleteMessages(context.Background(), "!ops:test.local",
			[]string{"$a:test.local", "$b:test.local"})
		if err != nil {
			t.Fatalf("DeleteMessages: %v", err)
		}
		if result.Deleted != 2 || result.Requested != 2 {
			t.Fatalf("result = %#v", result)
		}

		hs.mu.Lock()
		defer hs.mu.Unlock()
		if len(hs.redacted) != 2 || hs.redacted[0] != "$a:test.local" {
			t.Errorf("redactions = %v", hs.redacted)
		}
	})

	t.Run("stops at first unknown id", func(t *testing.T) {
		hs.mu.Lock()
		hs.redacted = nil
		hs.mu.Unlock()

		result, err := gw.DeleteMessages(context.Background(), "!ops:test.local",
			[]string{"$d:test.local", "$ghost:test.local", "$a:test.local"})
		if !errors.Is(err, gateway.ErrNotFound) {
			t.Fatalf("expected NotFound, got %v", err)
		}
		if result.Deleted != 1 {
			t.Errorf("deleted = %d, want 1 (batch stops at the failure)", result.Deleted)
		}

		hs.mu.Lock()
		defer hs.mu.Unlock()
		if len(hs.redacted) != 1 || hs.redacted[0] != "$d:test.local" {
			t.Errorf("redactions = %v", hs.redacted)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		_, err := gw.DeleteMessages(context.Background(), "!ops:test.local", nil)
		if !errors.Is(err, gateway.ErrBadRequest) {
			t.Fatalf("expected BadRequest, got %v", err)
		}
	})
}

func TestWhoami(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.displayName = "Tester"
	gw, _, _ := startGateway(t, hs)

	identity, err := gw.Whoami(context.Background())
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if identity.UserID != "@tester:test.local" {
		t.Errorf("user id = %q", identity.UserID)
	}
	if identity.DisplayName != "Tester" {
		t.Errorf("display name = %q", identity.DisplayName)
	}
	if !strings.HasPrefix(identity.Homeserver, "http://127.0.0.1") {
		t.Errorf("homeserver = %q", identity.Homeserver)
	}
}
