package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"mxgate/internal/logging"
	"mxgate/internal/matrix"
	"mxgate/internal/sessionstore"
)

// syncFilter keeps /sync responses small: one timeline event per room
// is enough to track activity.
const syncFilter = `{"room":{"timeline":{"limit":1}}}`

// loadCache seeds the in-memory dialog cache from the store and the
// direct-chat map from account data. Everything here is best effort;
// an empty cache just means the first sync rebuilds from scratch.
func (g *Gateway) loadCache(ctx context.Context, session *matrix.Session) {
	dialogs, err := g.store.Dialogs(ctx)
	if err != nil {
		g.logger.Warn("dialog cache unreadable", logging.Error(err))
	}
	nextBatch, err := g.store.NextBatch(ctx)
	if err != nil {
		g.logger.Warn("sync position unreadable", logging.Error(err))
	}

	direct := matrix.DirectContent{}
	if err := session.AccountData(ctx, matrix.EventTypeDirect, &direct); err != nil {
		g.logger.Debug("direct chat map unavailable", logging.Error(err))
	}

	g.mu.Lock()
	g.dialogs = map[string]sessionstore.Dialog{}
	for _, dialog := range dialogs {
		g.dialogs[dialog.RoomID] = dialog
	}
	g.nextBatch = nextBatch
	if len(direct) > 0 {
		g.direct = direct
	}
	g.mu.Unlock()
}

// refreshDialogs performs one incremental sync and folds the result
// into the dialog cache. The first call after login walks the full
// room list; later calls only see what changed. Failures leave the
// cache stale, which callers tolerate.
func (g *Gateway) refreshDialogs(ctx context.Context) error {
	session, err := g.authedSession()
	if err != nil {
		return err
	}

	g.mu.Lock()
	since := g.nextBatch
	g.mu.Unlock()

	response, err := session.Sync(ctx, matrix.SyncOptions{
		Since:      since,
		SetTimeout: true,
		Timeout:    0,
		Filter:     syncFilter,
	})
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return WrapBackend("sync", err)
	}

	g.applySync(ctx, response)
	return nil
}

// applySync merges a sync response into the cache and persists the
// result. Persistence failures degrade to in-memory state.
func (g *Gateway) applySync(ctx context.Context, response *matrix.SyncResponse) {
	g.mu.Lock()

	for _, event := range response.AccountData.Events {
		if event.Type != matrix.EventTypeDirect {
			continue
		}
		g.direct = parseDirectContent(event.Content)
	}

	directRooms := map[string]bool{}
	for _, rooms := range g.direct {
		for _, roomID := range rooms {
			directRooms[roomID] = true
		}
	}

	for roomID, joined := range response.Rooms.Join {
		dialog, ok := g.dialogs[roomID]
		if !ok {
			dialog = sessionstore.Dialog{RoomID: roomID}
		}
		mergeRoomState(&dialog, joined.State.Events)
		mergeRoomState(&dialog, joined.Timeline.Events)
		if dialog.Name == "" {
			dialog.Name = nameFromHeroes(joined.Summary.Heroes)
		}
		dialog.IsDirect = directRooms[roomID]
		dialog.UnreadCount = joined.UnreadNotifications.NotificationCount
		if activity := latestTimestamp(joined.Timeline.Events); !activity.IsZero() {
			dialog.LastActivity = activity
		}
		g.dialogs[roomID] = dialog
	}

	for roomID := range response.Rooms.Leave {
		delete(g.dialogs, roomID)
	}

	g.nextBatch = response.NextBatch
	g.syncedAt = time.Now().UTC()
	snapshot := make([]sessionstore.Dialog, 0, len(g.dialogs))
	for _, dialog := range g.dialogs {
		snapshot = append(snapshot, dialog)
	}
	g.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].RoomID < snapshot[j].RoomID
	})
	if err := g.store.ReplaceDialogs(ctx, snapshot); err != nil {
		g.logger.Warn("dialog cache persist failed", logging.Error(err))
	}
	if err := g.store.SaveNextBatch(ctx, response.NextBatch); err != nil {
		g.logger.Warn("sync position persist failed", logging.Error(err))
	}

	g.logger.Debug("dialog cache refreshed",
		logging.Int("dialogs", len(snapshot)),
		logging.Int("joined", len(response.Rooms.Join)),
		logging.Int("left", len(response.Rooms.Leave)),
	)
}

// rememberDirectRoom records a freshly created direct chat in the
// in-memory map, the dialog cache, and (best effort) the account data
// other clients read.
func (g *Gateway) rememberDirectRoom(ctx context.Context, session *matrix.Session, userID, roomID string) {
	g.mu.Lock()
	g.direct[userID] = append(g.direct[userID], roomID)
	directCopy := matrix.DirectContent{}
	for user, rooms := range g.direct {
		directCopy[user] = append([]string(nil), rooms...)
	}
	g.dialogs[roomID] = sessionstore.Dialog{
		RoomID:   roomID,
		Name:     localpart(userID),
		IsDirect: true,
	}
	g.mu.Unlock()

	if err := session.SetAccountData(ctx, matrix.EventTypeDirect, directCopy); err != nil {
		g.logger.Warn("direct chat map update failed",
			logging.String("user_id", userID),
			logging.Error(err),
		)
	}
}

func parseDirectContent(content map[string]any) matrix.DirectContent {
	direct := matrix.DirectContent{}
	for userID, value := range content {
		rooms, ok := value.([]any)
		if !ok {
			continue
		}
		for _, room := range rooms {
			if roomID, ok := room.(string); ok {
				direct[userID] = append(direct[userID], roomID)
			}
		}
	}
	return direct
}

func mergeRoomState(dialog *sessionstore.Dialog, events []matrix.Event) {
	for _, event := range events {
		switch event.Type {
		case "m.room.name":
			if name, ok := event.Content["name"].(string); ok {
				dialog.Name = name
			}
		case "m.room.canonical_alias":
			if alias, ok := event.Content["alias"].(string); ok {
				dialog.CanonicalAlias = alias
			}
		}
	}
}

// nameFromHeroes labels a nameless room after its notable members, the
// way ordinary clients do.
func nameFromHeroes(heroes []string) string {
	if len(heroes) == 0 {
		return ""
	}
	names := make([]string, 0, len(heroes))
	for _, hero := range heroes {
		names = append(names, localpart(hero))
	}
	return strings.Join(names, ", ")
}

// localpart strips the sigil and server from a user ID or alias:
// "@alice:example.org" becomes "alice".
func localpart(id string) string {
	trimmed := strings.TrimLeft(id, "@#")
	if body, _, found := strings.Cut(trimmed, ":"); found {
		return body
	}
	return trimmed
}

func latestTimestamp(events []matrix.Event) time.Time {
	var latest int64
	for _, event := range events {
		if event.OriginServerTS > latest {
			latest = event.OriginServerTS
		}
	}
	if latest == 0 {
		return time.Time{}
	}
	return time.UnixMilli(latest).UTC()
}
