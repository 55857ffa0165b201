package gateway

import (
	"context"
	"strings"

	"golang.org/x/text/cases"

	"mxgate/internal/logging"
	"mxgate/internal/matrix"
	"mxgate/internal/sessionstore"
)

// resolveChat turns any accepted chat reference into a room ID:
//
//	!room:server   used directly
//	#alias:server  resolved through the homeserver directory
//	@user:server   the direct chat with that user, created on demand
//	anything else  a unique case-insensitive match against the cache
func (g *Gateway) resolveChat(ctx context.Context, session *matrix.Session, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", Wrap(ErrBadRequest, "resolve", "", "chat reference is required", nil)
	}

	switch ref[0] {
	case '!':
		if !strings.Contains(ref, ":") {
			return "", Wrap(ErrBadRequest, "resolve", ref, "malformed room id", nil)
		}
		return ref, nil
	case '#':
		if !strings.Contains(ref, ":") {
			return "", Wrap(ErrBadRequest, "resolve", ref, "malformed room alias", nil)
		}
		roomID, err := session.ResolveAlias(ctx, ref)
		if err != nil {
			g.checkBackendFailure(ctx, err)
			return "", WrapBackend("resolve alias", err)
		}
		return roomID, nil
	case '@':
		if !strings.Contains(ref, ":") {
			return "", Wrap(ErrBadRequest, "resolve", ref, "malformed user id", nil)
		}
		return g.resolveDirect(ctx, session, ref)
	}
	return g.resolveByName(ref)
}

// resolveDirect finds the direct chat with a user, creating one when
// none exists yet.
func (g *Gateway) resolveDirect(ctx context.Context, session *matrix.Session, userID string) (string, error) {
	g.mu.Lock()
	rooms := g.direct[userID]
	g.mu.Unlock()
	if len(rooms) > 0 {
		return rooms[0], nil
	}

	roomID, err := session.CreateRoom(ctx, matrix.CreateRoomRequest{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []string{userID},
	})
	if err != nil {
		g.checkBackendFailure(ctx, err)
		return "", WrapBackend("create direct chat", err)
	}

	g.logger.Info("direct chat created",
		logging.String("user_id", userID),
		logging.String("room_id", roomID),
	)
	g.rememberDirectRoom(ctx, session, userID, roomID)
	return roomID, nil
}

// resolveByName matches a bare name against the dialog cache. Exact
// case-folded matches win over substring matches; either tier must be
// unambiguous.
func (g *Gateway) resolveByName(name string) (string, error) {
	query := foldString(name)

	g.mu.Lock()
	dialogs := make([]sessionstore.Dialog, 0, len(g.dialogs))
	for _, dialog := range g.dialogs {
		dialogs = append(dialogs, dialog)
	}
	g.mu.Unlock()

	var exact, partial []sessionstore.Dialog
	for _, dialog := range dialogs {
		folded := foldString(dialog.Name)
		foldedAlias := foldString(localpart(dialog.CanonicalAlias))
		switch {
		case folded == query || (foldedAlias != "" && foldedAlias == query):
			exact = append(exact, dialog)
		case strings.Contains(folded, query):
			partial = append(partial, dialog)
		}
	}

	matches := exact
	if len(matches) == 0 {
		matches = partial
	}
	switch len(matches) {
	case 0:
		return "", Wrap(ErrNotFound, "resolve", name, "no chat matches", nil)
	case 1:
		return matches[0].RoomID, nil
	}
	return "", Wrap(ErrBadRequest, "resolve", name,
		"matches "+describeMatches(matches)+"; use a room id or alias", nil)
}

func describeMatches(dialogs []sessionstore.Dialog) string {
	const keep = 3
	labels := make([]string, 0, keep+1)
	for i, dialog := range dialogs {
		if i == keep {
			labels = append(labels, "...")
			break
		}
		labels = append(labels, dialog.DisplayName())
	}
	return strings.Join(labels, ", ")
}

// foldString lowers a string for case-insensitive comparison using
// full Unicode case folding.
func foldString(s string) string {
	return cases.Fold().String(s)
}
