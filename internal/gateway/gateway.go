package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mxgate/internal/config"
	"mxgate/internal/logging"
	"mxgate/internal/matrix"
	"mxgate/internal/notifications"
	"mxgate/internal/sessionstore"
)

// Gateway owns the one authenticated backend session. It resumes the
// stored session on start, keeps the dialog cache warm, and executes
// every session operation the control plane accepts. Methods are safe
// for concurrent use, though in practice the request lane serializes
// the operation calls.
type Gateway struct {
	cfg      *config.Config
	store    *sessionstore.Store
	logger   *slog.Logger
	notifier notifications.Service

	mu        sync.Mutex
	state     State
	session   *matrix.Session
	identity  Identity
	lastError string
	nextBatch string
	syncedAt  time.Time
	direct    matrix.DirectContent
	dialogs   map[string]sessionstore.Dialog
	notified  bool
}

// New builds a gateway bound to the given session store. Call Start to
// resume the stored session.
func New(cfg *config.Config, store *sessionstore.Store, logger *slog.Logger, notifier notifications.Service) *Gateway {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	return &Gateway{
		cfg:      cfg,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "gateway"),
		notifier: notifier,
		state:    StateDisconnected,
		direct:   matrix.DirectContent{},
		dialogs:  map[string]sessionstore.Dialog{},
	}
}

// Start resumes the stored session: verify the token, load the cached
// dialogs, and refresh them with one incremental sync. A missing or
// rejected session leaves the gateway errored but does not fail
// startup; the daemon stays up so status and login hints still work.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	g.state = StateAuthenticating
	g.lastError = ""
	g.mu.Unlock()

	record, err := g.store.Session(ctx)
	if err != nil {
		g.setErrored("session store unreadable: " + err.Error())
		return fmt.Errorf("load stored session: %w", err)
	}
	if record == nil {
		g.setErrored("no stored session")
		g.logger.Warn("no stored session; operations will fail until login")
		return nil
	}

	session, err := g.buildSession(record)
	if err != nil {
		g.setErrored(err.Error())
		g.logger.Error("stored session unusable", logging.Error(err))
		return nil
	}

	userID, err := session.WhoAmI(ctx)
	switch {
	case err == nil:
		if userID != record.UserID {
			g.logger.Warn("stored user id superseded by homeserver",
				logging.String("stored", record.UserID),
				logging.String("reported", userID),
			)
		}
	case matrix.IsAuthError(err):
		g.failAuth(ctx, "homeserver rejected the stored token")
		return nil
	default:
		// Backend unreachable. The stored identity stands until the
		// homeserver actually rejects it.
		g.logger.Warn("session verification deferred, backend unreachable", logging.Error(err))
		userID = record.UserID
	}

	identity := Identity{
		UserID:     userID,
		DeviceID:   record.DeviceID,
		Homeserver: record.Homeserver,
	}
	if name, nameErr := session.DisplayName(ctx, userID); nameErr == nil {
		identity.DisplayName = name
	}

	g.mu.Lock()
	g.session = session
	g.identity = identity
	g.state = StateAuthenticated
	g.notified = false
	g.mu.Unlock()

	g.loadCache(ctx, session)

	if err := g.refreshDialogs(ctx); err != nil {
		g.logger.Warn("dialog refresh failed, serving cached dialogs", logging.Error(err))
	}

	g.logger.Info("session resumed",
		logging.String("user_id", identity.UserID),
		logging.String("homeserver", identity.Homeserver),
	)
	return nil
}

// Stop releases backend connections. The session store stays open; the
// daemon closes it last.
func (g *Gateway) Stop() {
	g.mu.Lock()
	session := g.session
	g.session = nil
	g.state = StateDisconnected
	g.mu.Unlock()

	if session != nil {
		session.CloseIdleConnections()
	}
}

// Snapshot reports the session state without touching the backend.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		State:       g.state,
		Identity:    g.identity,
		LastError:   g.lastError,
		DialogCount: len(g.dialogs),
		SyncedAt:    g.syncedAt,
	}
}

// buildSession constructs an authenticated session against the
// homeserver the stored record names, which may differ from the
// configured default.
func (g *Gateway) buildSession(record *sessionstore.SessionRecord) (*matrix.Session, error) {
	timeout := time.Duration(g.cfg.MatrixRequestTimeout) * time.Second
	client, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: record.Homeserver,
		HTTPClient:    &http.Client{Timeout: timeout},
		Logger:        logging.NewComponentLogger(g.logger, "matrix"),
		MaxRetries:    g.cfg.MaxRetries,
		RetryBackoff:  time.Duration(g.cfg.RetryBackoffMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("stored homeserver %q: %w", record.Homeserver, err)
	}
	return client.SessionFromToken(record.UserID, record.AccessToken), nil
}

// authedSession returns the live session or an AuthRequired failure.
func (g *Gateway) authedSession() (*matrix.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateAuthenticated || g.session == nil {
		message := g.lastError
		if message == "" {
			message = "no authenticated session"
		}
		return nil, Wrap(ErrAuthRequired, "session", "", message, nil)
	}
	return g.session, nil
}

func (g *Gateway) setErrored(message string) {
	g.mu.Lock()
	g.state = StateErrored
	g.lastError = message
	g.mu.Unlock()
}

// failAuth records a dead token: errored state, stored session cleared,
// one notification. Restarts then land directly in the logged-out
// state instead of replaying the rejected credential.
func (g *Gateway) failAuth(ctx context.Context, reason string) {
	g.mu.Lock()
	g.state = StateErrored
	g.lastError = reason
	g.session = nil
	alreadyNotified := g.notified
	g.notified = true
	g.mu.Unlock()

	g.logger.Error("session invalidated", logging.String("reason", reason))

	if err := g.store.ClearSession(ctx); err != nil {
		g.logger.Warn("could not clear rejected session", logging.Error(err))
	}
	if !alreadyNotified {
		if err := g.notifier.NotifyAuthRequired(ctx, reason); err != nil {
			g.logger.Warn("auth notification failed", logging.Error(err))
		}
	}
}

// checkBackendFailure watches operation errors for token death and
// flips the gateway into the errored state when it happens.
func (g *Gateway) checkBackendFailure(ctx context.Context, err error) {
	if err == nil || !matrix.IsAuthError(err) {
		return
	}
	g.failAuth(ctx, "homeserver rejected the access token")
}
