package dispatch

import (
	"context"
	"log/slog"
	"time"

	"mxgate/internal/bot"
	"mxgate/internal/config"
	"mxgate/internal/daemonctl"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
	"mxgate/internal/logging"
)

// Dispatcher routes each operation onto the channel that owns it.
// Session operations travel through the daemon's control plane, which
// serializes them against the one backend session. Bot operations build
// a stateless client and go straight to the homeserver; they work the
// same whether the daemon is running or not.
//
// A Dispatcher is cheap to build; CLI commands create one per
// invocation.
type Dispatcher struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New builds a dispatcher over the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "dispatch"),
	}
}

// Send delivers a text message through the session channel.
func (d *Dispatcher) Send(ctx context.Context, chat, text string) (*ipc.SendResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Send(chat, text)
}

// SendFile uploads and posts a file through the session channel.
func (d *Dispatcher) SendFile(ctx context.Context, chat, path, caption string, voice bool) (*ipc.SendFileResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.SendFile(chat, path, caption, voice)
}

// Messages fetches recent messages of a chat through the session
// channel.
func (d *Dispatcher) Messages(ctx context.Context, chat string, limit int) (*ipc.MessagesResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Messages(chat, limit)
}

// Dialogs searches the daemon's conversation cache.
func (d *Dispatcher) Dialogs(ctx context.Context, query string, limit int) (*ipc.DialogsResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Dialogs(query, limit)
}

// Download fetches the media behind a message through the session
// channel. The daemon writes the file; the response reports where.
func (d *Dispatcher) Download(ctx context.Context, chat, eventID, savePath string) (*ipc.DownloadResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Download(chat, eventID, savePath)
}

// Edit replaces the text of an earlier message through the session
// channel.
func (d *Dispatcher) Edit(ctx context.Context, chat, eventID, text string) (*ipc.EditResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Edit(chat, eventID, text)
}

// Delete redacts messages through the session channel. The response is
// returned even alongside an error so callers can report how far a
// batch got before it stopped.
func (d *Dispatcher) Delete(ctx context.Context, chat string, eventIDs []string) (*ipc.DeleteResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Delete(chat, eventIDs)
}

// Whoami reports the session account's identity via the daemon.
func (d *Dispatcher) Whoami(ctx context.Context) (*ipc.WhoamiResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Whoami()
}

// TestNotification asks the daemon to fire a test push notification.
func (d *Dispatcher) TestNotification(ctx context.Context) (*ipc.TestNotificationResponse, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.TestNotification()
}

// BotSend delivers a text message from the bot account, no daemon
// involved.
func (d *Dispatcher) BotSend(ctx context.Context, room, text string) (gateway.MessageRef, error) {
	client, err := bot.New(d.cfg, d.logger)
	if err != nil {
		return gateway.MessageRef{}, err
	}
	return client.Send(ctx, room, text)
}

// BotSendFile uploads and posts a file from the bot account.
func (d *Dispatcher) BotSendFile(ctx context.Context, room, path, caption string, voice bool) (gateway.MessageRef, error) {
	client, err := bot.New(d.cfg, d.logger)
	if err != nil {
		return gateway.MessageRef{}, err
	}
	return client.SendFile(ctx, room, path, caption, voice)
}

// BotWhoami reports the bot account's identity.
func (d *Dispatcher) BotWhoami(ctx context.Context) (gateway.Identity, error) {
	client, err := bot.New(d.cfg, d.logger)
	if err != nil {
		return gateway.Identity{}, err
	}
	return client.Whoami(ctx)
}

// BotUpdates fetches messages addressed to the bot account. The caller
// holds the cursor between calls.
func (d *Dispatcher) BotUpdates(ctx context.Context, since string, limit int) (*bot.UpdatesResult, error) {
	client, err := bot.New(d.cfg, d.logger)
	if err != nil {
		return nil, err
	}
	return client.Updates(ctx, since, limit)
}

// dial opens a control-plane connection for one operation. The caller
// closes it. A refused dial comes back as DaemonUnavailable, hint
// included.
func (d *Dispatcher) dial(ctx context.Context) (*ipc.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ipc.Dial(d.address(), d.waitBudget(ctx))
}

// address prefers the running daemon's published bound address over the
// configured listen address; they differ when the daemon binds an
// ephemeral port. A record for a dead process is ignored.
func (d *Dispatcher) address() string {
	record, err := daemonctl.ReadRecord(d.cfg.DaemonRecordPath())
	if err == nil && record != nil && record.BoundAddress != "" &&
		record.State == daemonctl.RecordRunning && daemonctl.ProcessAlive(record.PID) {
		return record.BoundAddress
	}
	return d.cfg.ListenAddress
}

// waitBudget is how long a session operation may wait for its response
// before abandoning it. The queued job still runs to completion
// server-side. A context deadline tighter than the configured budget
// wins.
func (d *Dispatcher) waitBudget(ctx context.Context) time.Duration {
	budget := time.Duration(d.cfg.ClientTimeout) * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); budget <= 0 || remaining < budget {
			budget = remaining
		}
	}
	return budget
}
