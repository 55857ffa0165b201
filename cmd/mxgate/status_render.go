package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"mxgate/internal/daemonctl"
	"mxgate/internal/gateway"
	"mxgate/internal/ipc"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 12
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func daemonStatusLines(probe daemonctl.Probe, colorize bool) []string {
	if !probe.Reachable {
		lines := []string{renderStatusLine("State", statusWarn, "not running", colorize)}
		if probe.Stale {
			if probe.Record != nil {
				lines = append(lines, renderStatusLine("Record", statusWarn, fmt.Sprintf("stale record for pid %d", probe.Record.PID), colorize))
			} else {
				lines = append(lines, renderStatusLine("Record", statusWarn, "unreadable record file", colorize))
			}
		} else if probe.Record != nil && probe.Alive {
			lines = append(lines, renderStatusLine("Process", statusWarn, fmt.Sprintf("pid %d alive but not answering", probe.Record.PID), colorize))
		}
		return lines
	}

	status := probe.Status
	lines := []string{
		renderStatusLine("State", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize),
		renderStatusLine("Address", statusInfo, status.Address, colorize),
	}
	if !status.StartedAt.IsZero() {
		uptime := time.Since(status.StartedAt).Truncate(time.Second)
		lines = append(lines, renderStatusLine("Uptime", statusInfo, uptime.String(), colorize))
	}
	if status.LogPath != "" {
		lines = append(lines, renderStatusLine("Log", statusInfo, status.LogPath, colorize))
	}
	if status.StorePath != "" {
		lines = append(lines, renderStatusLine("Store", statusInfo, status.StorePath, colorize))
	}
	return lines
}

func sessionStatusLines(session ipc.SessionStatus, colorize bool) []string {
	kind := statusWarn
	switch session.State {
	case gateway.StateAuthenticated:
		kind = statusOK
	case gateway.StateErrored:
		kind = statusError
	}
	lines := []string{renderStatusLine("State", kind, string(session.State), colorize)}

	if session.Identity.UserID != "" {
		account := session.Identity.UserID
		if session.Identity.DeviceID != "" {
			account = fmt.Sprintf("%s (device %s)", account, session.Identity.DeviceID)
		}
		lines = append(lines, renderStatusLine("Account", statusInfo, account, colorize))
	}
	if session.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, session.LastError, colorize))
	}
	dialogs := fmt.Sprintf("%d cached", session.DialogCount)
	if !session.SyncedAt.IsZero() {
		dialogs = fmt.Sprintf("%s, synced %s ago", dialogs, time.Since(session.SyncedAt).Truncate(time.Second))
	}
	lines = append(lines, renderStatusLine("Dialogs", statusInfo, dialogs, colorize))
	return lines
}

func queueStatusLines(queue ipc.QueueStatus, colorize bool) []string {
	worker := renderStatusLine("Worker", statusOK, "idle", colorize)
	if queue.Busy {
		worker = renderStatusLine("Worker", statusInfo, fmt.Sprintf("busy (%s)", queue.CurrentOperation), colorize)
	}

	depthKind := statusInfo
	if queue.Capacity > 0 && queue.Depth >= queue.Capacity {
		depthKind = statusWarn
	}
	return []string{
		worker,
		renderStatusLine("Depth", depthKind, fmt.Sprintf("%d/%d queued", queue.Depth, queue.Capacity), colorize),
		renderStatusLine("Totals", statusInfo, fmt.Sprintf("accepted %d, completed %d, failed %d, rejected %d",
			queue.Accepted, queue.Completed, queue.Failed, queue.Rejected), colorize),
	}
}

// statusDoc is the JSON shape of `daemon status --json`.
type statusDoc struct {
	Running bool                `json:"running"`
	Stale   bool                `json:"stale_record,omitempty"`
	PID     int                 `json:"pid,omitempty"`
	Status  *ipc.StatusResponse `json:"status,omitempty"`
}

func statusDocument(probe daemonctl.Probe) statusDoc {
	doc := statusDoc{
		Running: probe.Reachable,
		Stale:   probe.Stale,
		Status:  probe.Status,
	}
	if probe.Status != nil {
		doc.PID = probe.Status.PID
	} else if probe.Record != nil {
		doc.PID = probe.Record.PID
	}
	return doc
}
