package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mxgate/internal/config"
	"mxgate/internal/gateway"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat> <text>",
		Short: "Send a text message as the logged-in account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			resp, err := d.Send(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", resp.EventID, resp.RoomID)
			return nil
		},
	}
}

func newSendFileCommand(ctx *commandContext) *cobra.Command {
	var caption string
	var voice bool
	cmd := &cobra.Command{
		Use:   "send-file <chat> <path>",
		Short: "Send a file as the logged-in account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			path, err := config.ExpandPath(args[1])
			if err != nil {
				return err
			}
			resp, err := d.SendFile(cmd.Context(), args[0], path, caption, voice)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", resp.EventID, resp.RoomID)
			return nil
		},
	}
	cmd.Flags().StringVar(&caption, "caption", "", "Caption to attach to the file")
	cmd.Flags().BoolVarP(&voice, "voice", "v", false, "Send an audio file as a voice message")
	return cmd
}

func newMessagesCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <chat>",
		Short: "Show recent messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			resp, err := d.Messages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			stdout := cmd.OutOrStdout()
			if len(resp.Messages) == 0 {
				fmt.Fprintln(stdout, "No messages")
				return nil
			}
			// The daemon returns newest first; print oldest first so the
			// terminal reads like the room.
			for i := len(resp.Messages) - 1; i >= 0; i-- {
				fmt.Fprintln(stdout, formatMessageLine(resp.Messages[i]))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of messages to fetch")
	return cmd
}

func formatMessageLine(msg gateway.Message) string {
	parts := []string{msg.Timestamp.Local().Format("2006-01-02 15:04"), msg.Sender}
	body := msg.Body
	if msg.MsgType != "" && msg.MsgType != "m.text" {
		kind := strings.TrimPrefix(msg.MsgType, "m.")
		if body == "" {
			body = "<" + kind + ">"
		} else {
			body = "<" + kind + "> " + body
		}
	}
	if msg.Edited {
		body += " (edited)"
	}
	parts = append(parts, body, "["+msg.EventID+"]")
	return strings.Join(parts, "  ")
}

func newDialogsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dialogs [query]",
		Short: "List cached conversations, optionally filtered",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			query := ""
			if len(args) > 0 {
				query = args[0]
			}
			resp, err := d.Dialogs(cmd.Context(), query, limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			stdout := cmd.OutOrStdout()
			if len(resp.Dialogs) == 0 {
				fmt.Fprintln(stdout, "No dialogs found")
				return nil
			}
			rows := make([][]string, 0, len(resp.Dialogs))
			for _, dialog := range resp.Dialogs {
				kind := "room"
				if dialog.Direct {
					kind = "direct"
				}
				name := dialog.Name
				if name == "" {
					name = dialog.RoomID
				}
				rows = append(rows, []string{
					kind,
					name,
					dialog.Alias,
					strconv.Itoa(dialog.UnreadCount),
					dialog.RoomID,
				})
			}
			fmt.Fprintln(stdout, renderTable([]string{"Type", "Name", "Alias", "Unread", "Room"}, rows, 3))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of dialogs to list")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <chat> <event-id>",
		Short: "Download the media attached to a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			savePath := ""
			if output != "" {
				savePath, err = config.ExpandPath(output)
				if err != nil {
					return err
				}
			}
			resp, err := d.Download(cmd.Context(), args[0], args[1], savePath)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			detail := fmt.Sprintf("%d bytes", resp.Bytes)
			if resp.ContentType != "" {
				detail += ", " + resp.ContentType
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", resp.Path, detail)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "File or directory to save into")
	return cmd
}

func newEditCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <chat> <event-id> <text>",
		Short: "Replace the text of a sent message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			resp, err := d.Edit(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Edited %s (replacement %s)\n", args[1], resp.EventID)
			return nil
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat> <event-id>...",
		Short: "Delete messages by event id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			resp, err := d.Delete(cmd.Context(), args[0], args[1:])
			stdout := cmd.OutOrStdout()
			if err != nil {
				if resp != nil && resp.Deleted > 0 {
					fmt.Fprintf(stdout, "Deleted %d of %d messages before failing\n", resp.Deleted, resp.Requested)
				}
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(stdout, "Deleted %d of %d messages\n", resp.Deleted, resp.Requested)
			return nil
		},
	}
}

func newWhoamiCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account, verified against the homeserver",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			resp, err := d.Whoami(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			printIdentity(cmd, resp.Identity)
			return nil
		},
	}
}

func printIdentity(cmd *cobra.Command, identity gateway.Identity) {
	stdout := cmd.OutOrStdout()
	if identity.DisplayName != "" {
		fmt.Fprintf(stdout, "%s (%s)\n", identity.DisplayName, identity.UserID)
	} else {
		fmt.Fprintln(stdout, identity.UserID)
	}
	if identity.DeviceID != "" {
		fmt.Fprintf(stdout, "Device: %s\n", identity.DeviceID)
	}
	if identity.Homeserver != "" {
		fmt.Fprintf(stdout, "Homeserver: %s\n", identity.Homeserver)
	}
}
