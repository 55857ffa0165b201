package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mxgate/internal/config"
)

func newBotCommand(ctx *commandContext) *cobra.Command {
	botCmd := &cobra.Command{
		Use:   "bot",
		Short: "Stateless operations over the bot channel",
		Long: `Bot commands talk to the homeserver directly with the configured bot
access token. They work with or without the daemon, but only accept
room ids and aliases, not display names.`,
	}

	botCmd.AddCommand(newBotSendCommand(ctx))
	botCmd.AddCommand(newBotSendFileCommand(ctx))
	botCmd.AddCommand(newBotWhoamiCommand(ctx))
	botCmd.AddCommand(newBotUpdatesCommand(ctx))

	return botCmd
}

func newBotSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "send <room> <text>",
		Short: "Send a text message as the bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			ref, err := d.BotSend(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, ref)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", ref.EventID, ref.RoomID)
			return nil
		},
	}
}

func newBotSendFileCommand(ctx *commandContext) *cobra.Command {
	var caption string
	var voice bool
	cmd := &cobra.Command{
		Use:   "send-file <room> <path>",
		Short: "Send a file as the bot",
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
			ref, err := d.BotSendFile(cmd.Context(), args[0], path, caption, voice)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, ref)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", ref.EventID, ref.RoomID)
			return nil
		},
	}
	cmd.Flags().StringVar(&caption, "caption", "", "Caption to attach to the file")
	cmd.Flags().BoolVarP(&voice, "voice", "v", false, "Send an audio file as a voice message")
	return cmd
}

func newBotWhoamiCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the bot account behind the configured token",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			identity, err := d.BotWhoami(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, identity)
			}
			printIdentity(cmd, identity)
			return nil
		},
	}
}

func newBotUpdatesCommand(ctx *commandContext) *cobra.Command {
	var since string
	var limit int
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Poll for new messages visible to the bot",
		Long: `Updates polls the homeserver once and prints messages that arrived
since the given cursor. Pass the printed cursor back with --since to
resume where the previous call stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ctx.dispatcher()
			if err != nil {
				return err
			}
			result, err := d.BotUpdates(cmd.Context(), since, limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			stdout := cmd.OutOrStdout()
			if len(result.Updates) == 0 {
				fmt.Fprintln(stdout, "No new messages")
			}
			for _, update := range result.Updates {
				fmt.Fprintf(stdout, "%s  %s\n", update.RoomID, formatMessageLine(update.Message))
			}
			if result.NextSince != "" {
				fmt.Fprintf(stdout, "Next cursor: %s\n", result.NextSince)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Cursor from the previous call")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum messages to return")
	return cmd
}
