package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"mxgate/internal/gateway"
	"mxgate/internal/logging"
	"mxgate/internal/matrix"
	"mxgate/internal/sessionstore"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var user string
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the homeserver and store the session",
		Long: `Login performs a password login against the configured homeserver and
persists the resulting access token in the session store. The store can
only be written while the daemon is stopped; stop it first if it is
running. The password is read from --password or, when absent, from
standard input.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			user = strings.TrimSpace(user)
			if user == "" {
				return gateway.Wrap(gateway.ErrBadRequest, "login", "", "--user is required (e.g. @me:example.org)", nil)
			}
			if password == "" {
				password, err = readPassword(cmd)
				if err != nil {
					return err
				}
			}
			if password == "" {
				return gateway.Wrap(gateway.ErrBadRequest, "login", "", "password must not be empty", nil)
			}

			store, err := sessionstore.Open(cfg)
			if err != nil {
				if errors.Is(err, sessionstore.ErrLocked) {
					return gateway.Wrap(gateway.ErrAlreadyRunning, "login", "",
						"the session store is locked by the daemon; stop it with: mxgate daemon stop", err)
				}
				return err
			}
			defer store.Close()

			client, err := matrix.NewClient(matrix.ClientConfig{
				HomeserverURL: cfg.Homeserver,
				HTTPClient:    &http.Client{Timeout: time.Duration(cfg.MatrixRequestTimeout) * time.Second},
				Logger:        logging.NewNop(),
				MaxRetries:    cfg.MaxRetries,
				RetryBackoff:  time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
			})
			if err != nil {
				return err
			}
			session, err := client.Login(cmd.Context(), user, password)
			if err != nil {
				return gateway.WrapBackend("login", err)
			}

			now := time.Now().UTC()
			record := sessionstore.SessionRecord{
				Homeserver:  cfg.Homeserver,
				UserID:      session.UserID(),
				DeviceID:    session.DeviceID(),
				AccessToken: session.AccessToken(),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := store.SaveSession(cmd.Context(), record); err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()
			fmt.Fprintf(stdout, "Logged in as %s (device %s)\n", record.UserID, record.DeviceID)
			fmt.Fprintln(stdout, "Start the daemon with: mxgate daemon start")
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Matrix user id or localpart")
	cmd.Flags().StringVar(&password, "password", "", "Account password (read from stdin when omitted)")
	return cmd
}

// readPassword reads one line from the command's stdin. The prompt only
// appears on interactive terminals so piped input stays clean.
func readPassword(cmd *cobra.Command) (string, error) {
	if file, ok := cmd.InOrStdin().(*os.File); ok && isatty.IsTerminal(file.Fd()) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
