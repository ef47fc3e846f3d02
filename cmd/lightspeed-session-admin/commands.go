package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
	"github.com/tcriess/lightspeed-session/persistence"
	"github.com/tcriess/lightspeed-session/types"
)

type persisterFactory func(*config.Config) (persistence.Persister, error)

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newRootCmd builds the command tree. The persister is opened before and closed after every command.
func newRootCmd(newPersister persisterFactory) *cobra.Command {
	var (
		configPath string
		persister  persistence.Persister
	)
	flagSet := config.GetFlagSet()

	rootCmd := &cobra.Command{
		Use:          "lightspeed-session-admin",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfiguration(configPath, flagSet)
			if err != nil {
				return err
			}
			globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
			persister, err = newPersister(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if persister == nil {
				return nil
			}
			return persister.Close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show sessions or chat history",
	}
	var activeOnly bool
	var cmdShowSessions = &cobra.Command{
		Use:   "sessions",
		Short: "Show sessions",
		Long:  `show sessions lists all sessions (or only the active ones).`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []*types.Session
			var err error
			if activeOnly {
				sessions, err = persister.GetActiveSessions(context.Background())
			} else {
				sessions, err = persister.GetSessions(context.Background())
			}
			if err != nil {
				return fmt.Errorf("could not get sessions: %w", err)
			}
			return printJSON(cmd, sessions)
		},
	}
	cmdShowSessions.Flags().BoolVar(&activeOnly, "active", false, "only show active sessions")
	var cmdShowSession = &cobra.Command{
		Use:   "session [session id]",
		Short: "Show session",
		Long:  `show session prints the session with the given id.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := persister.GetSession(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("could not get session: %w", err)
			}
			return printJSON(cmd, session)
		},
	}
	var fromIdx, maxCount int
	var cmdShowHistory = &cobra.Command{
		Use:   "history [session id]",
		Short: "Show chat history",
		Long:  `show history prints the persisted chat messages of the session with the given id, oldest first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := persister.GetChatHistory(context.Background(), args[0], fromIdx, maxCount)
			if err != nil {
				return fmt.Errorf("could not get chat history: %w", err)
			}
			return printJSON(cmd, messages)
		},
	}
	cmdShowHistory.Flags().IntVar(&fromIdx, "from", 0, "index of the first message")
	cmdShowHistory.Flags().IntVar(&maxCount, "count", 0, "maximum number of messages (0: all)")

	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "create/update a session",
	}
	var cmdSetSession = &cobra.Command{
		Use:   "session [session definition]",
		Short: "Set session",
		Long:  `set session creates or updates a session. If the session definition is "-", the definition is read from STDIN.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader
			if args[0] == "-" {
				r = cmd.InOrStdin()
			} else {
				r = bytes.NewReader([]byte(args[0]))
			}
			session := types.Session{}
			if err := json.NewDecoder(r).Decode(&session); err != nil {
				return fmt.Errorf("could not decode session: %w", err)
			}
			if _, err := persister.GetSession(context.Background(), session.Id); errors.Is(err, persistence.ErrNotFound) {
				globals.AppLogger.Info("session does not exist, creating", "session", session.Id)
			}
			if err := persister.StoreSession(context.Background(), &session); err != nil {
				return fmt.Errorf("could not store session: %w", err)
			}
			return printJSON(cmd, session)
		},
	}

	var cmdEnd = &cobra.Command{
		Use:   "end",
		Short: "end a session",
	}
	var cmdEndSession = &cobra.Command{
		Use:   "session [session id]",
		Short: "End session",
		Long:  `end session sets the status of the session to ended in the store. A running gateway sends session-ended to the connected clients with its next expiry sweep.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := persister.EndSession(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("could not end session: %w", err)
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), "session already ended")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session ended")
			return nil
		},
	}

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "delete a session",
	}
	var cmdDeleteSession = &cobra.Command{
		Use:   "session [session id]",
		Short: "Delete session",
		Long:  `delete session removes the session with the given id and its chat history.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := persister.DeleteSession(context.Background(), args[0]); err != nil {
				return fmt.Errorf("could not delete session: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(cmdShow, cmdSet, cmdEnd, cmdDelete)
	cmdShow.AddCommand(cmdShowSessions, cmdShowSession, cmdShowHistory)
	cmdSet.AddCommand(cmdSetSession)
	cmdEnd.AddCommand(cmdEndSession)
	cmdDelete.AddCommand(cmdDeleteSession)
	return rootCmd
}
