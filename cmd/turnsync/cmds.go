package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsync/pkg/config"
	"github.com/go-go-golems/turnsync/pkg/engine"
	"github.com/go-go-golems/turnsync/pkg/persistence/turnstore"
	"github.com/go-go-golems/turnsync/pkg/prompt"
)

func newSendCommand() *cobra.Command {
	var (
		system  []string
		reset   bool
		timeout int
		stream  bool
	)
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send one turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			text := strings.Join(args, " ")
			p := prompt.Text(text)
			if len(system) > 0 {
				msgs := make([]prompt.Message, 0, len(system)+1)
				for _, s := range system {
					msgs = append(msgs, prompt.Message{Role: prompt.RoleSystem, Content: s})
				}
				p = prompt.Conversation(append(msgs, prompt.Message{Role: prompt.RoleUser, Content: text})...)
			}

			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("stream") {
				stream = isatty.IsTerminal(os.Stdout.Fd())
			}
			opts := engine.TurnOptions{Timeout: timeout, WithReset: reset}
			if stream {
				opts.OnTyping = func(m engine.Message) { _, _ = fmt.Fprint(out, m.TextNew) }
			}

			msg, err := a.engine.SendTurn(cmd.Context(), p, opts)
			if err != nil {
				return err
			}
			if stream {
				_, _ = fmt.Fprintln(out, msg.TextNew)
			} else {
				_, _ = fmt.Fprintln(out, msg.Text)
			}
			for _, r := range msg.SuggestedReplies {
				_, _ = fmt.Fprintf(out, "  > %s\n", r)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&system, "system", nil, "System message placed before the user message (repeatable)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the conversation context before sending")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Empty polls tolerated before giving up (0 uses the settings)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the reply while it is typed (default: when stdout is a terminal)")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		count  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the latest messages of the chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			edges, err := a.engine.History(cmd.Context(), count, cursor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range edges {
				_, _ = fmt.Fprintf(out, "%s\t%d\t%s: %s\n", e.Cursor, e.Node.MessageID, e.Node.Author, e.Node.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 25, "Number of messages")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Return messages before this cursor")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var (
		count int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete the newest messages of the chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				if err := a.engine.PurgeAll(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "deleted every message of the account")
				return nil
			}
			n, err := a.engine.Purge(cmd.Context(), count)
			if err != nil {
				return errors.Wrapf(err, "purge stopped after %d messages", n)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", -1, "How many messages to delete (-1 for all of the chat)")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every message of the account, in every chat")
	return cmd
}

func newBreakCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "break",
		Short: "Make the backend forget the conversation so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.engine.BreakContext(cmd.Context())
		},
	}
}

// newTurnsCommand reads the journal without connecting to the backend.
func newTurnsCommand() *cobra.Command {
	var (
		status string
		since  time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "turns",
		Short: "List journaled turns, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(settingsPath)
			if err != nil {
				return err
			}
			store, err := openStore(s)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("no turn journal configured (store.path)")
			}
			defer func() { _ = store.Close() }()

			q := turnstore.TurnQuery{Status: status, Limit: limit}
			if since > 0 {
				q.SinceMs = time.Now().Add(-since).UnixMilli()
			}
			recs, err := store.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range recs {
				started := time.UnixMilli(r.StartedAtMs).Format(time.RFC3339)
				took := time.Duration(r.FinishedAtMs-r.StartedAtMs) * time.Millisecond
				line := fmt.Sprintf("%s\t%s\t%s\tattempts=%d\ttook=%s", started, r.TurnID, r.Status, r.Attempts, took)
				if r.Status == turnstore.StatusFailed {
					line += fmt.Sprintf("\t%s: %s", r.ErrorKind, r.Error)
				} else {
					line += fmt.Sprintf("\tmessage=%d\tchars=%d", r.MessageID, len(r.Text))
				}
				_, _ = fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only turns with this status (completed, failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only turns started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of turns")
	return cmd
}
