package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaharia-lab/sessiontier"
	"github.com/shaharia-lab/sessiontier/config"
	"github.com/spf13/cobra"
)

const (
	version        = "0.1.0"
	commandTimeout = 30 * time.Second
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "sessiontier",
		Short:   "Manage chat sessions across the cache and durable tiers",
		Version: version,
		Long: `sessiontier keeps active chat sessions in the cache tier and expired sessions
in the durable tier. Sessions move between tiers through idempotent migrations
that run inline or as queued tasks executed by "sessiontier worker".`,
		Example: `  # Run the migration workers
  $ sessiontier worker -c sessiontier.yaml

  # Start a session and expire it through the task queue
  $ sessiontier start u1
  $ sessiontier expire u1 3f0c... --async
  $ sessiontier task 9b1e...`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")

	cmd.AddCommand(
		newWorkerCmd(opts),
		newStartCmd(opts),
		newAppendCmd(opts),
		newFetchCmd(opts),
		newListCmd(opts),
		newExpireCmd(opts),
		newRestoreCmd(opts),
		newDeleteCmd(opts),
		newTaskCmd(opts),
		newClearCacheCmd(opts),
	)
	return cmd
}

// runWithApp builds the app for one command, runs fn under a timeout and
// prints its result as JSON.
func runWithApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) (interface{}, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	a, err := loadApp(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func loadApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, cmd.ErrOrStderr())
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTier(s string) (sessiontier.Tier, error) {
	switch t := sessiontier.Tier(s); t {
	case sessiontier.TierCache, sessiontier.TierDurable, sessiontier.TierAny:
		return t, nil
	default:
		return "", fmt.Errorf("invalid tier %q, must be cache, durable or any", s)
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run migration task workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.runner.Run(ctx)
		},
	}
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start USER_ID [SESSION_ID]",
		Short: "Start a session in the cache tier",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 2 {
				sessionID = args[1]
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				return a.service.StartSession(ctx, args[0], sessionID)
			})
		},
	}
}

func newAppendCmd(opts *rootOptions) *cobra.Command {
	var (
		msgType  string
		content  string
		name     string
		messages string
	)

	cmd := &cobra.Command{
		Use:   "append USER_ID SESSION_ID",
		Short: "Append messages to an active session",
		Example: `  $ sessiontier append u1 s1 --type human --content "hello"
  $ sessiontier append u1 s1 --messages '[{"type":"ai","content":"hi"}]'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msgs []sessiontier.ChatMessage
			if messages != "" {
				if err := json.Unmarshal([]byte(messages), &msgs); err != nil {
					return fmt.Errorf("invalid --messages: %w", err)
				}
			} else {
				if content == "" {
					return errors.New("either --content or --messages is required")
				}
				msg := sessiontier.ChatMessage{Type: msgType, Content: sessiontier.StringPtr(content)}
				if name != "" {
					msg.Name = sessiontier.StringPtr(name)
				}
				msgs = append(msgs, msg)
			}

			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				if err := a.service.AppendMessages(ctx, args[0], args[1], msgs...); err != nil {
					return nil, err
				}
				return map[string]interface{}{"appended": len(msgs)}, nil
			})
		},
	}

	cmd.Flags().StringVarP(&msgType, "type", "t", "human", "message type")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	cmd.Flags().StringVar(&name, "name", "", "message author name")
	cmd.Flags().StringVar(&messages, "messages", "", "JSON array of messages")
	return cmd
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "fetch USER_ID SESSION_ID",
		Short: "Fetch a session with its messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTier(tier)
			if err != nil {
				return err
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				return a.service.FetchSession(ctx, args[0], args[1], t)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", string(sessiontier.TierAny), "tier to read: cache, durable or any")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list USER_ID",
		Short: "List a user's sessions from both tiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				return a.service.ListSessionsForUser(ctx, args[0])
			})
		},
	}
}

func newExpireCmd(opts *rootOptions) *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "expire USER_ID SESSION_ID",
		Short: "Move a session to the durable tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				if async {
					taskID, err := a.service.ExpireSessionAsync(ctx, args[0], args[1])
					return map[string]string{"task_id": taskID}, err
				}
				return a.service.ExpireSession(ctx, args[0], args[1])
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the migration instead of running it inline")
	return cmd
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "restore USER_ID SESSION_ID",
		Short: "Move a session back to the cache tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				if async {
					taskID, err := a.service.RestoreSessionAsync(ctx, args[0], args[1])
					return map[string]string{"task_id": taskID}, err
				}
				return a.service.RestoreSession(ctx, args[0], args[1])
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the migration instead of running it inline")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "delete USER_ID SESSION_ID",
		Short: "Delete a session from one or both tiers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTier(tier)
			if err != nil {
				return err
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				return a.service.DeleteSession(ctx, args[0], args[1], t)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", string(sessiontier.TierAny), "tier to delete from: cache, durable or any")
	return cmd
}

func newTaskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "task TASK_ID",
		Short: "Show the state and outcome of a queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				return a.service.TaskStatus(ctx, args[0])
			})
		},
	}
}

func newClearCacheCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove every key of the cache tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to flush the cache tier without --yes")
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) (interface{}, error) {
				if err := a.service.ClearCache(ctx); err != nil {
					return nil, err
				}
				return map[string]bool{"cleared": true}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm flushing the cache tier")
	return cmd
}
