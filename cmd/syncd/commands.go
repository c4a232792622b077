package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// NewStatsCommand prints queue counts and the last sync status.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue and sync statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachApp(opts, func(a *app.App) error {
				stats, err := a.Engine.GetSyncStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Method       string
	Payload      string
	Priority     int
	MaxRetries   int
	Tags         []string
	Dependencies []string
	Headers      []string
	Delay        time.Duration
}

// NewEnqueueCommand adds a deferred request to the queue.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <url>",
		Short: "Queue a request for the next sync",
		Long: `Queue a request for the next sync. The request is stored durably and sent when the
queue is next processed.

Example:
  syncd enqueue --method POST --payload '{"title":"hi"}' --tag posts /posts
  syncd enqueue --method DELETE --depends-on <id> /posts/42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qopts, payload, err := opts.build()
			if err != nil {
				return err
			}
			// The daemon owns processing; enqueue only records the request.
			return attachApp(opts.RootOptions, func(a *app.App) error {
				id, err := a.Engine.QueueRequest(cmd.Context(), models.Method(strings.ToUpper(opts.Method)), args[0], payload, qopts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Method, "method", "X", "POST", "HTTP method")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "d", "", "JSON payload")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "higher runs sooner")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retry budget (0 uses the configured default)")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag for grouping and cancellation")
	cmd.Flags().StringSliceVar(&opts.Dependencies, "depends-on", nil, "id of a request that must complete first")
	cmd.Flags().StringArrayVarP(&opts.Headers, "header", "H", nil, "header as Name: value")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "do not send before this delay has passed")

	return cmd
}

func (o *EnqueueOptions) build() (queue.Options, json.RawMessage, error) {
	var payload json.RawMessage
	if o.Payload != "" {
		if !json.Valid([]byte(o.Payload)) {
			return queue.Options{}, nil, apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
		}
		payload = json.RawMessage(o.Payload)
	}

	qopts := queue.Options{
		Priority:     o.Priority,
		MaxRetries:   o.MaxRetries,
		Tags:         o.Tags,
		Dependencies: o.Dependencies,
	}
	if len(o.Headers) > 0 {
		qopts.Headers = make(map[string]string, len(o.Headers))
		for _, h := range o.Headers {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return queue.Options{}, nil, apperrors.Newf(apperrors.ErrInvalid, "malformed header %q", h)
			}
			qopts.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if o.Delay > 0 {
		at := time.Now().Add(o.Delay)
		qopts.ScheduledAt = &at
	}
	return qopts, payload, nil
}

// NewRetryFailedCommand resets failed queue items to pending.
func NewRetryFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Return failed requests to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachApp(opts, func(a *app.App) error {
				n, err := a.Engine.RetryFailedItems(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %d item(s)\n", n)
				return nil
			})
		},
	}
}

// NewClearCompletedCommand purges completed queue items.
func NewClearCompletedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-completed",
		Short: "Remove completed requests from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachApp(opts, func(a *app.App) error {
				n, err := a.Engine.ClearCompletedItems(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d item(s)\n", n)
				return nil
			})
		},
	}
}

// NewItemCommand prints one queue item.
func NewItemCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "item <id>",
		Short: "Show one queued request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachApp(opts, func(a *app.App) error {
				item, err := a.Engine.GetQueueItem(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), item)
			})
		},
	}
}

// NewRetryCommand returns one failed request to the queue with a fresh retry budget.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return one failed request to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachApp(opts, func(a *app.App) error {
				if err := a.Engine.RetryItem(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retrying %s\n", args[0])
				return nil
			})
		},
	}
}

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Tag string
}

// NewCancelCommand removes pending requests by id or by tag.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Remove pending requests from the queue",
		Long: `Remove pending requests from the queue. Requests already being sent or finished
cannot be cancelled.

Example:
  syncd cancel 3f0c2a4e-5b1d-4c8e-9a7f-2d6e8b1c0f93
  syncd cancel --tag drafts`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (opts.Tag != "") {
				return apperrors.New(apperrors.ErrInvalid, "give either an id or --tag")
			}
			return attachApp(opts.RootOptions, func(a *app.App) error {
				if opts.Tag != "" {
					n, err := a.Engine.CancelByTag(cmd.Context(), opts.Tag)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d item(s)\n", n)
					return nil
				}
				if err := a.Engine.CancelItem(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled 1 item(s)")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Tag, "tag", "", "cancel every pending request with this tag")
	return cmd
}

// NewResetCommand discards all local sync state.
func NewResetCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard every queued request, offline record and conflict",
		Long: `Discard every queued request, offline record and conflict along with the sync status.
Unsent changes are lost. Stop the daemon first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return apperrors.New(apperrors.ErrInvalid, "reset discards unsent changes; pass --yes to confirm")
			}
			return attachApp(opts, func(a *app.App) error {
				if err := a.Engine.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "local sync state discarded")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

// NewSyncCommand runs one sync cycle in the foreground.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				if !a.Engine.IsOnline() {
					return apperrors.New(apperrors.ErrInvalid, "cannot sync with --offline")
				}
				result, err := a.Engine.ForceSync(cmd.Context())
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
}

// NewConfigCommand prints the effective configuration.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Dump(opts.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
