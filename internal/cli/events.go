package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shapesub/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database string
	Key      string
}

// EventsResult is the lifecycle log, ordered by seq.
type EventsResult struct {
	Events []store.Event `json:"events"`
}

func (r EventsResult) renderText(w io.Writer, verbose bool) {
	if len(r.Events) == 0 {
		fmt.Fprintln(w, "No events.")
		return
	}
	for _, ev := range r.Events {
		line := fmt.Sprintf("%6d  %-12s", ev.Seq, ev.Kind)
		if ev.Key != "" {
			line += "  key=" + ev.Key
		}
		if len(ev.ServerIDs) > 0 {
			line += "  server_ids=" + strings.Join(ev.ServerIDs, ",")
		}
		if verbose && ev.FullKey != "" {
			line += "  full_key=" + ev.FullKey
		}
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Fprintln(w, line)
	}
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the subscription event log",
		Long: `Show the lifecycle events recorded in a database, in seq order.

Examples:
  shapesub events --db ./client.db
  shapesub events --db ./client.db --key projects --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Key, "key", "", "filter to one key")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, _, err := openSnapshot(ctx, opts.Database, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.ListEvents(ctx, opts.Key)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event log", err)
	}
	return newFormatter(opts.RootOptions, cmd).Success(EventsResult{Events: events})
}
