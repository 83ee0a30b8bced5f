package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shapesub/internal/subscription"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Database string
}

// PendingResult is the work a restarted client has to do.
type PendingResult struct {
	Continued   []string                        `json:"continued"`
	Subscribe   []subscription.PendingSubscribe `json:"subscribe"`
	Unsubscribe []string                        `json:"unsubscribe"`
}

func (r PendingResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "continue:    %s\n", listOrNone(r.Continued))
	keys := make([]string, len(r.Subscribe))
	for i, p := range r.Subscribe {
		keys[i] = p.Key
	}
	fmt.Fprintf(w, "subscribe:   %s\n", listOrNone(keys))
	if verbose {
		for _, p := range r.Subscribe {
			tables := make([]string, len(p.Shapes))
			for i, s := range p.Shapes {
				tables[i] = s.Tablename
			}
			fmt.Fprintf(w, "  %s: %s\n", p.Key, strings.Join(tables, ", "))
		}
	}
	fmt.Fprintf(w, "unsubscribe: %s\n", listOrNone(r.Unsubscribe))
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List work left by a previous run",
		Long: `List what a client restarting from a database has to do.

continue:    server ids of active subscriptions the new connection resumes
subscribe:   keys whose attempt was in flight and must be requested again
unsubscribe: server ids of superseded or cancelled subscriptions to remove

Examples:
  shapesub pending --db ./client.db
  shapesub pending --db ./client.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, manager, err := openSnapshot(ctx, opts.Database, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer st.Close()

	actions := manager.ListPendingActions()
	return newFormatter(opts.RootOptions, cmd).Success(PendingResult{
		Continued:   manager.ListContinuedSubscriptions(),
		Subscribe:   actions.Subscribe,
		Unsubscribe: actions.Unsubscribe,
	})
}
