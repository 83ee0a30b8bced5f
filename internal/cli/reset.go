package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shapesub/internal/coordinator"
	"github.com/roach88/shapesub/internal/ir"
	"github.com/roach88/shapesub/internal/subscription"
)

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Database    string
	Reestablish bool
	Namespace   string
}

// ResetResult reports the tables the client must clear and what is queued
// for resubscription.
type ResetResult struct {
	Tables    []string `json:"tables"`
	Subscribe []string `json:"subscribe"`
}

func (r ResetResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "clear tables: %s\n", listOrNone(r.Tables))
	fmt.Fprintf(w, "resubscribe:  %s\n", listOrNone(r.Subscribe))
}

// tableCollector is the applier for offline resets: the CLI does not own
// the local rows, so it only reports which tables to clear.
type tableCollector struct {
	tables []ir.QualifiedTablename
}

func (c *tableCollector) ApplyData(ctx context.Context, serverID string, rows []byte) error {
	return fmt.Errorf("offline reset cannot apply data for %s", serverID)
}

func (c *tableCollector) ApplyGone(ctx context.Context, serverIDs []string, rows []byte) error {
	return fmt.Errorf("offline reset cannot apply gone batch for %s", strings.Join(serverIDs, ","))
}

func (c *tableCollector) ClearTables(ctx context.Context, tables []ir.QualifiedTablename) error {
	c.tables = append(c.tables, tables...)
	return nil
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset saved subscription state",
		Long: `Reset the subscription state saved in a database.

Prints the tables whose rows the client must delete. With --reestablish the
latest attempt of every key is kept and requested again on the next start;
without it every subscription is forgotten. The reset is recorded in the
event log.

Examples:
  shapesub reset --db ./client.db
  shapesub reset --db ./client.db --reestablish --namespace app`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.Reestablish, "reestablish", false, "keep the latest attempt of every key for resubscription")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", subscription.DefaultNamespace, "namespace for table names")

	return cmd
}

func runReset(opts *ResetOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	st, manager, err := openSnapshot(ctx, opts.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	last, err := st.LastEventSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event log", err)
	}

	collector := &tableCollector{}
	coord := coordinator.New(manager, nil, collector,
		coordinator.WithStore(st),
		coordinator.WithClock(coordinator.NewClockAt(last)),
		coordinator.WithNamespace(opts.Namespace),
		coordinator.WithLogger(logger),
	)

	if _, err := coord.Reset(ctx, opts.Reestablish); err != nil {
		return WrapExitError(ExitCommandError, "failed to reset subscriptions", err)
	}

	result := ResetResult{
		Tables:    make([]string, len(collector.tables)),
		Subscribe: []string{},
	}
	for i, t := range collector.tables {
		result.Tables[i] = t.String()
	}
	for _, p := range manager.ListPendingActions().Subscribe {
		result.Subscribe = append(result.Subscribe, p.Key)
	}
	return newFormatter(opts.RootOptions, cmd).Success(result)
}
