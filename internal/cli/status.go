package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/shapesub/internal/subscription"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	Key      string
}

// KeyStatus is the status of one subscription key.
type KeyStatus struct {
	Key    string              `json:"key"`
	Status subscription.Status `json:"status"`
}

// StatusResult lists key statuses ordered by key.
type StatusResult struct {
	Keys []KeyStatus `json:"keys"`
}

func (r StatusResult) renderText(w io.Writer, verbose bool) {
	if len(r.Keys) == 0 {
		fmt.Fprintln(w, "No subscriptions.")
		return
	}
	for _, ks := range r.Keys {
		line := fmt.Sprintf("%s  %s", ks.Key, ks.Status.State)
		if ks.Status.Progress != "" {
			line += fmt.Sprintf(" (%s)", ks.Status.Progress)
		}
		if ks.Status.ServerID != "" {
			line += "  server_id=" + ks.Status.ServerID
		}
		if verbose && ks.Status.OldServerID != "" {
			line += "  old_server_id=" + ks.Status.OldServerID
		}
		fmt.Fprintln(w, line)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show subscription status",
		Long: `Show the sync status of the subscriptions saved in a database.

Without --key every key with a saved attempt is listed. Attempts that were
in flight when the state was saved are not visible until they are
requested again, so their keys show as unsubscribed.

Examples:
  shapesub status --db ./client.db
  shapesub status --db ./client.db --key projects --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Key, "key", "", "show only this key")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, manager, err := openSnapshot(ctx, opts.Database, newLogger(opts.RootOptions, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer st.Close()

	keys := []string{opts.Key}
	if opts.Key == "" {
		keys = knownKeys(manager.Serialize())
	}

	result := StatusResult{Keys: make([]KeyStatus, 0, len(keys))}
	for _, key := range keys {
		result.Keys = append(result.Keys, KeyStatus{Key: key, Status: manager.Status(key)})
	}
	return newFormatter(opts.RootOptions, cmd).Success(result)
}
