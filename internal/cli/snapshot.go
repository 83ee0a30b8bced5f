package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/roach88/shapesub/internal/store"
	"github.com/roach88/shapesub/internal/subscription"
)

// openSnapshot opens an existing database and restores a manager from its
// saved subscription state. A database without saved state yields an empty
// manager.
func openSnapshot(ctx context.Context, path string, logger *slog.Logger) (*store.Store, *subscription.Manager, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	manager := subscription.NewManager(subscription.WithLogger(logger))
	saved, ok, err := st.LoadSubscriptions(ctx)
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to load subscriptions", err)
	}
	if ok {
		if err := manager.Initialize(saved); err != nil {
			st.Close()
			return nil, nil, WrapExitError(ExitCommandError, "invalid subscription state", err)
		}
	}
	return st, manager, nil
}

// knownKeys returns the sorted keys of every record in a snapshot.
func knownKeys(st subscription.State) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, rec := range st.Known {
		if key := rec.Key(); !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}
