package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/shapesub/internal/ir"
)

// RecordingApplier records what the coordinator asked it to apply, as one
// line per call:
//
//	data sub-1 <rows>
//	gone sub-1,sub-2 <rows>
//	clear main.a,main.b
type RecordingApplier struct {
	mu      sync.Mutex
	calls   []string
	failErr error
}

// NewRecordingApplier creates an applier that accepts everything.
func NewRecordingApplier() *RecordingApplier {
	return &RecordingApplier{}
}

// Fail makes every later call return err. Nil restores success.
func (a *RecordingApplier) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failErr = err
}

func (a *RecordingApplier) record(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return a.failErr
	}
	a.calls = append(a.calls, line)
	return nil
}

// ApplyData implements coordinator.Applier.
func (a *RecordingApplier) ApplyData(_ context.Context, serverID string, rows []byte) error {
	return a.record(fmt.Sprintf("data %s %s", serverID, rows))
}

// ApplyGone implements coordinator.Applier.
func (a *RecordingApplier) ApplyGone(_ context.Context, serverIDs []string, rows []byte) error {
	return a.record(fmt.Sprintf("gone %s %s", strings.Join(serverIDs, ","), rows))
}

// ClearTables implements coordinator.Applier.
func (a *RecordingApplier) ClearTables(_ context.Context, tables []ir.QualifiedTablename) error {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.String()
	}
	return a.record("clear " + strings.Join(names, ","))
}

// Calls returns the recorded calls in order.
func (a *RecordingApplier) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}
