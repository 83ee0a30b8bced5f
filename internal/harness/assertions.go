package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/shapesub/internal/subscription"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions evaluates assertions against the harness's current
// manager and returns one message per failure.
func EvaluateAssertions(h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(h, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return errs
}

func evaluateAssertion(h *Harness, a Assertion) error {
	switch a.Type {
	case AssertStatus:
		return assertStatus(h.manager, a)
	case AssertSettled, AssertPending, AssertRejected:
		req, ok := h.requests[a.Request]
		if !ok {
			return fmt.Errorf("unknown request %q", a.Request)
		}
		return assertCompletion(req.Completion(), a)
	case AssertContinued:
		return assertIDs(a.Type, h.manager.ListContinuedSubscriptions(), a.IDs)
	case AssertPendingSubscribe:
		pending := h.manager.ListPendingActions()
		keys := make([]string, len(pending.Subscribe))
		for i, p := range pending.Subscribe {
			keys[i] = p.Key
		}
		return assertIDs(a.Type, keys, a.Keys)
	case AssertPendingUnsubscribe:
		return assertIDs(a.Type, h.manager.ListPendingActions().Unsubscribe, a.IDs)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertStatus(m *subscription.Manager, a Assertion) error {
	got := m.Status(a.Key)
	want := subscription.Status{
		State:       subscription.SyncState(a.Expect.Status),
		Progress:    subscription.Progress(a.Expect.Progress),
		ServerID:    a.Expect.ServerID,
		OldServerID: a.Expect.OldServerID,
	}
	if got != want {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: formatStatus(want),
			Actual:   formatStatus(got),
		}
	}
	return nil
}

func formatStatus(s subscription.Status) string {
	parts := []string{string(s.State)}
	if s.Progress != "" {
		parts = append(parts, "progress="+string(s.Progress))
	}
	if s.ServerID != "" {
		parts = append(parts, "server_id="+s.ServerID)
	}
	if s.OldServerID != "" {
		parts = append(parts, "old_server_id="+s.OldServerID)
	}
	return strings.Join(parts, " ")
}

func assertCompletion(c *subscription.Completion, a Assertion) error {
	actual := "pending"
	if c.Settled() {
		actual = "settled"
		if err := c.Err(); err != nil {
			actual = "rejected: " + err.Error()
		}
	}

	switch a.Type {
	case AssertSettled:
		if actual == "settled" {
			return nil
		}
		return &AssertionError{Type: a.Type, Expected: "settled", Actual: actual}
	case AssertPending:
		if actual == "pending" {
			return nil
		}
		return &AssertionError{Type: a.Type, Expected: "pending", Actual: actual}
	default:
		if strings.HasPrefix(actual, "rejected: ") && strings.Contains(actual, a.Error) {
			return nil
		}
		expected := "rejected"
		if a.Error != "" {
			expected = fmt.Sprintf("rejected with %q", a.Error)
		}
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual}
	}
}

func assertIDs(kind string, got, want []string) error {
	if want == nil {
		want = []string{}
	}
	if got == nil {
		got = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}
