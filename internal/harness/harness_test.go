package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shapesub/internal/ir"
)

func itemsShape() []ir.Shape {
	return []ir.Shape{{Tablename: "items"}}
}

func TestRun_SimpleSubscription(t *testing.T) {
	scenario := &Scenario{
		Name:        "simple",
		Description: "one key, one attempt",
		Steps: []Step{
			{Request: &RequestStep{Name: "r1", Key: "k1", Shapes: itemsShape(), Expect: "new"}},
			{SetServerID: &SetServerIDStep{Request: "r1", ID: "s1"}},
			{Deliver: &DeliverStep{ID: "s1", Apply: true}},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Key: "k1", Expect: &ExpectStatus{Status: "active", ServerID: "s1"}},
			{Type: AssertSettled, Request: "r1"},
			{Type: AssertContinued, IDs: []string{"s1"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)

	var statuses []string
	for _, ev := range result.Trace {
		if ev.Type == TraceStatus {
			statuses = append(statuses, string(ev.Status.State))
		}
	}
	assert.Equal(t, []string{"establishing", "active"}, statuses)
}

func TestRun_TraceSeqIsMonotonic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/supersede.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	for i, ev := range result.Trace {
		assert.Equal(t, int64(i+1), ev.Seq, "event %d", i)
	}
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_status",
		Description: "expects the wrong status",
		Steps: []Step{
			{Request: &RequestStep{Name: "r1", Key: "k1", Shapes: itemsShape()}},
			{SetServerID: &SetServerIDStep{Request: "r1", ID: "s1"}},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Key: "k1", Expect: &ExpectStatus{Status: "active", ServerID: "s1"}},
			{Type: AssertSettled, Request: "r1"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Expected: active server_id=s1")
	assert.Contains(t, result.Errors[0], "Actual: establishing progress=receiving_data server_id=s1")
	assert.Contains(t, result.Errors[1], "Actual: pending")
}

func TestRun_StepFailureStopsExecution(t *testing.T) {
	scenario := &Scenario{
		Name:        "unknown_delivery",
		Description: "data for a server id nobody asked for",
		Steps: []Step{
			{Deliver: &DeliverStep{ID: "nope", Apply: true}},
			{Gone: []string{"nope"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 0: deliver nope")
	assert.Empty(t, result.Trace)
}

func TestRun_ExpectedRequestKind(t *testing.T) {
	scenario := &Scenario{
		Name:        "kind_mismatch",
		Description: "a repeat request is not new",
		Steps: []Step{
			{Request: &RequestStep{Name: "r1", Key: "k1", Shapes: itemsShape()}},
			{Request: &RequestStep{Name: "r2", Key: "k1", Shapes: itemsShape(), Expect: "new"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected new request, got existing")
}

func TestRun_ApplyWithoutDelivery(t *testing.T) {
	scenario := &Scenario{
		Name:        "apply_first",
		Description: "second phase without a first",
		Steps:       []Step{{Apply: &ApplyStep{ID: "s1"}}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "no pending delivery")
}

func TestRun_DeferredApply(t *testing.T) {
	scenario := &Scenario{
		Name:        "deferred_apply",
		Description: "the completion settles only in the second phase",
		Steps: []Step{
			{Request: &RequestStep{Name: "r1", Key: "k1", Shapes: itemsShape()}},
			{SetServerID: &SetServerIDStep{Request: "r1", ID: "s1"}},
			{
				Deliver: &DeliverStep{ID: "s1"},
				Check: []Assertion{
					{Type: AssertPending, Request: "r1"},
					{Type: AssertStatus, Key: "k1", Expect: &ExpectStatus{Status: "active", ServerID: "s1"}},
				},
			},
			{Apply: &ApplyStep{ID: "s1"}},
		},
		Assertions: []Assertion{{Type: AssertSettled, Request: "r1"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ResetWithoutReestablish(t *testing.T) {
	scenario := &Scenario{
		Name:        "reset_clear",
		Description: "a plain reset forgets everything",
		Steps: []Step{
			{Request: &RequestStep{Name: "r1", Key: "k1", Shapes: itemsShape()}},
			{SetServerID: &SetServerIDStep{Request: "r1", ID: "s1"}},
			{Deliver: &DeliverStep{ID: "s1", Apply: true}},
			{Reset: &ResetStep{Namespace: "app", ExpectTables: []string{"app.items"}}},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Key: "k1", Expect: &ExpectStatus{Status: "unsubscribed"}},
			{Type: AssertContinued},
			{Type: AssertPendingSubscribe},
			{Type: AssertPendingUnsubscribe},
			{Type: AssertSettled, Request: "r1"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "reset", last.Action)
	assert.Equal(t, "cleared", last.Outcome)
}

func TestRun_Testdata(t *testing.T) {
	for _, name := range []string{
		"subscribe_once",
		"supersede",
		"failed_supersede",
		"restart_roundtrip",
		"reset_reestablish",
	} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}
