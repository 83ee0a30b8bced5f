package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shapesub/internal/subscription"
)

func TestRunWithGolden_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalTrace_Canonical(t *testing.T) {
	trace := []TraceEvent{
		{Type: TraceStep, Seq: 1, Action: "request", Key: "k1", Request: "r1", Outcome: "new"},
		{
			Type: TraceStatus,
			Seq:  2,
			Key:  "k1",
			Status: &subscription.Status{
				State:       subscription.StateEstablishing,
				Progress:    subscription.ProgressReceivingData,
				ServerID:    "s2",
				OldServerID: "s1",
			},
		},
		{Type: TraceStep, Seq: 3, Action: "gone", ServerIDs: []string{"s1"}},
	}

	data, err := MarshalTrace("demo", trace)
	require.NoError(t, err)

	want := `{"scenario_name":"demo","trace":[` +
		`{"action":"request","key":"k1","outcome":"new","request":"r1","seq":1,"type":"step"},` +
		`{"key":"k1","seq":2,"status":{"old_server_id":"s1","progress":"receiving_data","server_id":"s2","status":"establishing"},"type":"status"},` +
		`{"action":"gone","seq":3,"server_ids":["s1"],"type":"step"}]}`
	assert.Equal(t, want, string(data))
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/restart_roundtrip.yaml")
	require.NoError(t, err)

	var outputs []string
	for i := 0; i < 3; i++ {
		result, err := Run(scenario)
		require.NoError(t, err)
		data, err := MarshalTrace(scenario.Name, result.Trace)
		require.NoError(t, err)
		outputs = append(outputs, string(data))
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}
