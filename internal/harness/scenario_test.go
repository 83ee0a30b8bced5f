package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
steps:
  - request:
      name: r1
      key: k1
      shapes:
        - tablename: items
          include:
            - foreign_key: [item_id]
              select:
                tablename: tags
      expect: new
  - set_server_id:
      request: r1
      id: s1
assertions:
  - type: pending
    request: r1
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	require.Len(t, scenario.Steps, 2)
	assert.Len(t, scenario.Assertions, 1)

	req := scenario.Steps[0].Request
	require.NotNil(t, req)
	assert.Equal(t, "k1", req.Key)
	require.Len(t, req.Shapes, 1)
	assert.Equal(t, "items", req.Shapes[0].Tablename)
	require.Len(t, req.Shapes[0].Include, 1)
	assert.Equal(t, []string{"item_id"}, req.Shapes[0].Include[0].ForeignKey)
	assert.Equal(t, "tags", req.Shapes[0].Include[0].Select.Tablename)

	assert.Equal(t, "s1", scenario.Steps[1].SetServerID.ID)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: typo
description: "assertion instead of assertions"
steps:
  - gone: [s1]
assertion:
  - type: continued
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps:\n  - gone: [s1]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nsteps:\n  - gone: [s1]\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: n\ndescription: d\nsteps:\n  - gone: [s1]\n    unsubscribe: [s1]\n",
			wantErr: "exactly one action is required, got 2",
		},
		{
			name:    "empty step",
			yaml:    "name: n\ndescription: d\nsteps:\n  - check: []\n",
			wantErr: "exactly one action is required, got 0",
		},
		{
			name:    "request without shapes",
			yaml:    "name: n\ndescription: d\nsteps:\n  - request: {name: r1, key: k1}\n",
			wantErr: "shapes are required",
		},
		{
			name: "duplicate request name",
			yaml: `name: n
description: d
steps:
  - request: {name: r1, key: k1, shapes: [{tablename: a}]}
  - request: {name: r1, key: k2, shapes: [{tablename: b}]}
`,
			wantErr: `duplicate name "r1"`,
		},
		{
			name:    "server id for unknown request",
			yaml:    "name: n\ndescription: d\nsteps:\n  - set_server_id: {request: r1, id: s1}\n",
			wantErr: `unknown request "r1"`,
		},
		{
			name:    "bad expect",
			yaml:    "name: n\ndescription: d\nsteps:\n  - request: {name: r1, key: k1, shapes: [{tablename: a}], expect: maybe}\n",
			wantErr: "expect must be new or existing",
		},
		{
			name:    "deliver apply with expect_error",
			yaml:    "name: n\ndescription: d\nsteps:\n  - deliver: {id: s1, apply: true, expect_error: true}\n",
			wantErr: "apply cannot be combined with expect_error",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nsteps:\n  - gone: [s1]\nassertions:\n  - type: trace_order\n",
			wantErr: "unknown assertion type: trace_order",
		},
		{
			name:    "status assertion without expect",
			yaml:    "name: n\ndescription: d\nsteps:\n  - gone: [s1]\nassertions:\n  - type: status\n    key: k1\n",
			wantErr: "requires 'expect.status' field",
		},
		{
			name:    "settled assertion for unknown request",
			yaml:    "name: n\ndescription: d\nsteps:\n  - gone: [s1]\nassertions:\n  - type: settled\n    request: r9\n",
			wantErr: `unknown request "r9"`,
		},
		{
			name: "check before the request exists",
			yaml: `name: n
description: d
steps:
  - gone: [s1]
    check:
      - type: pending
        request: r1
  - request: {name: r1, key: k1, shapes: [{tablename: a}]}
`,
			wantErr: "step 0 check 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, scenario.Steps)
		})
	}
}
