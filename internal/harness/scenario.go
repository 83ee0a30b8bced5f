package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shapesub/internal/ir"
)

// Scenario drives a subscription manager through a fixed sequence of
// protocol events and checks the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps are executed in order against a fresh manager.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one protocol event. Exactly one action field must be set.
type Step struct {
	Request     *RequestStep     `yaml:"request,omitempty"`
	SetServerID *SetServerIDStep `yaml:"set_server_id,omitempty"`
	Fail        *FailStep        `yaml:"fail,omitempty"`
	Deliver     *DeliverStep     `yaml:"deliver,omitempty"`
	Apply       *ApplyStep       `yaml:"apply,omitempty"`
	Unsubscribe []string         `yaml:"unsubscribe,omitempty"`
	Gone        []string         `yaml:"gone,omitempty"`
	Roundtrip   bool             `yaml:"roundtrip,omitempty"`
	Reset       *ResetStep       `yaml:"reset,omitempty"`

	// Check holds assertions evaluated right after this step.
	Check []Assertion `yaml:"check,omitempty"`
}

// RequestStep calls SyncRequested.
type RequestStep struct {
	// Name labels the returned request for later steps and assertions.
	Name   string     `yaml:"name"`
	Key    string     `yaml:"key"`
	Shapes []ir.Shape `yaml:"shapes"`

	// Expect is "new" or "existing". Empty skips the check.
	Expect string `yaml:"expect,omitempty"`
}

// SetServerIDStep binds a server id to a new request.
type SetServerIDStep struct {
	Request string `yaml:"request"`
	ID      string `yaml:"id"`
}

// FailStep reports that the server rejected a new request.
type FailStep struct {
	Request string `yaml:"request"`
	Error   string `yaml:"error"`
}

// DeliverStep calls DataDelivered. With Apply set the second phase runs
// immediately; otherwise it is kept under the server id until an apply step.
type DeliverStep struct {
	ID    string `yaml:"id"`
	Apply bool   `yaml:"apply,omitempty"`

	// ExpectUnsubscribe is compared with the second-phase result when
	// Apply is set.
	ExpectUnsubscribe []string `yaml:"expect_unsubscribe,omitempty"`

	// ExpectError expects DataDelivered to fail with a protocol error.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// ApplyStep runs the second phase of an earlier deliver step.
type ApplyStep struct {
	ID                string   `yaml:"id"`
	ExpectUnsubscribe []string `yaml:"expect_unsubscribe,omitempty"`
}

// ResetStep calls Reset.
type ResetStep struct {
	Reestablish bool   `yaml:"reestablish,omitempty"`
	Namespace   string `yaml:"namespace,omitempty"`

	// ExpectTables lists the qualified table names Reset must return.
	ExpectTables []string `yaml:"expect_tables,omitempty"`
}

// ExpectStatus is the expected status of a key. Empty fields must be empty.
type ExpectStatus struct {
	Status      string `yaml:"status"`
	Progress    string `yaml:"progress,omitempty"`
	ServerID    string `yaml:"server_id,omitempty"`
	OldServerID string `yaml:"old_server_id,omitempty"`
}

// Assertion checks manager state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "status": status of Key equals Expect
	// - "settled": completion of Request resolved without error
	// - "pending": completion of Request not settled yet
	// - "rejected": completion of Request settled with an error containing Error
	// - "continued": ListContinuedSubscriptions equals IDs
	// - "pending_subscribe": keys of ListPendingActions().Subscribe equal Keys
	// - "pending_unsubscribe": ListPendingActions().Unsubscribe equals IDs
	Type string `yaml:"type"`

	Key     string        `yaml:"key,omitempty"`
	Expect  *ExpectStatus `yaml:"expect,omitempty"`
	Request string        `yaml:"request,omitempty"`
	Error   string        `yaml:"error,omitempty"`
	IDs     []string      `yaml:"ids,omitempty"`
	Keys    []string      `yaml:"keys,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus             = "status"
	AssertSettled            = "settled"
	AssertPending            = "pending"
	AssertRejected           = "rejected"
	AssertContinued          = "continued"
	AssertPendingSubscribe   = "pending_subscribe"
	AssertPendingUnsubscribe = "pending_unsubscribe"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML held in memory.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields so "assertion:" vs "assertions:" is caught.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, names); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		for j, a := range step.Check {
			if err := validateAssertion(a, names); err != nil {
				return fmt.Errorf("step %d check %d: %w", i, j, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, names); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}

	return nil
}

// validateStep checks that exactly one action is set and that request
// names are unique and defined before use.
func validateStep(step Step, names map[string]bool) error {
	actions := 0
	for _, set := range []bool{
		step.Request != nil,
		step.SetServerID != nil,
		step.Fail != nil,
		step.Deliver != nil,
		step.Apply != nil,
		len(step.Unsubscribe) > 0,
		len(step.Gone) > 0,
		step.Roundtrip,
		step.Reset != nil,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}

	switch {
	case step.Request != nil:
		r := step.Request
		if r.Name == "" {
			return fmt.Errorf("request: name is required")
		}
		if names[r.Name] {
			return fmt.Errorf("request: duplicate name %q", r.Name)
		}
		if r.Key == "" {
			return fmt.Errorf("request: key is required")
		}
		if len(r.Shapes) == 0 {
			return fmt.Errorf("request: shapes are required")
		}
		if r.Expect != "" && r.Expect != "new" && r.Expect != "existing" {
			return fmt.Errorf("request: expect must be new or existing, got %q", r.Expect)
		}
		names[r.Name] = true
	case step.SetServerID != nil:
		if !names[step.SetServerID.Request] {
			return fmt.Errorf("set_server_id: unknown request %q", step.SetServerID.Request)
		}
		if step.SetServerID.ID == "" {
			return fmt.Errorf("set_server_id: id is required")
		}
	case step.Fail != nil:
		if !names[step.Fail.Request] {
			return fmt.Errorf("fail: unknown request %q", step.Fail.Request)
		}
	case step.Deliver != nil:
		if step.Deliver.ID == "" {
			return fmt.Errorf("deliver: id is required")
		}
		if step.Deliver.ExpectError && step.Deliver.Apply {
			return fmt.Errorf("deliver: apply cannot be combined with expect_error")
		}
	case step.Apply != nil:
		if step.Apply.ID == "" {
			return fmt.Errorf("apply: id is required")
		}
	}
	return nil
}

// validateAssertion checks assertion-specific required fields.
func validateAssertion(a Assertion, names map[string]bool) error {
	switch a.Type {
	case AssertStatus:
		if a.Key == "" {
			return fmt.Errorf("status assertion requires 'key' field")
		}
		if a.Expect == nil || a.Expect.Status == "" {
			return fmt.Errorf("status assertion requires 'expect.status' field")
		}
	case AssertSettled, AssertPending, AssertRejected:
		if a.Request == "" {
			return fmt.Errorf("%s assertion requires 'request' field", a.Type)
		}
		if !names[a.Request] {
			return fmt.Errorf("%s assertion: unknown request %q", a.Type, a.Request)
		}
	case AssertContinued, AssertPendingUnsubscribe, AssertPendingSubscribe:
		// An empty list is a valid expectation.
	case "":
		return fmt.Errorf("assertion type is required")
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
	return nil
}
