package harness

import "github.com/roach88/shapesub/internal/subscription"

// Trace event types.
const (
	TraceStep   = "step"
	TraceStatus = "status"
)

// TraceEvent is either an executed step or a status notification the
// manager emitted while executing it.
type TraceEvent struct {
	Type string `json:"type"` // "step" or "status"
	Seq  int64  `json:"seq"`

	// Action is the step kind, e.g. "request" or "deliver". Step events only.
	Action string `json:"action,omitempty"`

	Key       string   `json:"key,omitempty"`
	Request   string   `json:"request,omitempty"`
	ServerIDs []string `json:"server_ids,omitempty"`

	// Outcome summarizes the step result, e.g. "new", "existing" or "error".
	Outcome string `json:"outcome,omitempty"`

	Status *subscription.Status `json:"status,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace contains steps and notifications in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace records an executed step.
func (r *Result) AddStepTrace(ev TraceEvent) {
	ev.Type = TraceStep
	r.Trace = append(r.Trace, ev)
}

// AddStatusTrace records a status notification.
func (r *Result) AddStatusTrace(key string, status subscription.Status, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   TraceStatus,
		Seq:    seq,
		Key:    key,
		Status: &status,
	})
}
