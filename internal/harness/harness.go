package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/shapesub/internal/store"
	"github.com/roach88/shapesub/internal/subscription"
	"github.com/roach88/shapesub/internal/testutil"
)

// Harness executes one scenario against a fresh manager.
type Harness struct {
	manager  *subscription.Manager
	store    *store.Store
	recorder *testutil.StatusRecorder
	logger   *slog.Logger

	// requests holds named requests from request steps.
	requests map[string]subscription.SyncRequest

	// deliveries holds second-phase callbacks by server id.
	deliveries map[string]func() []string

	seq int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh manager and a fresh in-memory store.
// Step failures stop execution; assertion failures are collected.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := testutil.NewStatusRecorder()

	h := &Harness{
		manager: subscription.NewManager(
			subscription.WithStatusListener(recorder.Listen),
			subscription.WithLogger(logger),
		),
		store:      st,
		recorder:   recorder,
		logger:     logger,
		requests:   make(map[string]subscription.SyncRequest),
		deliveries: make(map[string]func() []string),
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			result.AddError(fmt.Sprintf("step %d: %v", i, err))
			return result, nil
		}
		h.flushNotifications(result)

		for _, errMsg := range EvaluateAssertions(h, step.Check) {
			result.AddError(fmt.Sprintf("step %d: %s", i, errMsg))
		}
	}

	for _, errMsg := range EvaluateAssertions(h, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

func (h *Harness) next() int64 {
	h.seq++
	return h.seq
}

// flushNotifications moves recorded status notifications into the trace.
func (h *Harness) flushNotifications(result *Result) {
	for _, u := range h.recorder.Updates() {
		result.AddStatusTrace(u.Key, u.Status, h.next())
	}
	h.recorder.Reset()
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Request != nil:
		return h.request(step.Request, result)
	case step.SetServerID != nil:
		return h.setServerID(step.SetServerID, result)
	case step.Fail != nil:
		return h.fail(step.Fail, result)
	case step.Deliver != nil:
		return h.deliver(step.Deliver, result)
	case step.Apply != nil:
		return h.apply(step.Apply.ID, step.Apply.ExpectUnsubscribe, result)
	case len(step.Unsubscribe) > 0:
		h.manager.UnsubscribeMade(step.Unsubscribe)
		result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "unsubscribe", ServerIDs: step.Unsubscribe})
		return nil
	case len(step.Gone) > 0:
		h.manager.GoneBatchDelivered(step.Gone)
		result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "gone", ServerIDs: step.Gone})
		return nil
	case step.Roundtrip:
		return h.roundtrip(ctx, result)
	case step.Reset != nil:
		return h.reset(step.Reset, result)
	default:
		return fmt.Errorf("empty step")
	}
}

func (h *Harness) request(r *RequestStep, result *Result) error {
	req, err := h.manager.SyncRequested(r.Shapes, r.Key)
	if err != nil {
		return fmt.Errorf("request %s: %w", r.Name, err)
	}

	outcome := "existing"
	if _, ok := req.(*subscription.NewRequest); ok {
		outcome = "new"
	}
	if r.Expect != "" && r.Expect != outcome {
		return fmt.Errorf("request %s: expected %s request, got %s", r.Name, r.Expect, outcome)
	}

	h.requests[r.Name] = req
	h.logger.Info("request step", "name", r.Name, "key", r.Key, "outcome", outcome)
	result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "request", Key: r.Key, Request: r.Name, Outcome: outcome})
	return nil
}

// newRequest returns the named request, which must be a NewRequest.
func (h *Harness) newRequest(name string) (*subscription.NewRequest, error) {
	req, ok := h.requests[name]
	if !ok {
		return nil, fmt.Errorf("unknown request %q", name)
	}
	nr, ok := req.(*subscription.NewRequest)
	if !ok {
		return nil, fmt.Errorf("request %q is not a new request", name)
	}
	return nr, nil
}

func (h *Harness) setServerID(s *SetServerIDStep, result *Result) error {
	nr, err := h.newRequest(s.Request)
	if err != nil {
		return fmt.Errorf("set_server_id: %w", err)
	}
	nr.SetServerID(s.ID)
	result.AddStepTrace(TraceEvent{
		Seq:       h.next(),
		Action:    "set_server_id",
		Key:       nr.Key(),
		Request:   s.Request,
		ServerIDs: []string{s.ID},
	})
	return nil
}

func (h *Harness) fail(f *FailStep, result *Result) error {
	nr, err := h.newRequest(f.Request)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	msg := f.Error
	if msg == "" {
		msg = "server rejected the subscription"
	}
	nr.SyncFailed(errors.New(msg))
	result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "fail", Key: nr.Key(), Request: f.Request})
	return nil
}

func (h *Harness) deliver(d *DeliverStep, result *Result) error {
	callback, err := h.manager.DataDelivered(d.ID)
	if d.ExpectError {
		if err == nil {
			return fmt.Errorf("deliver %s: expected an error", d.ID)
		}
		if !subscription.IsProtocolError(err) {
			return fmt.Errorf("deliver %s: expected a protocol error, got %w", d.ID, err)
		}
		result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "deliver", ServerIDs: []string{d.ID}, Outcome: "error"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("deliver %s: %w", d.ID, err)
	}

	key, _ := h.manager.KeyForServerID(d.ID)
	result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "deliver", Key: key, ServerIDs: []string{d.ID}})

	h.deliveries[d.ID] = callback
	if d.Apply {
		h.flushNotifications(result)
		return h.apply(d.ID, d.ExpectUnsubscribe, result)
	}
	return nil
}

func (h *Harness) apply(id string, expect []string, result *Result) error {
	callback, ok := h.deliveries[id]
	if !ok {
		return fmt.Errorf("apply %s: no pending delivery", id)
	}
	delete(h.deliveries, id)

	ids := callback()
	if expect == nil {
		expect = []string{}
	}
	if !slices.Equal(ids, expect) {
		return fmt.Errorf("apply %s: expected unsubscribe %v, got %v", id, expect, ids)
	}
	result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "apply", ServerIDs: ids})
	return nil
}

// roundtrip saves the manager state to the store, loads it back and
// initializes the manager from it, as a restart would.
func (h *Harness) roundtrip(ctx context.Context, result *Result) error {
	seq := h.next()
	if err := h.store.SaveSubscriptions(ctx, h.manager.Serialize(), seq); err != nil {
		return fmt.Errorf("roundtrip: %w", err)
	}
	st, ok, err := h.store.LoadSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("roundtrip: %w", err)
	}
	if !ok {
		return fmt.Errorf("roundtrip: saved state not found")
	}
	if err := h.manager.Initialize(st); err != nil {
		return fmt.Errorf("roundtrip: %w", err)
	}
	result.AddStepTrace(TraceEvent{Seq: seq, Action: "roundtrip"})
	return nil
}

func (h *Harness) reset(r *ResetStep, result *Result) error {
	tables := h.manager.Reset(subscription.ResetOptions{
		ReestablishSubscribed: r.Reestablish,
		DefaultNamespace:      r.Namespace,
	})
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.String()
	}
	if r.ExpectTables != nil && !slices.Equal(names, r.ExpectTables) {
		return fmt.Errorf("reset: expected tables %v, got %v", r.ExpectTables, names)
	}
	outcome := "cleared"
	if r.Reestablish {
		outcome = "reestablished"
	}
	result.AddStepTrace(TraceEvent{Seq: h.next(), Action: "reset", Outcome: outcome})
	return nil
}
