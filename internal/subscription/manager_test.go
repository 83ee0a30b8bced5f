package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shapesub/internal/ir"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(opts ...Option) *Manager {
	return NewManager(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func shapes(tables ...string) []ir.Shape {
	out := make([]ir.Shape, len(tables))
	for i, t := range tables {
		out[i] = ir.Shape{Tablename: t}
	}
	return out
}

// requestNew calls SyncRequested and requires a new attempt.
func requestNew(t *testing.T, m *Manager, s []ir.Shape, key string) *NewRequest {
	t.Helper()
	req, err := m.SyncRequested(s, key)
	require.NoError(t, err)
	nr, ok := req.(*NewRequest)
	require.True(t, ok, "expected a new request, got %T", req)
	return nr
}

// subscribeActive runs a full subscribe for a key with no prior attempts.
func subscribeActive(t *testing.T, m *Manager, s []ir.Shape, key, serverID string) *NewRequest {
	t.Helper()
	req := requestNew(t, m, s, key)
	req.SetServerID(serverID)
	afterApply, err := m.DataDelivered(serverID)
	require.NoError(t, err)
	assert.Empty(t, afterApply())
	return req
}

func TestSyncRequested_SettlesOnData(t *testing.T) {
	m := newTestManager()

	req := requestNew(t, m, shapes("t1"), "")
	assert.False(t, req.Completion().Settled())

	req.SetServerID("s1")
	afterApply, err := m.DataDelivered("s1")
	require.NoError(t, err)
	assert.False(t, req.Completion().Settled(), "settles only in the second phase")

	assert.Empty(t, afterApply())
	assert.True(t, req.Completion().Settled())
	assert.NoError(t, req.Completion().Err())

	assert.Equal(t, Status{State: StateActive, ServerID: "s1"}, m.Status(req.Key()))
}

func TestSyncRequested_UnkeyedDefaultsToHash(t *testing.T) {
	m := newTestManager()

	req := requestNew(t, m, shapes("t1"), "")
	hash := ir.MustShapeHash(shapes("t1"))

	assert.Equal(t, hash, req.Key())
	assert.Equal(t, MakeFullKey(hash, hash), req.FullKey())
}

func TestSyncRequested_DuplicateUnkeyedIsExisting(t *testing.T) {
	m := newTestManager()

	first := requestNew(t, m, shapes("t1"), "")

	second, err := m.SyncRequested(shapes("t1"), "")
	require.NoError(t, err)
	existing, ok := second.(*ExistingRequest)
	require.True(t, ok, "duplicate request must not expose SetServerID")
	assert.Equal(t, first.Key(), existing.Key())
	assert.Same(t, first.Completion(), existing.Completion())
}

func TestSyncRequested_Idempotence(t *testing.T) {
	m := newTestManager()

	first := requestNew(t, m, shapes("t1", "t2"), "k1")
	first.SetServerID("s1")

	// Top-level order does not matter.
	second, err := m.SyncRequested(shapes("t2", "t1"), "k1")
	require.NoError(t, err)
	require.IsType(t, &ExistingRequest{}, second)
	assert.Same(t, first.Completion(), second.Completion())
}

func TestSyncRequested_ExistingAfterSettleIsResolved(t *testing.T) {
	m := newTestManager()
	subscribeActive(t, m, shapes("t1"), "k1", "s1")

	req, err := m.SyncRequested(shapes("t1"), "k1")
	require.NoError(t, err)
	require.IsType(t, &ExistingRequest{}, req)
	assert.True(t, req.Completion().Settled())
	assert.NoError(t, req.Completion().Err())
}

func TestSyncRequested_Distinctness(t *testing.T) {
	m := newTestManager()

	a := requestNew(t, m, shapes("t1"), "k1")
	b := requestNew(t, m, shapes("t1"), "k2")

	assert.NotSame(t, a.Completion(), b.Completion())
	assert.NotEqual(t, a.FullKey(), b.FullKey())

	a.SetServerID("s1")
	b.SetServerID("s2")
	afterApply, err := m.DataDelivered("s1")
	require.NoError(t, err)
	afterApply()

	assert.True(t, a.Completion().Settled())
	assert.False(t, b.Completion().Settled())
}

func TestSyncRequested_HasherError(t *testing.T) {
	boom := errors.New("boom")
	m := newTestManager(WithHasher(HasherFunc(func([]ir.Shape) (string, error) {
		return "", boom
	})))

	_, err := m.SyncRequested(shapes("t1"), "k1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSupersession_SettlesAfterGone(t *testing.T) {
	m := newTestManager()

	a := subscribeActive(t, m, shapes("a"), "k1", "A1")
	require.True(t, a.Completion().Settled())

	b := requestNew(t, m, shapes("b"), "k1")
	b.SetServerID("B1")

	afterApply, err := m.DataDelivered("B1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, afterApply())
	assert.False(t, b.Completion().Settled(), "data alone must not settle a superseding attempt")

	m.UnsubscribeMade([]string{"A1"})
	assert.False(t, b.Completion().Settled())

	m.GoneBatchDelivered([]string{"A1"})
	assert.True(t, b.Completion().Settled())
	assert.NoError(t, b.Completion().Err())

	assert.Equal(t, Status{State: StateActive, ServerID: "B1"}, m.Status("k1"))
}

func TestSupersession_ChainIsMostRecentFirst(t *testing.T) {
	m := newTestManager()

	a := requestNew(t, m, shapes("a"), "k1")
	b := requestNew(t, m, shapes("b"), "k1")
	c := requestNew(t, m, shapes("c"), "k1")

	st := m.Serialize()
	assert.Equal(t, []string{}, st.Known[a.FullKey()].OvershadowsFullKeys)
	assert.Equal(t, []string{a.FullKey()}, st.Known[b.FullKey()].OvershadowsFullKeys)
	assert.Equal(t, []string{b.FullKey(), a.FullKey()}, st.Known[c.FullKey()].OvershadowsFullKeys)
}

func TestSupersession_SettlesAfterEveryShadowIsGone(t *testing.T) {
	m := newTestManager()

	a := requestNew(t, m, shapes("a"), "k1")
	a.SetServerID("A1")
	b := requestNew(t, m, shapes("b"), "k1")
	b.SetServerID("B1")
	c := requestNew(t, m, shapes("c"), "k1")
	c.SetServerID("C1")

	afterApply, err := m.DataDelivered("C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "A1"}, afterApply())

	m.UnsubscribeMade([]string{"B1", "A1"})
	m.GoneBatchDelivered([]string{"B1"})
	assert.False(t, c.Completion().Settled())
	assert.Equal(t, ProgressRemovingData, m.Status("k1").Progress)

	m.GoneBatchDelivered([]string{"A1"})
	assert.True(t, c.Completion().Settled())
	assert.NoError(t, c.Completion().Err())

	// Superseded attempts that never settled are told why.
	assert.ErrorIs(t, a.Completion().Err(), ErrUnsubscribed)
	assert.ErrorIs(t, b.Completion().Err(), ErrUnsubscribed)
}

func TestSupersession_OlderDataArrivesFirst(t *testing.T) {
	m := newTestManager()

	a := requestNew(t, m, shapes("a"), "k1")
	a.SetServerID("A1")
	b := requestNew(t, m, shapes("b"), "k1")
	b.SetServerID("B1")

	// A's data still lands and settles A.
	afterApply, err := m.DataDelivered("A1")
	require.NoError(t, err)
	assert.Empty(t, afterApply())
	assert.True(t, a.Completion().Settled())

	assert.Equal(t, Status{
		State:       StateEstablishing,
		Progress:    ProgressReceivingData,
		ServerID:    "B1",
		OldServerID: "A1",
	}, m.Status("k1"))
}

func TestSyncFailed_RollsBackToPriorRequest(t *testing.T) {
	m := newTestManager()

	a := requestNew(t, m, shapes("a"), "k1")
	a.SetServerID("A1")
	b := requestNew(t, m, shapes("b"), "k1")

	reason := errors.New("rejected by server")
	b.SyncFailed(reason)

	assert.ErrorIs(t, b.Completion().Err(), reason)
	assert.False(t, a.Completion().Settled())

	// The key points at A again, so requesting A deduplicates.
	again, err := m.SyncRequested(shapes("a"), "k1")
	require.NoError(t, err)
	require.IsType(t, &ExistingRequest{}, again)
	assert.Same(t, a.Completion(), again.Completion())

	afterApply, err := m.DataDelivered("A1")
	require.NoError(t, err)
	assert.Empty(t, afterApply())
	assert.True(t, a.Completion().Settled())
}

func TestSyncFailed_ClearsWhenPriorIsActive(t *testing.T) {
	m := newTestManager()

	subscribeActive(t, m, shapes("a"), "k1", "A1")
	b := requestNew(t, m, shapes("b"), "k1")
	b.SyncFailed(nil)

	assert.ErrorIs(t, b.Completion().Err(), ErrSyncFailed)
	assert.Equal(t, Status{State: StateActive, ServerID: "A1"}, m.Status("k1"))

	st := m.Serialize()
	assert.NotContains(t, st.Known, b.FullKey())
	assert.Empty(t, st.Unfulfilled)
}

func TestSyncFailed_WithoutPriorClearsKey(t *testing.T) {
	m := newTestManager()

	a := requestNew(t, m, shapes("a"), "k1")
	a.SetServerID("A1")
	a.SyncFailed(errors.New("nope"))

	assert.Equal(t, Status{State: StateUnsubscribed}, m.Status("k1"))
	_, err := m.DataDelivered("A1")
	assert.ErrorIs(t, err, ErrUnknownSubscription)

	// The key is free again.
	requestNew(t, m, shapes("a"), "k1")
}

func TestSyncFailed_DropsFromLaterChains(t *testing.T) {
	m := newTestManager()

	a := subscribeActive(t, m, shapes("a"), "k1", "A1")
	b := requestNew(t, m, shapes("b"), "k1")
	c := requestNew(t, m, shapes("c"), "k1")
	c.SetServerID("C1")

	// B was already superseded when it failed.
	b.SyncFailed(errors.New("late failure"))

	afterApply, err := m.DataDelivered("C1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, afterApply())

	m.UnsubscribeMade([]string{"A1"})
	m.GoneBatchDelivered([]string{"A1"})
	assert.True(t, c.Completion().Settled(), "a failed attempt must not hold back its successor")
	assert.True(t, a.Completion().Settled())
}

func TestDataDelivered_UnknownServerID(t *testing.T) {
	m := newTestManager()

	_, err := m.DataDelivered("nope")
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.ErrorIs(t, err, ErrUnknownSubscription)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nope", pe.ServerID)
	assert.Equal(t, ErrCodeUnknownSubscription, pe.Code)
}

func TestDataDelivered_AfterInitializeDoesNotSettle(t *testing.T) {
	m := newTestManager()

	req := requestNew(t, m, shapes("a"), "k1")
	req.SetServerID("A1")
	require.NoError(t, m.Initialize(m.Serialize()))

	// The attempt is unfulfilled now and must be requested again.
	assert.ErrorIs(t, req.Completion().Err(), ErrReset)

	again := requestNew(t, m, shapes("a"), "k1")
	again.SetServerID("A2")
	afterApply, err := m.DataDelivered("A2")
	require.NoError(t, err)
	assert.Empty(t, afterApply())
	assert.True(t, again.Completion().Settled())
}

func TestSetServerID_FirstWins(t *testing.T) {
	var updates []Status
	m := newTestManager(WithStatusListener(func(_ string, s Status) {
		updates = append(updates, s)
	}))

	req := requestNew(t, m, shapes("a"), "k1")
	req.SetServerID("first")
	req.SetServerID("second")

	assert.Len(t, updates, 1)
	assert.Equal(t, "first", m.Status("k1").ServerID)

	key, ok := m.KeyForServerID("first")
	require.True(t, ok)
	assert.Equal(t, "k1", key)
}

func TestSetServerID_EmptyIgnored(t *testing.T) {
	m := newTestManager()

	req := requestNew(t, m, shapes("a"), "k1")
	req.SetServerID("")

	assert.Equal(t, Status{State: StateUnsubscribed}, m.Status("k1"))
	req.SetServerID("A1")
	assert.Equal(t, "A1", m.Status("k1").ServerID)
}

func TestStatusLifecycleNotifications(t *testing.T) {
	type update struct {
		key    string
		status Status
	}
	var updates []update
	m := newTestManager(WithStatusListener(func(key string, s Status) {
		updates = append(updates, update{key, s})
	}))

	first := requestNew(t, m, shapes("t1"), "foo")
	assert.Empty(t, updates)

	first.SetServerID("testID")
	afterApply, err := m.DataDelivered("testID")
	require.NoError(t, err)
	assert.Empty(t, afterApply())

	second := requestNew(t, m, shapes("t2"), "foo")
	second.SetServerID("testID2")
	assert.Len(t, updates, 3)

	afterApply, err = m.DataDelivered("testID2")
	require.NoError(t, err)
	assert.Equal(t, []string{"testID"}, afterApply())
	assert.Len(t, updates, 3, "delivering superseding data is silent")

	m.UnsubscribeMade([]string{"testID"})
	m.GoneBatchDelivered([]string{"testID"})
	m.UnsubscribeMade([]string{"testID2"})
	m.GoneBatchDelivered([]string{"testID2"})

	want := []update{
		{"foo", Status{State: StateEstablishing, Progress: ProgressReceivingData, ServerID: "testID"}},
		{"foo", Status{State: StateActive, ServerID: "testID"}},
		{"foo", Status{State: StateEstablishing, Progress: ProgressReceivingData, ServerID: "testID2", OldServerID: "testID"}},
		{"foo", Status{State: StateEstablishing, Progress: ProgressRemovingData, ServerID: "testID2"}},
		{"foo", Status{State: StateActive, ServerID: "testID2"}},
		{"foo", Status{State: StateCancelling, ServerID: "testID2"}},
		{"foo", Status{State: StateUnsubscribed}},
	}
	assert.Equal(t, want, updates)
}

func TestStatusListener_MayCallBack(t *testing.T) {
	var m *Manager
	var seen []Status
	m = newTestManager(WithStatusListener(func(key string, _ Status) {
		// Re-entering must not deadlock.
		seen = append(seen, m.Status(key))
	}))

	subscribeActive(t, m, shapes("a"), "k1", "A1")
	assert.Equal(t, []Status{
		{State: StateEstablishing, Progress: ProgressReceivingData, ServerID: "A1"},
		{State: StateActive, ServerID: "A1"},
	}, seen)
}

func TestGoneBatchDelivered_UnknownIDsSkipped(t *testing.T) {
	m := newTestManager()
	subscribeActive(t, m, shapes("a"), "k1", "A1")

	m.UnsubscribeMade([]string{"ghost"})
	m.GoneBatchDelivered([]string{"ghost"})

	assert.Equal(t, Status{State: StateActive, ServerID: "A1"}, m.Status("k1"))
	assert.Empty(t, m.ListPendingActions().Unsubscribe)
}

func TestUnsubscribeByKey(t *testing.T) {
	m := newTestManager()
	subscribeActive(t, m, shapes("a"), "k1", "A1")
	subscribeActive(t, m, shapes("b"), "k2", "B1")

	ids := m.ServerIDsForKeys([]string{"k2", "missing", "k1"})
	assert.Equal(t, []string{"B1", "A1"}, ids)

	m.UnsubscribeMade(ids)
	assert.Equal(t, StateCancelling, m.Status("k1").State)
	assert.Equal(t, StateCancelling, m.Status("k2").State)

	m.GoneBatchDelivered(ids)
	assert.Equal(t, StateUnsubscribed, m.Status("k1").State)
	assert.Equal(t, StateUnsubscribed, m.Status("k2").State)
	assert.Empty(t, m.ListContinuedSubscriptions())
}

func TestServerIDsForShapes(t *testing.T) {
	m := newTestManager()
	subscribeActive(t, m, shapes("a", "b"), "", "AB1")
	subscribeActive(t, m, shapes("c"), "keyed", "C1")

	ids, err := m.ServerIDsForShapes(shapes("b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"AB1"}, ids)

	// Keyed subscriptions are not found by content.
	ids, err = m.ServerIDsForShapes(shapes("c"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubscriptionErrored(t *testing.T) {
	m := newTestManager()

	req := requestNew(t, m, shapes("a"), "k1")
	req.SetServerID("A1")

	reason := errors.New("server rejected shape")
	assert.True(t, m.SubscriptionErrored("A1", reason))
	assert.ErrorIs(t, req.Completion().Err(), reason)

	assert.False(t, m.SubscriptionErrored("A1", reason), "already rejected")
	assert.False(t, m.SubscriptionErrored("unknown", reason))
}

func TestRequestAgainAfterSupersededRetiresOldServerID(t *testing.T) {
	m := newTestManager()

	a := subscribeActive(t, m, shapes("a"), "k1", "A1")
	b := requestNew(t, m, shapes("b"), "k1")
	b.SetServerID("B1")

	// Switching back to A while B is in flight.
	again := requestNew(t, m, shapes("a"), "k1")
	assert.Equal(t, a.FullKey(), again.FullKey())

	// A1's rows are still present, so the key stays active on A1.
	assert.Equal(t, Status{State: StateActive, ServerID: "A1"}, m.Status("k1"))
	key, ok := m.KeyForServerID("A1")
	require.True(t, ok)
	assert.Equal(t, "k1", key)

	st := m.Serialize()
	retired := st.Active["k1"]
	require.NotEqual(t, again.FullKey(), retired)
	assert.Equal(t, "A1", st.Known[retired].ServerID)
	assert.Equal(t, "k1", st.Known[retired].Key())
	assert.Equal(t, []string{b.FullKey(), retired}, st.Known[again.FullKey()].OvershadowsFullKeys)
	assert.Equal(t, []string{retired}, st.Known[b.FullKey()].OvershadowsFullKeys)
	assert.Equal(t, again.FullKey(), st.Unfulfilled["k1"])

	// The snapshot is still valid.
	require.NoError(t, newTestManager().Initialize(st))

	again.SetServerID("A2")
	afterApply, err := m.DataDelivered("A2")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "A1"}, afterApply())

	m.UnsubscribeMade([]string{"B1", "A1"})
	assert.Equal(t, []string{"A1", "B1"}, m.ListPendingActions().Unsubscribe)

	m.GoneBatchDelivered([]string{"B1"})
	assert.False(t, again.Completion().Settled())
	assert.Equal(t, Status{State: StateEstablishing, Progress: ProgressRemovingData, ServerID: "A2"}, m.Status("k1"))

	m.GoneBatchDelivered([]string{"A1"})
	require.True(t, again.Completion().Settled())
	assert.NoError(t, again.Completion().Err())
	assert.Equal(t, Status{State: StateActive, ServerID: "A2"}, m.Status("k1"))
	assert.Len(t, m.Serialize().Known, 1)
}

func TestRequestAgainWithoutServerIDReplacesRecord(t *testing.T) {
	m := newTestManager()

	subscribeActive(t, m, shapes("a"), "k1", "A1")
	b := requestNew(t, m, shapes("b"), "k1")
	c := requestNew(t, m, shapes("c"), "k1")

	// B never got a server id, so nothing of it reached the server.
	again := requestNew(t, m, shapes("b"), "k1")
	assert.Equal(t, b.FullKey(), again.FullKey())
	assert.ErrorIs(t, b.Completion().Err(), ErrSuperseded)

	st := m.Serialize()
	assert.Len(t, st.Known, 3)
	assert.Equal(t, c.FullKey(), st.Known[again.FullKey()].OvershadowsFullKeys[0])
	assert.NotContains(t, st.Known[again.FullKey()].OvershadowsFullKeys, again.FullKey())
}

func TestRequestAfterRestartDropsStaleUnfulfilled(t *testing.T) {
	m := newTestManager()
	subscribeActive(t, m, shapes("a"), "k1", "A1")
	x := requestNew(t, m, shapes("x"), "k1")
	x.SetServerID("X1")
	require.NoError(t, m.Initialize(m.Serialize()))
	require.Equal(t, x.FullKey(), m.Serialize().Unfulfilled["k1"])

	y := requestNew(t, m, shapes("y"), "k1")

	st := m.Serialize()
	assert.NotContains(t, st.Known, x.FullKey())
	assert.Len(t, st.Known, 2)
	assert.Equal(t, y.FullKey(), st.Unfulfilled["k1"])
	_, ok := m.KeyForServerID("X1")
	assert.False(t, ok)
}

func TestCompletion_Wait(t *testing.T) {
	m := newTestManager()
	req := requestNew(t, m, shapes("a"), "k1")
	req.SetServerID("A1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, req.Completion().Wait(ctx), context.Canceled)

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = req.Completion().Wait(context.Background())
	}()

	afterApply, err := m.DataDelivered("A1")
	require.NoError(t, err)
	afterApply()
	wg.Wait()
	assert.NoError(t, waitErr)
}

func TestCompletion_DoubleSettlePanics(t *testing.T) {
	c := newCompletion()
	c.resolve()
	assert.Panics(t, func() { c.reject(errors.New("again")) })
}

func TestConcurrentRequestsShareCompletion(t *testing.T) {
	m := newTestManager()

	const n = 16
	results := make([]SyncRequest, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := m.SyncRequested(shapes("t1"), "k1")
			assert.NoError(t, err)
			results[i] = req
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, r := range results {
		if _, ok := r.(*NewRequest); ok {
			newCount++
		}
		assert.Same(t, results[0].Completion(), r.Completion())
	}
	assert.Equal(t, 1, newCount)
}
