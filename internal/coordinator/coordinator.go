package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/shapesub/internal/ir"
	"github.com/roach88/shapesub/internal/store"
	"github.com/roach88/shapesub/internal/subscription"
)

// Coordinator drives one subscription manager from application calls and
// server messages.
//
// Thread-safety model:
//   - Subscribe, Unsubscribe, Reset, Resume: safe from any goroutine
//   - Deliver: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Coordinator struct {
	manager   *subscription.Manager
	client    Client
	applier   Applier
	store     *store.Store // nil: nothing is persisted
	clock     *Clock
	ids       RequestIDGenerator
	queue     *messageQueue
	namespace string
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists the manager snapshot and the event log after every
// step.
func WithStore(s *store.Store) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithRequestIDs sets the request id generator. Default: UUIDv7Generator.
func WithRequestIDs(g RequestIDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithClock sets the logical clock. Default: NewClock().
func WithClock(clock *Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithNamespace sets the namespace of tables cleared on reset.
// Default: subscription.DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) {
		c.namespace = ns
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a coordinator for m.
func New(m *subscription.Manager, client Client, applier Applier, opts ...Option) *Coordinator {
	c := &Coordinator{
		manager:   m,
		client:    client,
		applier:   applier,
		clock:     NewClock(),
		ids:       UUIDv7Generator{},
		queue:     newMessageQueue(),
		namespace: subscription.DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manager returns the coordinated manager.
func (c *Coordinator) Manager() *subscription.Manager {
	return c.manager
}

// Clock returns the logical clock.
func (c *Coordinator) Clock() *Clock {
	return c.clock
}

// Subscription is the application's handle on a subscribe call.
type Subscription struct {
	Key    string
	Synced *subscription.Completion
}

// Subscribe syncs shapes under key. An empty key subscribes by content.
//
// A request identical to the latest one under the key sends nothing and
// returns that request's completion. Otherwise the subscribe call is sent;
// if it fails, the attempt is rolled back and the error returned.
func (c *Coordinator) Subscribe(ctx context.Context, shapes []ir.Shape, key string) (Subscription, error) {
	req, err := c.manager.SyncRequested(shapes, key)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscribe: %w", err)
	}

	switch r := req.(type) {
	case *subscription.ExistingRequest:
		return Subscription{Key: r.Key(), Synced: r.Completion()}, nil

	case *subscription.NewRequest:
		requested := c.event(store.EventRequested, r.Key(), r.FullKey())

		reqs := make([]ShapeRequest, len(shapes))
		for i, s := range shapes {
			reqs[i] = ShapeRequest{RequestID: c.ids.Generate(), Shape: s}
		}
		serverID, subErr := c.client.Subscribe(ctx, c.ids.Generate(), reqs)
		r.SetServerID(serverID)

		if subErr != nil {
			r.SyncFailed(subErr)
			failed := c.event(store.EventFailed, r.Key(), r.FullKey(), serverID)
			failed.Detail = subErr.Error()
			if err := c.commit(ctx, requested, failed); err != nil {
				c.logger.Error("persist failed subscription", "key", r.Key(), "error", err)
			}
			return Subscription{}, fmt.Errorf("subscribe %q: %w", r.Key(), subErr)
		}

		accepted := c.event(store.EventAccepted, r.Key(), r.FullKey(), serverID)
		if err := c.commit(ctx, requested, accepted); err != nil {
			return Subscription{}, fmt.Errorf("subscribe %q: %w", r.Key(), err)
		}

		c.logger.Info("subscribed",
			"key", r.Key(),
			"server_id", serverID)
		return Subscription{Key: r.Key(), Synced: r.Completion()}, nil

	default:
		panic(fmt.Sprintf("coordinator: unexpected sync request %T", req))
	}
}

// Unsubscribe removes the active subscriptions of keys.
func (c *Coordinator) Unsubscribe(ctx context.Context, keys []string) error {
	return c.unsubscribeIDs(ctx, c.manager.ServerIDsForKeys(keys))
}

// UnsubscribeShapes removes the unkeyed subscription of shapes.
func (c *Coordinator) UnsubscribeShapes(ctx context.Context, shapes []ir.Shape) error {
	ids, err := c.manager.ServerIDsForShapes(shapes)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return c.unsubscribeIDs(ctx, ids)
}

func (c *Coordinator) unsubscribeIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.Unsubscribe(ctx, ids); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}

	c.manager.UnsubscribeMade(ids)
	if err := c.commit(ctx, c.event(store.EventUnsubscribed, "", "", ids...)); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	c.logger.Debug("unsubscribed", "server_ids", ids)
	return nil
}

// Resume restores the persisted manager state and returns the server ids a
// new connection can continue streaming. The clock moves past the last
// persisted event.
func (c *Coordinator) Resume(ctx context.Context) ([]string, error) {
	if c.store != nil {
		st, ok, err := c.store.LoadSubscriptions(ctx)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		if ok {
			if err := c.manager.Initialize(st); err != nil {
				return nil, fmt.Errorf("resume: %w", err)
			}
		}
		last, err := c.store.LastEventSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		c.clock.advanceTo(last)
	}

	continued := c.manager.ListContinuedSubscriptions()
	if err := c.commit(ctx, c.event(store.EventResumed, "", "", continued...)); err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	c.logger.Info("subscriptions resumed", "continued", len(continued))
	return continued, nil
}

// MakePendingSubscriptions sends the work left over from a previous process:
// first the outstanding unsubscribes, then the subscriptions that never
// received data. Call it after Resume and before new requests.
func (c *Coordinator) MakePendingSubscriptions(ctx context.Context) ([]Subscription, error) {
	actions := c.manager.ListPendingActions()

	if err := c.unsubscribeIDs(ctx, actions.Unsubscribe); err != nil {
		return nil, err
	}

	var (
		subs []Subscription
		errs []error
	)
	for _, p := range actions.Subscribe {
		sub, err := c.Subscribe(ctx, p.Shapes, p.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, errors.Join(errs...)
}

// Reset wipes the subscription state and clears the tables of every
// subscription that had data. With ReestablishSubscribed, the latest
// attempt of each key is kept for MakePendingSubscriptions.
func (c *Coordinator) Reset(ctx context.Context, reestablish bool) ([]ir.QualifiedTablename, error) {
	tables := c.manager.Reset(subscription.ResetOptions{
		ReestablishSubscribed: reestablish,
		DefaultNamespace:      c.namespace,
	})
	if err := c.applier.ClearTables(ctx, tables); err != nil {
		return nil, fmt.Errorf("reset: clear tables: %w", err)
	}
	ev := c.event(store.EventReset, "", "")
	ev.Detail = fmt.Sprintf("tables=%d reestablish=%t", len(tables), reestablish)
	if err := c.commit(ctx, ev); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	c.logger.Warn("subscription state reset", "tables", len(tables), "reestablish", reestablish)
	return tables, nil
}

// Deliver enqueues a server message for Run.
// Returns false if the loop has stopped.
func (c *Coordinator) Deliver(m Message) bool {
	return c.queue.Enqueue(m)
}

// Stop closes the message queue. Run handles what is already queued and
// returns nil.
func (c *Coordinator) Stop() {
	c.queue.Close()
}

// Run handles server messages until ctx is done, Stop is called, or a
// message reveals that the manager and the server have desynchronized.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator starting")

	for {
		m, ok := c.queue.TryDequeue()
		if ok {
			if err := c.handle(ctx, m); err != nil {
				if IsDesyncError(err) {
					c.logger.Error("coordinator stopping", "kind", m.Kind(), "error", err)
					c.queue.Close()
					return err
				}
				c.logger.Error("message failed", "kind", m.Kind(), "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping: context cancelled")
			c.queue.Close()
			return ctx.Err()

		case _, open := <-c.queue.Wait():
			if !open && c.queue.Len() == 0 {
				c.logger.Info("coordinator stopping: queue closed")
				return nil
			}
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, m Message) error {
	switch msg := m.(type) {
	case SubscriptionData:
		return c.handleData(ctx, msg)
	case GoneBatch:
		return c.handleGone(ctx, msg)
	case SubscriptionError:
		return c.handleError(ctx, msg)
	default:
		return fmt.Errorf("unknown message %T", m)
	}
}

func (c *Coordinator) handleData(ctx context.Context, msg SubscriptionData) error {
	afterApply, err := c.manager.DataDelivered(msg.ServerID)
	if err != nil {
		if subscription.IsProtocolError(err) {
			return newDesyncError(msg.Kind(), msg.ServerID, err)
		}
		return err
	}

	if err := c.applier.ApplyData(ctx, msg.ServerID, msg.Rows); err != nil {
		// The second phase runs only once the rows are in place.
		return fmt.Errorf("apply data for %s: %w", msg.ServerID, err)
	}

	toUnsubscribe := afterApply()
	key, _ := c.manager.KeyForServerID(msg.ServerID)
	if err := c.commit(ctx, c.event(store.EventDelivered, key, "", msg.ServerID)); err != nil {
		return err
	}

	if err := c.unsubscribeIDs(ctx, toUnsubscribe); err != nil {
		return fmt.Errorf("unsubscribe superseded: %w", err)
	}
	return nil
}

func (c *Coordinator) handleGone(ctx context.Context, msg GoneBatch) error {
	if err := c.applier.ApplyGone(ctx, msg.ServerIDs, msg.Rows); err != nil {
		return fmt.Errorf("apply gone batch: %w", err)
	}
	c.manager.GoneBatchDelivered(msg.ServerIDs)
	return c.commit(ctx, c.event(store.EventGone, "", "", msg.ServerIDs...))
}

func (c *Coordinator) handleError(ctx context.Context, msg SubscriptionError) error {
	cause := msg.Err
	if cause == nil {
		cause = subscription.ErrSyncFailed
	}
	key, _ := c.manager.KeyForServerID(msg.ServerID)

	// Reject first: the reset below would reject with ErrReset instead.
	rejected := c.manager.SubscriptionErrored(msg.ServerID, cause)
	c.logger.Error("subscription error",
		"key", key,
		"server_id", msg.ServerID,
		"rejected", rejected,
		"error", cause)

	errored := c.event(store.EventErrored, key, "", msg.ServerID)
	errored.Detail = cause.Error()
	if err := c.commit(ctx, errored); err != nil {
		return err
	}

	if _, err := c.Reset(ctx, false); err != nil {
		return fmt.Errorf("reset after subscription error: %w", err)
	}
	return nil
}

// event builds a lifecycle event stamped with the next seq.
func (c *Coordinator) event(kind store.EventKind, key, fullKey string, serverIDs ...string) store.Event {
	ids := []string{}
	for _, id := range serverIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return store.Event{
		Seq:       c.clock.Next(),
		Kind:      kind,
		Key:       key,
		FullKey:   fullKey,
		ServerIDs: ids,
	}
}

// commit persists the manager snapshot with events, if a store is set.
func (c *Coordinator) commit(ctx context.Context, events ...store.Event) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Commit(ctx, c.manager.Serialize(), events...); err != nil {
		return fmt.Errorf("persist subscriptions: %w", err)
	}
	return nil
}
