package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/shapesub/internal/coordinator"
)

// SubscribeCall records one Subscribe call.
type SubscribeCall struct {
	SubscriptionID string
	Shapes         []coordinator.ShapeRequest
}

// FakeClient is a scripted wire client. Subscribe hands out server ids
// "sub-1", "sub-2", ... unless an error was queued with FailNext.
type FakeClient struct {
	mu           sync.Mutex
	next         int
	failures     []error
	unsubErr     error
	subscribes   []SubscribeCall
	unsubscribes [][]string
}

// NewFakeClient creates a client that accepts every request.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// FailNext makes the next Subscribe call return err together with a
// server id, the way a server rejects a shape after assigning an id.
func (c *FakeClient) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

// FailUnsubscribe makes every Unsubscribe call return err. Nil restores
// success.
func (c *FakeClient) FailUnsubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubErr = err
}

// Subscribe implements coordinator.Client.
func (c *FakeClient) Subscribe(_ context.Context, subscriptionID string, shapes []coordinator.ShapeRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	c.subscribes = append(c.subscribes, SubscribeCall{
		SubscriptionID: subscriptionID,
		Shapes:         append([]coordinator.ShapeRequest(nil), shapes...),
	})
	id := fmt.Sprintf("sub-%d", c.next)

	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return id, err
	}
	return id, nil
}

// Unsubscribe implements coordinator.Client.
func (c *FakeClient) Unsubscribe(_ context.Context, serverIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsubErr != nil {
		return c.unsubErr
	}
	c.unsubscribes = append(c.unsubscribes, append([]string(nil), serverIDs...))
	return nil
}

// Subscribes returns the recorded Subscribe calls.
func (c *FakeClient) Subscribes() []SubscribeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SubscribeCall(nil), c.subscribes...)
}

// Unsubscribes returns the server ids of each successful Unsubscribe call.
func (c *FakeClient) Unsubscribes() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.unsubscribes...)
}
