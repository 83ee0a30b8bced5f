package subscription

import (
	"context"
	"sync/atomic"
)

// Completion is a single-settlement handle for one subscription attempt.
//
// It settles successfully when the attempt's data has landed and nothing it
// superseded is still present, or with an error when the attempt was
// abandoned. A completion that is never settled stays pending forever;
// Wait takes a context for that reason.
//
// Thread-safety: all methods are safe for concurrent use.
type Completion struct {
	settled atomic.Bool
	done    chan struct{}
	err     error // written once before done is closed
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolvedCompletion returns a completion that already settled successfully.
func resolvedCompletion() *Completion {
	c := newCompletion()
	c.settle(nil)
	return c
}

// settle records the outcome. Settling twice is a bookkeeping bug and panics.
func (c *Completion) settle(err error) {
	if !c.settled.CompareAndSwap(false, true) {
		panic("subscription: completion settled twice")
	}
	c.err = err
	close(c.done)
}

func (c *Completion) resolve() { c.settle(nil) }

func (c *Completion) reject(err error) { c.settle(err) }

// Done returns a channel that is closed once the completion settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether the completion has settled.
func (c *Completion) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the rejection reason. It is nil while the completion is
// pending and after a successful settlement.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion settles or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ledger holds the pending completion of each attempt, by full key.
type ledger map[string]*Completion

// take removes and returns the completion for fullKey, or nil.
func (l ledger) take(fullKey string) *Completion {
	c := l[fullKey]
	delete(l, fullKey)
	return c
}

// rejectAll rejects every pending completion and empties the ledger.
func (l ledger) rejectAll(err error) {
	for fullKey, c := range l {
		c.reject(err)
		delete(l, fullKey)
	}
}
