package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates ids "<prefix>-1", "<prefix>-2", ...
//
// Unlike coordinator.FixedGenerator it never runs out, which suits tests
// that do not care how many requests are made.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "req".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "req"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
