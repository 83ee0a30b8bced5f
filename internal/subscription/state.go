package subscription

import (
	"fmt"
	"sort"

	"github.com/roach88/shapesub/internal/ir"
)

// DefaultNamespace qualifies table names when ResetOptions leaves it empty.
const DefaultNamespace = "main"

// State is the persisted form of a manager.
//
// Known, Active and Unfulfilled are keyed like the manager's indices.
// Attempts that were still in flight are saved in Unfulfilled, never in
// Active, so a restored manager requests them again.
type State struct {
	Known        map[string]Record `json:"known"`
	Unfulfilled  map[string]string `json:"unfulfilled"`
	Active       map[string]string `json:"active"`
	Unsubscribes []string          `json:"unsubscribes"`
}

// PendingSubscribe is a subscription to request again after a restart.
type PendingSubscribe struct {
	Key    string     `json:"key"`
	Shapes []ir.Shape `json:"shapes"`
}

// PendingActions is the work left over from a previous process.
type PendingActions struct {
	Subscribe   []PendingSubscribe `json:"subscribe"`
	Unsubscribe []string           `json:"unsubscribe"`
}

// ResetOptions configures Reset.
type ResetOptions struct {
	// ReestablishSubscribed keeps the latest attempt of every key as
	// unfulfilled, so it is requested again on the next connection.
	ReestablishSubscribed bool

	// DefaultNamespace qualifies the returned table names.
	// Default: DefaultNamespace.
	DefaultNamespace string
}

// Serialize returns a deep copy of the manager's state.
func (m *Manager) Serialize() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Known:        make(map[string]Record, len(m.store.known)),
		Unfulfilled:  make(map[string]string, len(m.store.unfulfilled)+len(m.store.requested)),
		Active:       make(map[string]string, len(m.store.active)),
		Unsubscribes: make([]string, 0, len(m.store.incompleteUnsubs)),
	}
	for fullKey, rec := range m.store.known {
		st.Known[fullKey] = rec.clone()
	}
	for key, fullKey := range m.store.unfulfilled {
		st.Unfulfilled[key] = fullKey
	}
	for key, fullKey := range m.store.requested {
		st.Unfulfilled[key] = fullKey
	}
	for key, fullKey := range m.store.active {
		st.Active[key] = fullKey
	}
	for id := range m.store.incompleteUnsubs {
		st.Unsubscribes = append(st.Unsubscribes, id)
	}
	sort.Strings(st.Unsubscribes)
	return st
}

// Initialize replaces the manager's state with st. The server id index is
// rebuilt from the known records; nothing is requested afterwards, and
// completions pending before the call are rejected with ErrReset.
//
// A snapshot that references unknown full keys, or binds one server id to
// two records, is rejected and leaves the manager unchanged.
func (m *Manager) Initialize(st State) error {
	next := newSubscriptionStore()

	for fullKey, rec := range st.Known {
		if rec.FullKey != fullKey {
			return fmt.Errorf("%w: record %q is stored under %q", ErrInvalidState, rec.FullKey, fullKey)
		}
		r := rec.clone()
		next.known[fullKey] = &r
		if r.ServerID == "" {
			continue
		}
		if other, ok := next.serverIDs[r.ServerID]; ok {
			return fmt.Errorf("%w: server id %q bound to %q and %q", ErrInvalidState, r.ServerID, other, fullKey)
		}
		next.serverIDs[r.ServerID] = fullKey
	}

	for _, index := range []struct {
		name string
		src  map[string]string
		dst  map[string]string
	}{
		{"active", st.Active, next.active},
		{"unfulfilled", st.Unfulfilled, next.unfulfilled},
	} {
		for key, fullKey := range index.src {
			if _, ok := next.known[fullKey]; !ok {
				return fmt.Errorf("%w: %s[%q] references unknown %q", ErrInvalidState, index.name, key, fullKey)
			}
			if _, k := SplitFullKey(fullKey); k != key {
				return fmt.Errorf("%w: %s[%q] references %q of another key", ErrInvalidState, index.name, key, fullKey)
			}
			index.dst[key] = fullKey
		}
	}

	for _, rec := range next.known {
		kept := rec.OvershadowsFullKeys[:0]
		for _, fk := range rec.OvershadowsFullKeys {
			if _, ok := next.known[fk]; ok {
				kept = append(kept, fk)
				continue
			}
			m.logger.Warn("dropping unknown full key from overshadow chain",
				"full_key", rec.FullKey,
				"missing", fk)
		}
		rec.OvershadowsFullKeys = kept
	}

	for _, id := range st.Unsubscribes {
		if id != "" {
			next.incompleteUnsubs[id] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending.rejectAll(ErrReset)
	m.store = next

	m.logger.Info("subscription state initialized",
		"known", len(next.known),
		"active", len(next.active),
		"unfulfilled", len(next.unfulfilled),
		"unsubscribes", len(next.incompleteUnsubs))
	return nil
}

// Reset wipes the manager's state and returns the tables touched by every
// attempt that was not in flight, so the caller can clear them.
//
// With ReestablishSubscribed, the latest attempt of each key (requested over
// active over unfulfilled) is kept as unfulfilled, without its server id and
// without an overshadow chain.
func (m *Manager) Reset(opts ResetOptions) []ir.QualifiedTablename {
	namespace := opts.DefaultNamespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inFlight := make(map[string]struct{}, len(m.store.requested))
	for _, fullKey := range m.store.requested {
		inFlight[fullKey] = struct{}{}
	}
	fullKeys := make([]string, 0, len(m.store.known))
	for fullKey := range m.store.known {
		if _, ok := inFlight[fullKey]; !ok {
			fullKeys = append(fullKeys, fullKey)
		}
	}
	sort.Strings(fullKeys)
	var shapes []ir.Shape
	for _, fullKey := range fullKeys {
		shapes = append(shapes, m.store.known[fullKey].Shapes...)
	}
	tables := ir.TableNames(shapes, namespace)

	next := newSubscriptionStore()
	if opts.ReestablishSubscribed {
		latest := make(map[string]string, len(m.store.unfulfilled)+len(m.store.active)+len(m.store.requested))
		for key, fullKey := range m.store.unfulfilled {
			latest[key] = fullKey
		}
		for key, fullKey := range m.store.active {
			latest[key] = fullKey
		}
		for key, fullKey := range m.store.requested {
			latest[key] = fullKey
		}
		for key, fullKey := range latest {
			rec := m.store.known[fullKey].clone()
			rec.ServerID = ""
			rec.OvershadowsFullKeys = []string{}
			next.known[fullKey] = &rec
			next.unfulfilled[key] = fullKey
		}
	}

	m.pending.rejectAll(ErrReset)
	m.store = next

	m.logger.Info("subscription state reset",
		"reestablish", opts.ReestablishSubscribed,
		"unfulfilled", len(next.unfulfilled),
		"tables", len(tables))
	return tables
}

// ListPendingActions returns the work a restored manager still has to do:
// keys to subscribe again, ordered by key, and server ids to unsubscribe,
// sorted. Call it after Initialize and before any new request.
func (m *Manager) ListPendingActions() PendingActions {
	m.mu.Lock()
	defer m.mu.Unlock()

	actions := PendingActions{
		Subscribe:   []PendingSubscribe{},
		Unsubscribe: []string{},
	}
	for _, key := range sortedKeys(m.store.unfulfilled) {
		rec := m.store.known[m.store.unfulfilled[key]]
		actions.Subscribe = append(actions.Subscribe, PendingSubscribe{
			Key:    key,
			Shapes: append([]ir.Shape(nil), rec.Shapes...),
		})
	}

	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		actions.Unsubscribe = append(actions.Unsubscribe, id)
	}
	for _, key := range sortedKeys(m.store.active) {
		for _, fk := range m.store.known[m.store.active[key]].OvershadowsFullKeys {
			if rec, ok := m.store.known[fk]; ok {
				add(rec.ServerID)
			}
		}
	}
	for id := range m.store.incompleteUnsubs {
		add(id)
	}
	sort.Strings(actions.Unsubscribe)
	return actions
}

// ListContinuedSubscriptions returns the server ids of active attempts,
// ordered by key. A new connection can resume streaming them.
func (m *Manager) ListContinuedSubscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := []string{}
	for _, key := range sortedKeys(m.store.active) {
		if rec := m.store.known[m.store.active[key]]; rec.ServerID != "" {
			ids = append(ids, rec.ServerID)
		}
	}
	return ids
}
