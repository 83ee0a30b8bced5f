package subscription

import (
	"slices"
	"sort"
)

// subscriptionStore is the in-memory record table and its indices.
// It holds no lock; the Manager serializes access.
type subscriptionStore struct {
	// known maps full key to record. Source of truth.
	known map[string]*Record

	// requested maps key to the full key of the attempt in flight.
	requested map[string]string

	// active maps key to the full key of the attempt that received data.
	active map[string]string

	// unfulfilled maps key to the full key of an attempt that was in
	// flight when the state was saved and must be requested again.
	unfulfilled map[string]string

	// serverIDs maps server id to full key.
	serverIDs map[string]string

	// incompleteUnsubs holds server ids whose teardown was requested but
	// not yet confirmed.
	incompleteUnsubs map[string]struct{}
}

func newSubscriptionStore() *subscriptionStore {
	return &subscriptionStore{
		known:            make(map[string]*Record),
		requested:        make(map[string]string),
		active:           make(map[string]string),
		unfulfilled:      make(map[string]string),
		serverIDs:        make(map[string]string),
		incompleteUnsubs: make(map[string]struct{}),
	}
}

// lookup returns the record a key index points at, or nil.
func (s *subscriptionStore) lookup(index map[string]string, key string) *Record {
	fullKey, ok := index[key]
	if !ok {
		return nil
	}
	return s.known[fullKey]
}

// latestSubscription returns the most recent attempt for key: the requested
// one if any, the active one otherwise.
func (s *subscriptionStore) latestSubscription(key string) *Record {
	if rec := s.lookup(s.requested, key); rec != nil {
		return rec
	}
	return s.lookup(s.active, key)
}

// waitingForUnsub returns the records whose overshadow chain still
// contains fullKey, ordered by full key.
func (s *subscriptionStore) waitingForUnsub(fullKey string) []*Record {
	var out []*Record
	for _, rec := range s.known {
		if slices.Contains(rec.OvershadowsFullKeys, fullKey) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullKey < out[j].FullKey })
	return out
}

// byServerID returns the record bound to a server id.
func (s *subscriptionStore) byServerID(id string) (*Record, bool) {
	fullKey, ok := s.serverIDs[id]
	if !ok {
		return nil, false
	}
	rec, ok := s.known[fullKey]
	return rec, ok
}

// remove deletes a record and its server id binding. Key indices are left
// to the caller.
func (s *subscriptionStore) remove(fullKey string) *Record {
	rec, ok := s.known[fullKey]
	if !ok {
		return nil
	}
	delete(s.known, fullKey)
	if rec.ServerID != "" && s.serverIDs[rec.ServerID] == fullKey {
		delete(s.serverIDs, rec.ServerID)
		delete(s.incompleteUnsubs, rec.ServerID)
	}
	return rec
}

// sortedKeys returns the keys of an index in ascending order.
func sortedKeys(index map[string]string) []string {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dropFromChain removes fullKey from a chain, keeping the order of the rest.
func dropFromChain(chain []string, fullKey string) []string {
	return slices.DeleteFunc(chain, func(fk string) bool { return fk == fullKey })
}
