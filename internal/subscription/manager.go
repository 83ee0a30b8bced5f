package subscription

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/shapesub/internal/ir"
)

// Hasher computes the content identity of a shape set. It must be
// deterministic and ignore the order of the top-level list.
type Hasher interface {
	Hash(shapes []ir.Shape) (string, error)
}

// HasherFunc adapts a function to the Hasher interface.
type HasherFunc func(shapes []ir.Shape) (string, error)

// Hash implements Hasher.
func (f HasherFunc) Hash(shapes []ir.Shape) (string, error) { return f(shapes) }

// StatusListener is told about status changes of a key.
//
// It is called after the manager released its lock, so it may call back
// into the manager. Notifications from one operation are delivered in
// order, on the goroutine that performed the operation.
type StatusListener func(key string, status Status)

// Manager is the shape subscription manager.
//
// Every operation runs to completion under one mutex, so concurrent callers
// are linearized. The manager never performs I/O and never blocks.
type Manager struct {
	mu       sync.Mutex
	store    *subscriptionStore
	pending  ledger
	hasher   Hasher
	listener StatusListener
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStatusListener registers a listener for status changes.
func WithStatusListener(fn StatusListener) Option {
	return func(m *Manager) {
		m.listener = fn
	}
}

// WithHasher replaces the shape hasher. Default: ir.ShapeHash.
func WithHasher(h Hasher) Option {
	return func(m *Manager) {
		m.hasher = h
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		store:   newSubscriptionStore(),
		pending: make(ledger),
		hasher:  HasherFunc(ir.ShapeHash),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m
}

// notification is a status change collected under the lock and delivered
// after it is released.
type notification struct {
	key    string
	status Status
}

// notify records the current status of key for delivery.
func (m *Manager) notify(notes []notification, key string) []notification {
	if m.listener == nil {
		return notes
	}
	return append(notes, notification{key: key, status: m.store.status(key)})
}

// emit delivers notifications. Must be called without holding m.mu.
func (m *Manager) emit(notes []notification) {
	for _, n := range notes {
		m.listener(n.key, n.status)
	}
}

// HashShapes returns the shape hash the manager uses for shapes.
func (m *Manager) HashShapes(shapes []ir.Shape) (string, error) {
	h, err := m.hasher.Hash(shapes)
	if err != nil {
		return "", fmt.Errorf("hash shapes: %w", err)
	}
	return h, nil
}

// SyncRequested registers the intent to sync shapes under key. An empty key
// defaults to the shape hash, so unkeyed requests dedupe purely by content.
//
// If the latest attempt under the key has the same shape hash, the result is
// an *ExistingRequest carrying that attempt's completion. Otherwise a new
// attempt is recorded, superseding the latest one, and the result is a
// *NewRequest. Two calls with identical shapes and key while the first is
// outstanding return the same completion.
func (m *Manager) SyncRequested(shapes []ir.Shape, key string) (SyncRequest, error) {
	shapeHash, err := m.HashShapes(shapes)
	if err != nil {
		return nil, fmt.Errorf("SyncRequested: %w", err)
	}
	if key == "" {
		key = shapeHash
	}
	fullKey := MakeFullKey(shapeHash, key)

	m.mu.Lock()
	defer m.mu.Unlock()

	latest := m.store.latestSubscription(key)
	if latest != nil && latest.ShapeHash == shapeHash {
		c, ok := m.pending[latest.FullKey]
		if !ok {
			c = resolvedCompletion()
		}
		m.logger.Debug("sync request deduplicated",
			"key", key,
			"full_key", latest.FullKey,
			"settled", c.Settled())
		return &ExistingRequest{key: key, completion: c}, nil
	}

	chain := []string{}
	if latest != nil {
		chain = append([]string{latest.FullKey}, latest.OvershadowsFullKeys...)
	}

	if prior, ok := m.store.known[fullKey]; ok {
		switch {
		case m.store.unfulfilled[key] == fullKey:
			// An unfulfilled attempt requested again after a restart.
			m.store.remove(fullKey)
		case prior.ServerID != "":
			// Same content requested again while its old server
			// subscription may still hold rows. The old attempt moves to a
			// retired full key and stays in the chain until its GONE batch.
			retired := m.retire(prior)
			for i, fk := range chain {
				if fk == fullKey {
					chain[i] = retired
				}
			}
			m.logger.Warn("sync request retires a superseded attempt",
				"key", key,
				"full_key", fullKey,
				"retired_full_key", retired,
				"server_id", prior.ServerID)
		default:
			m.logger.Warn("sync request replaces a superseded attempt",
				"key", key,
				"full_key", fullKey)
			chain = dropFromChain(chain, fullKey)
			m.store.remove(fullKey)
		}
		if m.store.active[key] == fullKey {
			delete(m.store.active, key)
		}
		if old := m.pending.take(fullKey); old != nil {
			old.reject(ErrSuperseded)
		}
	}

	// A different attempt left over from a restart is dropped with its
	// record; nothing else refers to it.
	if stale, ok := m.store.unfulfilled[key]; ok && stale != fullKey {
		m.store.remove(stale)
		if old := m.pending.take(stale); old != nil {
			old.reject(ErrSuperseded)
		}
	}

	m.store.known[fullKey] = &Record{
		Shapes:              append([]ir.Shape(nil), shapes...),
		ShapeHash:           shapeHash,
		FullKey:             fullKey,
		OvershadowsFullKeys: chain,
	}
	m.store.requested[key] = fullKey
	delete(m.store.unfulfilled, key)

	c := newCompletion()
	m.pending[fullKey] = c

	m.logger.Debug("sync requested",
		"key", key,
		"full_key", fullKey,
		"overshadows", len(chain))

	return &NewRequest{
		key:        key,
		fullKey:    fullKey,
		completion: c,
		manager:    m,
	}, nil
}

func (m *Manager) setServerID(r *NewRequest, id string) {
	m.mu.Lock()
	var notes []notification

	rec, ok := m.store.known[r.fullKey]
	switch {
	case !ok:
		m.logger.Debug("server id for a forgotten attempt ignored",
			"full_key", r.fullKey,
			"server_id", id)
	case id == "":
		m.logger.Debug("empty server id ignored", "full_key", r.fullKey)
	default:
		if rec.ServerID == "" {
			rec.ServerID = id
		}
		m.store.serverIDs[rec.ServerID] = r.fullKey
		if !r.notified {
			r.notified = true
			notes = m.notify(notes, r.key)
		}
	}

	m.mu.Unlock()
	m.emit(notes)
}

func (m *Manager) syncFailed(r *NewRequest, err error) {
	if err == nil {
		err = ErrSyncFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.pending.take(r.fullKey); c != nil {
		c.reject(err)
	}

	rec, ok := m.store.known[r.fullKey]
	if !ok {
		return
	}

	key := r.key
	var shadowed string
	if len(rec.OvershadowsFullKeys) > 0 {
		shadowed = rec.OvershadowsFullKeys[0]
	}
	_, shadowedKnown := m.store.known[shadowed]

	switch {
	case shadowed != "" && shadowedKnown &&
		m.store.requested[key] == r.fullKey &&
		m.store.active[key] != shadowed:
		// The attempt this one superseded may still arrive.
		m.store.requested[key] = shadowed
	case m.store.requested[key] == r.fullKey:
		delete(m.store.requested, key)
	}
	if m.store.active[key] == r.fullKey {
		delete(m.store.active, key)
	}

	m.store.remove(r.fullKey)
	m.releaseWaiting(r.fullKey)

	m.logger.Debug("sync failed",
		"key", key,
		"full_key", r.fullKey,
		"requested", m.store.requested[key],
		"error", err)
}

// retire moves a record that holds a server id to a full key of its own,
// derived from that server id, and rewrites every index and chain that
// pointed at it. The retired key splits to the same key as the original.
func (m *Manager) retire(rec *Record) string {
	old := rec.FullKey
	_, key := SplitFullKey(old)
	retired := MakeFullKey(fmt.Sprintf("%s~%x", rec.ShapeHash, rec.ServerID), key)

	delete(m.store.known, old)
	rec.FullKey = retired
	m.store.known[retired] = rec
	m.store.serverIDs[rec.ServerID] = retired
	if m.store.active[key] == old {
		m.store.active[key] = retired
	}
	for _, other := range m.store.waitingForUnsub(old) {
		for i, fk := range other.OvershadowsFullKeys {
			if fk == old {
				other.OvershadowsFullKeys[i] = retired
			}
		}
	}
	return retired
}

// releaseWaiting drops a removed full key from every chain that still holds
// it and settles active attempts whose chain became empty.
func (m *Manager) releaseWaiting(fullKey string) {
	for _, rec := range m.store.waitingForUnsub(fullKey) {
		rec.OvershadowsFullKeys = dropFromChain(rec.OvershadowsFullKeys, fullKey)
		if len(rec.OvershadowsFullKeys) > 0 || m.store.active[rec.Key()] != rec.FullKey {
			continue
		}
		if c := m.pending.take(rec.FullKey); c != nil {
			c.resolve()
		}
		m.logger.Debug("superseded attempts removed",
			"key", rec.Key(),
			"full_key", rec.FullKey)
	}
}

// DataDelivered marks the initial data for serverID as landed and moves its
// key from requested to active. It returns a second-phase callback for the
// caller to invoke once the rows are applied locally:
//   - if the attempt superseded nothing, the callback settles its completion
//     and returns an empty list;
//   - otherwise the callback returns the server ids of the superseded
//     attempts still present, which the caller must unsubscribe. The
//     completion settles in GoneBatchDelivered.
//
// An unknown serverID is a protocol error.
func (m *Manager) DataDelivered(serverID string) (func() []string, error) {
	m.mu.Lock()

	rec, ok := m.store.byServerID(serverID)
	if !ok {
		m.mu.Unlock()
		return nil, newUnknownSubscriptionError("DataDelivered", serverID)
	}

	key := rec.Key()
	fullKey := rec.FullKey
	if m.store.requested[key] == fullKey {
		delete(m.store.requested, key)
	}
	m.store.active[key] = fullKey

	m.logger.Debug("data delivered",
		"key", key,
		"full_key", fullKey,
		"server_id", serverID,
		"overshadows", len(rec.OvershadowsFullKeys))

	if len(rec.OvershadowsFullKeys) == 0 {
		notes := m.notify(nil, key)
		c := m.pending[fullKey]
		m.mu.Unlock()
		m.emit(notes)

		return func() []string {
			m.mu.Lock()
			owned := c != nil && m.pending[fullKey] == c
			if owned {
				delete(m.pending, fullKey)
			}
			m.mu.Unlock()
			if owned {
				c.resolve()
			}
			return []string{}
		}, nil
	}

	ids := make([]string, 0, len(rec.OvershadowsFullKeys))
	for _, fk := range rec.OvershadowsFullKeys {
		if old, ok := m.store.known[fk]; ok && old.ServerID != "" {
			ids = append(ids, old.ServerID)
		}
	}
	m.mu.Unlock()

	return func() []string { return ids }, nil
}

// UnsubscribeMade marks server ids as torn down on request but not yet
// confirmed, and emits a notification for each affected key.
func (m *Manager) UnsubscribeMade(serverIDs []string) {
	m.mu.Lock()
	var notes []notification
	for _, id := range serverIDs {
		if id == "" {
			continue
		}
		m.store.incompleteUnsubs[id] = struct{}{}
		if rec, ok := m.store.byServerID(id); ok {
			notes = m.notify(notes, rec.Key())
		}
	}
	m.logger.Debug("unsubscribe made", "server_ids", serverIDs)
	m.mu.Unlock()
	m.emit(notes)
}

// GoneBatchDelivered confirms that the server removed the data of the given
// server ids. Each record is forgotten, and attempts that were waiting only
// for it settle their completion. Unknown ids are skipped.
func (m *Manager) GoneBatchDelivered(serverIDs []string) {
	m.mu.Lock()
	var notes []notification
	for _, id := range serverIDs {
		rec, ok := m.store.byServerID(id)
		if !ok {
			delete(m.store.incompleteUnsubs, id)
			m.logger.Warn("gone batch for an unknown subscription", "server_id", id)
			continue
		}

		key := rec.Key()
		fullKey := rec.FullKey
		m.store.remove(fullKey)
		for _, index := range []map[string]string{m.store.active, m.store.requested, m.store.unfulfilled} {
			if index[key] == fullKey {
				delete(index, key)
			}
		}
		if c := m.pending.take(fullKey); c != nil {
			c.reject(ErrUnsubscribed)
		}
		m.releaseWaiting(fullKey)

		m.logger.Debug("gone batch delivered",
			"key", key,
			"full_key", fullKey,
			"server_id", id)
		notes = m.notify(notes, key)
	}
	m.mu.Unlock()
	m.emit(notes)
}

// Status returns the sync status of key. It never mutates state.
func (m *Manager) Status(key string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.status(key)
}

// SubscriptionErrored rejects the pending completion of the attempt bound to
// serverID after the server reported that the subscription failed. It
// returns false when there is nothing to reject.
func (m *Manager) SubscriptionErrored(serverID string, err error) bool {
	if err == nil {
		err = ErrSyncFailed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fullKey, ok := m.store.serverIDs[serverID]
	if !ok {
		return false
	}
	c := m.pending.take(fullKey)
	if c == nil {
		return false
	}
	c.reject(err)
	m.logger.Debug("subscription errored",
		"full_key", fullKey,
		"server_id", serverID,
		"error", err)
	return true
}

// ServerIDsForKeys returns the server ids of the active attempts of keys,
// in the order of keys. Keys without an active attempt are skipped.
func (m *Manager) ServerIDsForKeys(keys []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := []string{}
	for _, key := range keys {
		if rec := m.store.lookup(m.store.active, key); rec != nil && rec.ServerID != "" {
			ids = append(ids, rec.ServerID)
		}
	}
	return ids
}

// ServerIDsForShapes returns the server id of the unkeyed attempt for
// shapes, if the server accepted one.
func (m *Manager) ServerIDsForShapes(shapes []ir.Shape) ([]string, error) {
	shapeHash, err := m.HashShapes(shapes)
	if err != nil {
		return nil, fmt.Errorf("ServerIDsForShapes: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.store.known[MakeFullKey(shapeHash, shapeHash)]
	if !ok || rec.ServerID == "" {
		return []string{}, nil
	}
	return []string{rec.ServerID}, nil
}

// KeyForServerID returns the key an accepted attempt was made for.
func (m *Manager) KeyForServerID(serverID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.store.byServerID(serverID)
	if !ok {
		return "", false
	}
	return rec.Key(), true
}
