package subscription

import (
	"strings"

	"github.com/roach88/shapesub/internal/ir"
)

// Record is one remembered subscription attempt.
//
// OvershadowsFullKeys lists the full keys of earlier attempts under the same
// key that this one supersedes, most recent first. The list only shrinks
// after creation, as superseded attempts are confirmed gone.
//
// An empty ServerID means the server has not accepted the attempt yet.
type Record struct {
	Shapes              []ir.Shape `json:"shapes"`
	ShapeHash           string     `json:"shape_hash"`
	FullKey             string     `json:"full_key"`
	OvershadowsFullKeys []string   `json:"overshadows_full_keys"`
	ServerID            string     `json:"server_id,omitempty"`
}

// Key returns the caller-facing key of the record.
func (r Record) Key() string {
	_, key := SplitFullKey(r.FullKey)
	return key
}

// clone returns a deep copy. The chain is never nil so that it serializes
// as an empty list.
func (r Record) clone() Record {
	out := r
	out.Shapes = append([]ir.Shape(nil), r.Shapes...)
	out.OvershadowsFullKeys = append([]string{}, r.OvershadowsFullKeys...)
	return out
}

// MakeFullKey joins a shape hash and a key into the identity of one attempt.
func MakeFullKey(shapeHash, key string) string {
	return shapeHash + ":" + key
}

// SplitFullKey splits a full key at its first ':'. Shape hashes never
// contain ':' while keys may.
func SplitFullKey(fullKey string) (shapeHash, key string) {
	shapeHash, key, _ = strings.Cut(fullKey, ":")
	return shapeHash, key
}

// SyncRequest is the result of SyncRequested.
// This is a sealed interface: only *ExistingRequest and *NewRequest
// implement it. Callers switch on the concrete type.
type SyncRequest interface {
	// Key is the slot the request was made for. It equals the shape hash
	// when no key was given.
	Key() string

	// Completion settles once the attempt's data has arrived and every
	// attempt it superseded was confirmed gone.
	Completion() *Completion

	syncRequest()
}

// ExistingRequest is returned when the latest attempt under the key already
// has the same shapes. No network work is implied.
type ExistingRequest struct {
	key        string
	completion *Completion
}

func (*ExistingRequest) syncRequest() {}

// Key implements SyncRequest.
func (r *ExistingRequest) Key() string { return r.key }

// Completion implements SyncRequest. It is the completion of the attempt
// that is already in flight, or an already settled one.
func (r *ExistingRequest) Completion() *Completion { return r.completion }

// NewRequest is returned when SyncRequested registered a new attempt. The
// caller must send the subscribe request and report its outcome through
// SetServerID and SyncFailed.
type NewRequest struct {
	key        string
	fullKey    string
	completion *Completion
	manager    *Manager

	// guarded by manager.mu
	notified bool
}

func (*NewRequest) syncRequest() {}

// Key implements SyncRequest.
func (r *NewRequest) Key() string { return r.key }

// FullKey identifies this attempt.
func (r *NewRequest) FullKey() string { return r.fullKey }

// Completion implements SyncRequest.
func (r *NewRequest) Completion() *Completion { return r.completion }

// SetServerID records the id the server assigned to the attempt. The first
// id wins; later calls keep it. The first call emits a status notification.
func (r *NewRequest) SetServerID(id string) {
	r.manager.setServerID(r, id)
}

// SyncFailed abandons the attempt and rejects its completion with err. If
// the attempt superseded an older one that may still arrive, the key falls
// back to that older attempt.
func (r *NewRequest) SyncFailed(err error) {
	r.manager.syncFailed(r, err)
}
