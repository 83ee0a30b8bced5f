package testutil

import (
	"sync"

	"github.com/roach88/shapesub/internal/subscription"
)

// StatusUpdate is one recorded status notification.
type StatusUpdate struct {
	Key    string              `json:"key"`
	Status subscription.Status `json:"status"`
}

// StatusRecorder collects status notifications. Pass Listen to
// subscription.WithStatusListener.
type StatusRecorder struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

// NewStatusRecorder creates an empty recorder.
func NewStatusRecorder() *StatusRecorder {
	return &StatusRecorder{}
}

// Listen implements subscription.StatusListener.
func (r *StatusRecorder) Listen(key string, status subscription.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, StatusUpdate{Key: key, Status: status})
}

// Updates returns the recorded notifications in order.
func (r *StatusRecorder) Updates() []StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusUpdate(nil), r.updates...)
}

// Reset forgets recorded notifications.
func (r *StatusRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
}
