package subscription

// SyncState is the coarse state of a key.
type SyncState string

const (
	// StateUnsubscribed: never subscribed, or fully torn down.
	StateUnsubscribed SyncState = "unsubscribed"

	// StateEstablishing: an attempt is receiving data, or an active attempt
	// is waiting for the attempts it superseded to be removed.
	StateEstablishing SyncState = "establishing"

	// StateActive: data is present and nothing is pending.
	StateActive SyncState = "active"

	// StateCancelling: an unsubscribe was sent and not yet confirmed.
	StateCancelling SyncState = "cancelling"
)

// Progress refines StateEstablishing.
type Progress string

const (
	// ProgressReceivingData: the server accepted the attempt and its
	// initial data has not landed yet.
	ProgressReceivingData Progress = "receiving_data"

	// ProgressRemovingData: the data landed and superseded attempts are
	// still being torn down.
	ProgressRemovingData Progress = "removing_data"
)

// Status is the sync status of one key.
type Status struct {
	State       SyncState `json:"status"`
	Progress    Progress  `json:"progress,omitempty"`
	ServerID    string    `json:"server_id,omitempty"`
	OldServerID string    `json:"old_server_id,omitempty"`
}

// status derives the status of key. First match wins:
//  1. requested attempt with a server id next to an active one
//  2. requested attempt with a server id
//  3. active attempt with a non-empty overshadow chain
//  4. active attempt whose server id is being unsubscribed
//  5. active attempt
//
// A requested attempt without a server id is not visible yet.
func (s *subscriptionStore) status(key string) Status {
	active := s.lookup(s.active, key)
	requested := s.lookup(s.requested, key)

	switch {
	case requested != nil && requested.ServerID != "" && active != nil:
		return Status{
			State:       StateEstablishing,
			Progress:    ProgressReceivingData,
			ServerID:    requested.ServerID,
			OldServerID: active.ServerID,
		}
	case requested != nil && requested.ServerID != "":
		return Status{
			State:    StateEstablishing,
			Progress: ProgressReceivingData,
			ServerID: requested.ServerID,
		}
	case active != nil && len(active.OvershadowsFullKeys) > 0:
		return Status{
			State:    StateEstablishing,
			Progress: ProgressRemovingData,
			ServerID: active.ServerID,
		}
	case active != nil && s.unsubscribing(active.ServerID):
		return Status{State: StateCancelling, ServerID: active.ServerID}
	case active != nil:
		return Status{State: StateActive, ServerID: active.ServerID}
	default:
		return Status{State: StateUnsubscribed}
	}
}

func (s *subscriptionStore) unsubscribing(serverID string) bool {
	if serverID == "" {
		return false
	}
	_, ok := s.incompleteUnsubs[serverID]
	return ok
}
