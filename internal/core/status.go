package core

// SyncState is the coarse state of the synchronization engine.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateError   SyncState = "error"
	SyncStateOffline SyncState = "offline"
)

// MaxStatusErrors bounds AppSyncStatus.Errors.
const MaxStatusErrors = 10

// SyncError is a user-visible record of a failed synchronization step.
type SyncError struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// AppSyncStatus is the snapshot handed to status listeners.
type AppSyncStatus struct {
	// LastSyncTime is the unix millisecond time of the last successful commit, 0 if none.
	LastSyncTime   int64       `json:"lastSyncTime"`
	PendingChanges int         `json:"pendingChanges"`
	SyncState      SyncState   `json:"syncState"`
	Errors         []SyncError `json:"errors"`
}

// Clone returns a copy that shares no mutable state with s.
func (s AppSyncStatus) Clone() AppSyncStatus {
	c := s
	c.Errors = make([]SyncError, len(s.Errors))
	copy(c.Errors, s.Errors)
	return c
}
