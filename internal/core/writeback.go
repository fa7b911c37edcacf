package core

// OperationType represents the type of a queued mutation.
type OperationType string

const (
	// OperationCreate creates a new document.
	OperationCreate OperationType = "create"

	// OperationUpdate applies a partial patch to an existing document.
	OperationUpdate OperationType = "update"

	// OperationDelete removes a document.
	OperationDelete OperationType = "delete"
)

// Valid reports whether op is one of the known operation types.
func (op OperationType) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// MutationQueueItem is a single pending local mutation waiting to be
// committed to the remote backend. At most one item exists per
// (CollectionPath, EntityID) pair.
type MutationQueueItem struct {
	// ID identifies the queue entry itself, not the entity.
	ID string `json:"id"`

	Operation      OperationType          `json:"operation"`
	CollectionPath string                 `json:"collectionPath"`
	EntityID       string                 `json:"entityId"`
	Data           map[string]interface{} `json:"data,omitempty"`

	// Timestamp is the unix millisecond time of the latest enqueue for this key.
	Timestamp int64 `json:"timestamp"`

	// Attempts counts commit attempts. It never decreases while the item is queued.
	Attempts int `json:"attempts"`

	// LastAttempt is the unix millisecond time of the most recent commit attempt.
	LastAttempt *int64 `json:"lastAttempt,omitempty"`
}

// Key returns the coalescing key of the item.
func (m *MutationQueueItem) Key() string {
	return MutationKey(m.CollectionPath, m.EntityID)
}

// Clone returns a deep copy of the item.
func (m *MutationQueueItem) Clone() *MutationQueueItem {
	c := *m
	c.Data = CloneData(m.Data)
	if m.LastAttempt != nil {
		v := *m.LastAttempt
		c.LastAttempt = &v
	}
	return &c
}

// MutationKey builds the coalescing key for a collection path and entity id.
func MutationKey(collectionPath, entityID string) string {
	return collectionPath + "/" + entityID
}

// CloneData returns a shallow copy of a document payload. Nested values are
// shared; payloads are treated as immutable once enqueued.
func CloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// CommittedMutation describes a mutation that reached the remote backend.
type CommittedMutation struct {
	Operation      OperationType          `json:"operation"`
	CollectionPath string                 `json:"collectionPath"`
	EntityID       string                 `json:"entityId"`
	TemporaryID    string                 `json:"tempId,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	CommittedAt    int64                  `json:"committedAt"`
}

// IDMapping records that a temporary identifier was replaced by a permanent one.
type IDMapping struct {
	CollectionPath string `json:"collectionPath"`
	TemporaryID    string `json:"tempId"`
	PermanentID    string `json:"permanentId"`
}
