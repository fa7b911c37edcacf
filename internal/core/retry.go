package core

// Built-in RemoteCall kinds.
const (
	CallDocumentSet    = "document.set"
	CallDocumentUpdate = "document.update"
	CallDocumentDelete = "document.delete"
	CallEventsPublish  = "events.publish"
)

// RemoteCall is a serializable description of a remote operation. Kind selects
// the handler that executes it; the remaining fields are its arguments.
type RemoteCall struct {
	Kind           string                 `json:"kind"`
	CollectionPath string                 `json:"collectionPath,omitempty"`
	EntityID       string                 `json:"entityId,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// RetryQueueItem is a failed remote call awaiting another attempt.
type RetryQueueItem struct {
	ID           string     `json:"id"`
	Attempts     int        `json:"attempts"`
	NextRetryAt  int64      `json:"nextRetryAt"`
	LastError    string     `json:"lastError,omitempty"`
	Call         RemoteCall `json:"operation"`
	ErrorMessage string     `json:"errorMessage"`
	Timestamp    int64      `json:"timestamp"`
}
