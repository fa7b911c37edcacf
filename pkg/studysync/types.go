package studysync

import (
	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/events"
	"github.com/studyquest/studysync/internal/netmon"
	"github.com/studyquest/studysync/internal/retry"
)

// Re-exported model types.
type (
	OperationType     = core.OperationType
	MutationQueueItem = core.MutationQueueItem
	RetryQueueItem    = core.RetryQueueItem
	RemoteCall        = core.RemoteCall
	AppSyncStatus     = core.AppSyncStatus
	SyncState         = core.SyncState
	SyncError         = core.SyncError
	IDMapping         = core.IDMapping
	CommittedMutation = core.CommittedMutation
)

// Extension points.
type (
	// KVStore is the local persistent key-value store.
	KVStore = core.KVStore

	// Backend is the remote document store with atomic batches.
	Backend = core.Backend

	// Batch is one atomic set of writes.
	Batch = core.Batch

	// IDRemapper rewrites local references from temporary to permanent ids.
	IDRemapper = core.IDRemapper

	// Publisher receives each successfully committed batch.
	Publisher = events.Publisher

	// ConnectivitySource reports online/offline transitions.
	ConnectivitySource = netmon.Source

	// RetryHandler executes one RemoteCall of a registered kind.
	RetryHandler = retry.Handler
)

const (
	OperationCreate = core.OperationCreate
	OperationUpdate = core.OperationUpdate
	OperationDelete = core.OperationDelete

	SyncStateIdle    = core.SyncStateIdle
	SyncStateSyncing = core.SyncStateSyncing
	SyncStateError   = core.SyncStateError
	SyncStateOffline = core.SyncStateOffline

	CallDocumentSet    = core.CallDocumentSet
	CallDocumentUpdate = core.CallDocumentUpdate
	CallDocumentDelete = core.CallDocumentDelete
	CallEventsPublish  = core.CallEventsPublish
)
