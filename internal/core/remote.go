package core

import (
	"context"
	"errors"
)

// ErrDocumentNotFound is returned when an update targets a document the
// backend does not have. The whole batch fails with it.
var ErrDocumentNotFound = errors.New("document not found")

// VersionField is the document field incremented by every update.
const VersionField = "version"

// TempIDField is the document field that carries the client-side temporary
// identifier of a document created offline.
const TempIDField = "tempId"

// Backend is the narrow remote document store capability the engine needs:
// atomic multi-document batches and server-side id allocation.
type Backend interface {
	// NewBatch starts an empty write batch.
	NewBatch() Batch

	// NewDocumentID allocates a new permanent document id in a collection.
	NewDocumentID(collectionPath string) string

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Batch collects writes that are applied atomically by Commit: either every
// write is applied or none is.
type Batch interface {
	// Set writes the full document, creating it if needed.
	Set(collectionPath, docID string, data map[string]interface{})

	// Update merges patch into an existing document and increments its version.
	Update(collectionPath, docID string, patch map[string]interface{})

	// Delete removes the document. Deleting a missing document succeeds.
	Delete(collectionPath, docID string)

	// Len returns the number of staged writes.
	Len() int

	// Commit applies all staged writes as one atomic unit.
	Commit(ctx context.Context) error
}

// IDRemapper receives temporary to permanent id mappings after a successful
// commit so the owner of local state can rewrite its references.
type IDRemapper interface {
	RemapID(ctx context.Context, mapping IDMapping) error
}
