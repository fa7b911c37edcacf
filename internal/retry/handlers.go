package retry

import (
	"context"
	"fmt"

	"github.com/studyquest/studysync/internal/core"
)

// RegisterDocumentHandlers binds the document.* call kinds to single-write
// atomic commits against backend.
func RegisterDocumentHandlers(q *Queue, backend core.Backend) {
	q.Register(core.CallDocumentSet, func(ctx context.Context, call core.RemoteCall) error {
		if err := validateDocumentCall(call); err != nil {
			return err
		}
		b := backend.NewBatch()
		b.Set(call.CollectionPath, call.EntityID, call.Data)
		return b.Commit(ctx)
	})
	q.Register(core.CallDocumentUpdate, func(ctx context.Context, call core.RemoteCall) error {
		if err := validateDocumentCall(call); err != nil {
			return err
		}
		b := backend.NewBatch()
		b.Update(call.CollectionPath, call.EntityID, call.Data)
		return b.Commit(ctx)
	})
	q.Register(core.CallDocumentDelete, func(ctx context.Context, call core.RemoteCall) error {
		if err := validateDocumentCall(call); err != nil {
			return err
		}
		b := backend.NewBatch()
		b.Delete(call.CollectionPath, call.EntityID)
		return b.Commit(ctx)
	})
}

func validateDocumentCall(call core.RemoteCall) error {
	if call.CollectionPath == "" || call.EntityID == "" {
		return fmt.Errorf("%w: %s needs collectionPath and entityId", ErrInvalidCall, call.Kind)
	}
	return nil
}
