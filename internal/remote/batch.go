package remote

import (
	"github.com/studyquest/studysync/internal/core"
)

type writeKind int

const (
	writeSet writeKind = iota
	writeUpdate
	writeDelete
)

func (k writeKind) String() string {
	switch k {
	case writeSet:
		return "set"
	case writeUpdate:
		return "update"
	case writeDelete:
		return "delete"
	}
	return "unknown"
}

// write is one staged batch operation.
type write struct {
	kind       writeKind
	collection string
	docID      string
	data       map[string]interface{}
}

// writes collects staged operations; backends embed it in their batch type
// and add Commit.
type writes struct {
	ops []write
}

func (w *writes) Set(collectionPath, docID string, data map[string]interface{}) {
	w.ops = append(w.ops, write{kind: writeSet, collection: collectionPath, docID: docID, data: core.CloneData(data)})
}

func (w *writes) Update(collectionPath, docID string, patch map[string]interface{}) {
	w.ops = append(w.ops, write{kind: writeUpdate, collection: collectionPath, docID: docID, data: core.CloneData(patch)})
}

func (w *writes) Delete(collectionPath, docID string) {
	w.ops = append(w.ops, write{kind: writeDelete, collection: collectionPath, docID: docID})
}

func (w *writes) Len() int {
	return len(w.ops)
}

// withoutVersion strips the backend-managed version field from a payload.
func withoutVersion(data map[string]interface{}) map[string]interface{} {
	if _, ok := data[core.VersionField]; !ok {
		return data
	}
	out := core.CloneData(data)
	delete(out, core.VersionField)
	return out
}
