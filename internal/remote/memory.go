package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/registry"
)

// ErrUnreachable is returned by MemoryBackend while it is marked unreachable.
var ErrUnreachable = errors.New("backend unreachable")

// Document is a stored document and its version.
type Document struct {
	Data    map[string]interface{}
	Version int64
}

// MemoryBackend is an in-process backend with the same atomic batch
// semantics as the database backends. Failures can be injected for tests
// and demos.
type MemoryBackend struct {
	mu        sync.Mutex
	docs      map[string]*Document
	failures  []error
	hook      func(ctx context.Context) error
	reachable bool
	attempts  int
	applied   int
	newID     func() string
}

// NewMemoryBackend creates an empty, reachable backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:      make(map[string]*Document),
		reachable: true,
		newID:     idgen.Generate,
	}
}

// SetIDGenerator replaces the permanent id allocator.
func (m *MemoryBackend) SetIDGenerator(fn func() string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newID = fn
}

// FailNext makes the next len(errs) commits fail with the given errors.
func (m *MemoryBackend) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetCommitHook installs fn to run at the start of every commit, outside the
// backend lock. A non-nil error fails the commit.
func (m *MemoryBackend) SetCommitHook(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// SetReachable controls the result of Ping and Commit.
func (m *MemoryBackend) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// CommitAttempts returns the number of Commit calls so far.
func (m *MemoryBackend) CommitAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// AppliedCommits returns the number of commits that were applied.
func (m *MemoryBackend) AppliedCommits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// Get returns a copy of a stored document.
func (m *MemoryBackend) Get(collectionPath, docID string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[core.MutationKey(collectionPath, docID)]
	if !ok {
		return Document{}, false
	}
	return Document{Data: core.CloneData(doc.Data), Version: doc.Version}, true
}

// Count returns the number of stored documents.
func (m *MemoryBackend) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// NewDocumentID allocates a new UUIDv7 document id.
func (m *MemoryBackend) NewDocumentID(collectionPath string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newID()
}

// NewBatch starts an empty batch.
func (m *MemoryBackend) NewBatch() core.Batch {
	return &memoryBatch{backend: m}
}

// Ping fails while the backend is marked unreachable.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return ErrUnreachable
	}
	return nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}

type memoryBatch struct {
	writes
	backend *MemoryBackend
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	m := b.backend

	m.mu.Lock()
	m.attempts++
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reachable {
		return ErrUnreachable
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}

	// Apply to a staged view first so a failing write leaves nothing behind.
	staged := make(map[string]*Document)
	deleted := make(map[string]bool)
	lookup := func(key string) *Document {
		if doc, ok := staged[key]; ok {
			return doc
		}
		if deleted[key] {
			return nil
		}
		return m.docs[key]
	}

	for _, w := range b.ops {
		key := core.MutationKey(w.collection, w.docID)
		cur := lookup(key)
		switch w.kind {
		case writeSet:
			version := int64(1)
			if cur != nil {
				version = cur.Version + 1
			}
			data := core.CloneData(withoutVersion(w.data))
			if data == nil {
				data = make(map[string]interface{})
			}
			data[core.VersionField] = version
			staged[key] = &Document{Data: data, Version: version}
			delete(deleted, key)
		case writeUpdate:
			if cur == nil {
				return fmt.Errorf("%w: %s", core.ErrDocumentNotFound, key)
			}
			data := core.CloneData(cur.Data)
			for k, v := range withoutVersion(w.data) {
				data[k] = v
			}
			version := cur.Version + 1
			data[core.VersionField] = version
			staged[key] = &Document{Data: data, Version: version}
		case writeDelete:
			delete(staged, key)
			deleted[key] = true
		}
	}

	for key := range deleted {
		delete(m.docs, key)
	}
	for key, doc := range staged {
		m.docs[key] = doc
	}
	m.applied++
	return nil
}

// MemoryBackendFactory creates in-memory backends.
type MemoryBackendFactory struct{}

func (f *MemoryBackendFactory) Type() string {
	return "memory"
}

func (f *MemoryBackendFactory) Validate(config registry.InternalRemoteConfig) error {
	if config.Type != "memory" {
		return fmt.Errorf("invalid type for memory factory: %s", config.Type)
	}
	return nil
}

func (f *MemoryBackendFactory) Create(ctx context.Context, config registry.InternalRemoteConfig) (core.Backend, error) {
	return NewMemoryBackend(), nil
}

func init() {
	RegisterFactory(&MemoryBackendFactory{})
}
