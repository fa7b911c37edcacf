// Package writeback implements the mutation queue: the ordered, coalescing
// list of local mutations waiting to be committed to the remote backend.
package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
)

const (
	// DefaultStorageKey is the local store key holding the serialized queue.
	DefaultStorageKey = "studysync:mutation-queue"

	// DefaultIDMapKey is the local store key holding committed temp id mappings.
	DefaultIDMapKey = "studysync:id-map"

	// DefaultIDMapRetention is how long a committed temp id mapping is kept
	// for rewriting late enqueues.
	DefaultIDMapRetention = 7 * 24 * time.Hour
)

var (
	// ErrInvalidOperation is returned when a mutation is malformed.
	ErrInvalidOperation = errors.New("invalid mutation")

	// ErrPersistFailed wraps local store write failures. The in-memory queue
	// is still updated when it is returned.
	ErrPersistFailed = errors.New("failed to persist mutation queue")
)

// Options configures a Queue.
type Options struct {
	Store      core.KVStore
	StorageKey string
	IDMapKey   string

	// IDMapRetention bounds the age of temp id mappings. Zero means
	// DefaultIDMapRetention.
	IDMapRetention time.Duration

	Now    func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

type entry struct {
	item *core.MutationQueueItem
	// rev changes whenever the entry's content is replaced by a later enqueue.
	rev uint64
	// claimed is set while the entry is part of a commit in flight.
	claimed bool
	// cancelsCreate marks a delete that replaced an in-flight temp id create.
	// It is dropped if that create fails and committed if it lands.
	cancelsCreate bool
}

// mappedID is a committed temp id mapping.
type mappedID struct {
	ID       string `json:"id"`
	MappedAt int64  `json:"mappedAt"`
}

// Claimed is a queue item handed to the committer together with the revision
// it was claimed at.
type Claimed struct {
	Item *core.MutationQueueItem
	Rev  uint64
}

// Queue holds at most one pending mutation per (collectionPath, entityId).
// It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	index   map[string]*entry
	idMap   map[string]mappedID
	nextRev uint64

	persistMu sync.Mutex
	notifyMu  sync.Mutex

	store      core.KVStore
	storageKey string
	idMapKey   string
	retention  time.Duration
	now        func() time.Time
	newID      func() string
	log        zerolog.Logger

	onChange func(pending int)
}

// New creates an empty queue. Call Load to restore persisted contents.
func New(opts Options) *Queue {
	if opts.StorageKey == "" {
		opts.StorageKey = DefaultStorageKey
	}
	if opts.IDMapKey == "" {
		opts.IDMapKey = DefaultIDMapKey
	}
	if opts.IDMapRetention <= 0 {
		opts.IDMapRetention = DefaultIDMapRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Generate
	}

	return &Queue{
		index:      make(map[string]*entry),
		idMap:      make(map[string]mappedID),
		store:      opts.Store,
		storageKey: opts.StorageKey,
		idMapKey:   opts.IDMapKey,
		retention:  opts.IDMapRetention,
		now:        opts.Now,
		newID:      opts.NewID,
		log:        opts.Logger.With().Str("component", "writeback").Logger(),
	}
}

// OnChange registers fn to be called with the queue length after every
// change. It must be set before the queue is shared.
func (q *Queue) OnChange(fn func(pending int)) {
	q.onChange = fn
}

// Enqueue records a mutation. A mutation against a key that is already
// queued updates that item in place: operation, data and timestamp are
// replaced and the attempt count is kept. Two refinements apply:
//   - a queued create absorbs a later update and stays a create, with the
//     update's fields merged over the create's data;
//   - a queued create on a temporary id followed by a delete removes the
//     item, since the entity never reached the backend. If the create is
//     already being committed the item becomes a delete instead, and is
//     settled by Release once the outcome of that commit is known.
//
// Enqueues against a temporary id that has already been committed are
// rewritten to the permanent id. The returned item is a copy, or nil when
// the mutation cancelled a pending create.
func (q *Queue) Enqueue(ctx context.Context, op core.OperationType, collectionPath, entityID string, data map[string]interface{}) (*core.MutationQueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidOperation, op)
	}
	if collectionPath == "" {
		return nil, fmt.Errorf("%w: collection path is required", ErrInvalidOperation)
	}
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", ErrInvalidOperation)
	}

	nowMs := q.now().UnixMilli()
	data = core.CloneData(data)

	q.mu.Lock()
	if perm, ok := q.idMap[core.MutationKey(collectionPath, entityID)]; ok {
		entityID = perm.ID
	}
	key := core.MutationKey(collectionPath, entityID)

	var result *core.MutationQueueItem
	if e, ok := q.index[key]; ok {
		switch {
		case e.item.Operation == core.OperationCreate && op == core.OperationUpdate:
			merged := core.CloneData(e.item.Data)
			if merged == nil {
				merged = make(map[string]interface{}, len(data))
			}
			for k, v := range data {
				merged[k] = v
			}
			e.item.Data = merged
		case e.item.Operation == core.OperationCreate && op == core.OperationDelete && idgen.IsTemporary(entityID) && !e.claimed:
			q.removeLocked(key)
			e = nil
		case e.item.Operation == core.OperationCreate && op == core.OperationDelete && idgen.IsTemporary(entityID):
			e.item.Operation = op
			e.item.Data = nil
			e.cancelsCreate = true
		default:
			e.item.Operation = op
			e.item.Data = data
			e.cancelsCreate = false
		}
		if e != nil {
			e.item.Timestamp = nowMs
			q.nextRev++
			e.rev = q.nextRev
			result = e.item.Clone()
		}
	} else {
		q.nextRev++
		e := &entry{
			item: &core.MutationQueueItem{
				ID:             q.newID(),
				Operation:      op,
				CollectionPath: collectionPath,
				EntityID:       entityID,
				Data:           data,
				Timestamp:      nowMs,
			},
			rev: q.nextRev,
		}
		q.entries = append(q.entries, e)
		q.index[key] = e
		result = e.item.Clone()
	}
	q.mu.Unlock()

	q.notify()

	if err := q.Persist(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// Claim increments the attempt count of up to n of the oldest items, stamps
// their last attempt time and returns copies of them. Each claimed item must
// be passed to Remove or Release once its commit has finished.
func (q *Queue) Claim(n int) []Claimed {
	nowMs := q.now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Claimed, 0, n)
	for _, e := range q.entries[:n] {
		e.item.Attempts++
		e.claimed = true
		at := nowMs
		e.item.LastAttempt = &at
		out = append(out, Claimed{Item: e.item.Clone(), Rev: e.rev})
	}
	return out
}

// Remove deletes the item under key if it is still at revision rev. It
// reports whether the item was removed; a later enqueue for the same key
// changes the revision and keeps the newer intent queued.
func (q *Queue) Remove(key string, rev uint64) bool {
	q.mu.Lock()
	e, ok := q.index[key]
	if !ok || e.rev != rev {
		q.mu.Unlock()
		return false
	}
	q.removeLocked(key)
	q.mu.Unlock()

	q.notify()
	return true
}

// Release ends the claim on the item under key that was not removed after
// its commit. committed reports whether the claimed version reached the
// backend. A delete that replaced an in-flight create is dropped when the
// create failed, since there is nothing left to delete.
func (q *Queue) Release(key string, committed bool) {
	q.mu.Lock()
	e, ok := q.index[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	e.claimed = false
	if !e.cancelsCreate {
		q.mu.Unlock()
		return
	}
	e.cancelsCreate = false
	if committed {
		q.mu.Unlock()
		return
	}
	q.removeLocked(key)
	q.mu.Unlock()

	q.notify()
}

func (q *Queue) removeLocked(key string) {
	e, ok := q.index[key]
	if !ok {
		return
	}
	delete(q.index, key)
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}

// Remap records that tempID in collectionPath is now permID. A queued item
// still keyed by the temporary id is rekeyed; if it is a create it becomes
// an update since the document now exists.
func (q *Queue) Remap(mapping core.IDMapping) {
	nowMs := q.now().UnixMilli()

	q.mu.Lock()
	defer q.mu.Unlock()

	tempKey := core.MutationKey(mapping.CollectionPath, mapping.TemporaryID)
	permKey := core.MutationKey(mapping.CollectionPath, mapping.PermanentID)
	q.idMap[tempKey] = mappedID{ID: mapping.PermanentID, MappedAt: nowMs}

	e, ok := q.index[tempKey]
	if !ok {
		return
	}
	if _, taken := q.index[permKey]; taken {
		q.log.Warn().
			Str("collection", mapping.CollectionPath).
			Str("temp_id", mapping.TemporaryID).
			Msg("permanent id already queued, dropping temporary entry")
		q.removeLocked(tempKey)
		return
	}

	delete(q.index, tempKey)
	e.item.EntityID = mapping.PermanentID
	if e.item.Operation == core.OperationCreate {
		e.item.Operation = core.OperationUpdate
	}
	q.index[permKey] = e
}

// ResolveID returns the permanent id for a committed temporary id, or id itself.
func (q *Queue) ResolveID(collectionPath, id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if perm, ok := q.idMap[core.MutationKey(collectionPath, id)]; ok {
		return perm.ID
	}
	return id
}

// MappedIDs returns the number of retained temp id mappings.
func (q *Queue) MappedIDs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.idMap)
}

// pruneIDMapLocked forgets mappings older than the retention period.
func (q *Queue) pruneIDMapLocked() {
	cutoff := q.now().Add(-q.retention).UnixMilli()
	for key, m := range q.idMap {
		if m.MappedAt < cutoff {
			delete(q.idMap, key)
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Items returns copies of the queued items, oldest first.
func (q *Queue) Items() []*core.MutationQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*core.MutationQueueItem, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.item.Clone()
	}
	return out
}

// Persist writes the queue and the id map to the local store.
func (q *Queue) Persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	q.pruneIDMapLocked()
	items := make([]*core.MutationQueueItem, len(q.entries))
	for i, e := range q.entries {
		items[i] = e.item
	}
	queueData, err := json.Marshal(items)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	idMapData, err := json.Marshal(q.idMap)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	if err := q.store.Set(ctx, q.storageKey, string(queueData)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := q.store.Set(ctx, q.idMapKey, string(idMapData)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

// Load replaces the in-memory queue with the persisted one. A missing or
// unreadable document yields an empty queue; only store failures are
// returned as errors.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	var items []*core.MutationQueueItem
	raw, err := q.store.Get(ctx, q.storageKey)
	switch {
	case errors.Is(err, core.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("failed to load mutation queue: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			q.log.Error().Err(err).Msg("persisted mutation queue is corrupt, starting empty")
			items = nil
		}
	}

	idMap := make(map[string]mappedID)
	rawMap, err := q.store.Get(ctx, q.idMapKey)
	switch {
	case errors.Is(err, core.ErrKeyNotFound):
	case err != nil:
		return fmt.Errorf("failed to load id map: %w", err)
	default:
		if err := json.Unmarshal([]byte(rawMap), &idMap); err != nil {
			q.log.Error().Err(err).Msg("persisted id map is corrupt, starting empty")
			idMap = make(map[string]mappedID)
		}
	}

	q.mu.Lock()
	q.entries = q.entries[:0]
	q.index = make(map[string]*entry, len(items))
	q.idMap = idMap
	q.pruneIDMapLocked()
	for _, item := range items {
		if item == nil || !item.Operation.Valid() {
			continue
		}
		key := item.Key()
		if existing, dup := q.index[key]; dup {
			// Keep the later intent and the higher attempt count.
			if existing.item.Attempts > item.Attempts {
				item.Attempts = existing.item.Attempts
			}
			existing.item = item
			continue
		}
		q.nextRev++
		e := &entry{item: item, rev: q.nextRev}
		q.entries = append(q.entries, e)
		q.index[key] = e
	}
	pending := len(q.entries)
	q.mu.Unlock()

	q.log.Info().Int("pending", pending).Msg("mutation queue loaded")
	q.notify()
	return nil
}

// notify publishes the current length. Reading it under notifyMu keeps the
// last published value equal to the latest length.
func (q *Queue) notify() {
	if q.onChange == nil {
		return
	}
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()
	q.onChange(q.Len())
}
