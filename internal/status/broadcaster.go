// Package status holds the engine's AppSyncStatus and notifies observers.
package status

import (
	"sync"

	"github.com/studyquest/studysync/internal/core"
)

// Listener receives status snapshots. A listener must not call a Broadcaster
// mutator synchronously; reading Snapshot is fine.
type Listener func(core.AppSyncStatus)

type subscription struct {
	id uint64
	fn Listener
}

// Broadcaster owns one AppSyncStatus and delivers a copy of it to every
// listener, in registration order, after each change.
type Broadcaster struct {
	// deliverMu serializes mutate+deliver so listeners never see an older
	// snapshot after a newer one.
	deliverMu sync.Mutex

	mu        sync.Mutex
	status    core.AppSyncStatus
	listeners []subscription
	nextID    uint64
}

// NewBroadcaster creates a broadcaster in the idle state.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		status: core.AppSyncStatus{
			SyncState: core.SyncStateIdle,
			Errors:    []core.SyncError{},
		},
	}
}

// Subscribe registers listener, calls it immediately with the current
// snapshot and returns a function that unregisters it. The returned function
// is safe to call more than once.
func (b *Broadcaster) Subscribe(listener Listener) func() {
	b.deliverMu.Lock()
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, fn: listener})
	snap := b.status.Clone()
	b.mu.Unlock()

	listener(snap)
	b.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.listeners {
		if s.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Snapshot returns a copy of the current status.
func (b *Broadcaster) Snapshot() core.AppSyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.Clone()
}

// Update applies fn to the status and publishes the result.
func (b *Broadcaster) Update(fn func(*core.AppSyncStatus)) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	fn(&b.status)
	snap := b.status.Clone()
	listeners := make([]subscription, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, s := range listeners {
		s.fn(snap.Clone())
	}
}

// SetState sets the sync state.
func (b *Broadcaster) SetState(state core.SyncState) {
	b.Update(func(s *core.AppSyncStatus) { s.SyncState = state })
}

// SetPending sets the number of pending mutations.
func (b *Broadcaster) SetPending(n int) {
	b.Update(func(s *core.AppSyncStatus) { s.PendingChanges = n })
}

// MarkSynced records a successful commit at unix millisecond time at.
func (b *Broadcaster) MarkSynced(at int64) {
	b.Update(func(s *core.AppSyncStatus) { s.LastSyncTime = at })
}

// RecordError prepends err to the error ring, evicting the oldest entry
// beyond core.MaxStatusErrors.
func (b *Broadcaster) RecordError(err core.SyncError) {
	b.Update(func(s *core.AppSyncStatus) {
		errs := make([]core.SyncError, 0, core.MaxStatusErrors)
		errs = append(errs, err)
		for _, e := range s.Errors {
			if len(errs) == core.MaxStatusErrors {
				break
			}
			errs = append(errs, e)
		}
		s.Errors = errs
	})
}

// ClearErrors empties the error ring.
func (b *Broadcaster) ClearErrors() {
	b.Update(func(s *core.AppSyncStatus) { s.Errors = []core.SyncError{} })
}
