package status

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/studysync/internal/core"
)

func TestSubscribe_ReceivesCurrentSnapshotImmediately(t *testing.T) {
	b := NewBroadcaster()
	b.SetPending(3)

	var got []core.AppSyncStatus
	unsubscribe := b.Subscribe(func(s core.AppSyncStatus) { got = append(got, s) })
	defer unsubscribe()

	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].PendingChanges)
	assert.Equal(t, core.SyncStateIdle, got[0].SyncState)
}

func TestPublish_RegistrationOrder(t *testing.T) {
	b := NewBroadcaster()

	var order []string
	b.Subscribe(func(core.AppSyncStatus) { order = append(order, "first") })
	b.Subscribe(func(core.AppSyncStatus) { order = append(order, "second") })
	b.Subscribe(func(core.AppSyncStatus) { order = append(order, "third") })
	order = nil

	b.SetState(core.SyncStateSyncing)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestUnsubscribe_StopsDeliveryAndIsIdempotent(t *testing.T) {
	b := NewBroadcaster()

	calls := 0
	unsubscribe := b.Subscribe(func(core.AppSyncStatus) { calls++ })
	unsubscribe()
	unsubscribe()

	b.SetState(core.SyncStateError)
	assert.Equal(t, 1, calls)
}

func TestPublish_SnapshotsAreImmutableCopies(t *testing.T) {
	b := NewBroadcaster()
	b.RecordError(core.SyncError{ID: "e1", Message: "boom"})

	var captured core.AppSyncStatus
	b.Subscribe(func(s core.AppSyncStatus) { captured = s })

	captured.Errors[0].Message = "mutated"
	captured.PendingChanges = 99

	snap := b.Snapshot()
	assert.Equal(t, "boom", snap.Errors[0].Message)
	assert.Equal(t, 0, snap.PendingChanges)
}

func TestRecordError_RingNewestFirstCappedAtTen(t *testing.T) {
	b := NewBroadcaster()

	for i := 0; i < 15; i++ {
		b.RecordError(core.SyncError{ID: fmt.Sprintf("e%d", i)})
	}

	errs := b.Snapshot().Errors
	require.Len(t, errs, core.MaxStatusErrors)
	assert.Equal(t, "e14", errs[0].ID)
	assert.Equal(t, "e5", errs[len(errs)-1].ID)

	b.ClearErrors()
	assert.Empty(t, b.Snapshot().Errors)
}

func TestMarkSynced(t *testing.T) {
	b := NewBroadcaster()
	b.MarkSynced(1700000000000)
	assert.Equal(t, int64(1700000000000), b.Snapshot().LastSyncTime)
}

func TestListenerMayReadSnapshot(t *testing.T) {
	b := NewBroadcaster()

	var seen []int
	b.Subscribe(func(core.AppSyncStatus) {
		seen = append(seen, b.Snapshot().PendingChanges)
	})
	b.SetPending(4)

	assert.Equal(t, []int{0, 4}, seen)
}

func TestConcurrentUpdates_DeliveredInOrder(t *testing.T) {
	b := NewBroadcaster()

	var (
		mu   sync.Mutex
		last = -1
		ok   = true
	)
	b.Subscribe(func(s core.AppSyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		if s.PendingChanges < last {
			ok = false
		}
		last = s.PendingChanges
	})

	var counter int
	var counterMu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Update(func(s *core.AppSyncStatus) {
				counterMu.Lock()
				counter++
				s.PendingChanges = counter
				counterMu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.True(t, ok, "listener observed an older snapshot after a newer one")
	assert.Equal(t, 50, b.Snapshot().PendingChanges)
}
