package studysync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/studysync/internal/events"
	"github.com/studyquest/studysync/internal/kvstore"
	"github.com/studyquest/studysync/internal/netmon"
	"github.com/studyquest/studysync/internal/remote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingRemapper struct {
	mu       sync.Mutex
	mappings []IDMapping
}

func (r *recordingRemapper) RemapID(ctx context.Context, m IDMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append(r.mappings, m)
	return nil
}

func (r *recordingRemapper) Mappings() []IDMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]IDMapping(nil), r.mappings...)
}

type fixture struct {
	store     *kvstore.MemoryKVStore
	backend   *remote.MemoryBackend
	source    *netmon.ManualSource
	publisher *events.MemoryPublisher
	remapper  *recordingRemapper
	clock     *fakeClock
}

func newFixture(online bool) *fixture {
	return &fixture{
		store:     kvstore.NewMemoryKVStore(),
		backend:   remote.NewMemoryBackend(),
		source:    netmon.NewManualSource(online),
		publisher: events.NewMemoryPublisher(),
		remapper:  &recordingRemapper{},
		clock:     &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
	}
}

func (f *fixture) open(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sync.RedrainDelay = 10 * time.Millisecond

	e, err := New(context.Background(), cfg,
		WithLocalStore(f.store),
		WithBackend(f.backend),
		WithConnectivity(f.source),
		WithPublisher(f.publisher),
		WithIDRemapper(f.remapper),
		WithClock(f.clock.Now),
		WithRetryJitter(func(time.Duration) time.Duration { return 0 }),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_EnqueueCommitsWhenOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	e := f.open(t)

	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "temp-1", map[string]interface{}{"title": "Read chapter 4"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := e.Status()
		return st.LastSyncTime != 0 && st.SyncState == SyncStateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, e.PendingMutations())

	require.Len(t, f.remapper.Mappings(), 1)
	m := f.remapper.Mappings()[0]
	assert.Equal(t, "temp-1", m.TemporaryID)
	assert.Equal(t, m.PermanentID, e.ResolveID("tasks", "temp-1"))

	doc, ok := f.backend.Get("tasks", m.PermanentID)
	require.True(t, ok)
	assert.Equal(t, "temp-1", doc.Data["tempId"])
	assert.Equal(t, "Read chapter 4", doc.Data["title"])

	st := e.Status()
	assert.Equal(t, 0, st.PendingChanges)
	assert.Equal(t, f.clock.Now().UnixMilli(), st.LastSyncTime)

	require.Eventually(t, func() bool { return len(f.publisher.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, m.PermanentID, f.publisher.Batches()[0][0].EntityID)
}

func TestEngine_OfflineThenReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	e := f.open(t)
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "t-1", map[string]interface{}{"title": "A"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, OperationUpdate, "tasks", "t-1", map[string]interface{}{"done": true})
	require.NoError(t, err)

	st := e.Status()
	assert.Equal(t, SyncStateOffline, st.SyncState)
	assert.Equal(t, 1, st.PendingChanges)
	assert.Zero(t, f.backend.CommitAttempts(), "nothing is sent while offline")

	require.NoError(t, e.SetOnline(true))
	require.Eventually(t, func() bool { return f.backend.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.Status().PendingChanges == 0 }, time.Second, 5*time.Millisecond)

	doc, ok := f.backend.Get("tasks", "t-1")
	require.True(t, ok)
	assert.Equal(t, true, doc.Data["done"])
	assert.Equal(t, "A", doc.Data["title"])
	assert.Equal(t, 1, f.backend.AppliedCommits())

	require.NoError(t, e.SetOnline(false))
	require.Eventually(t, func() bool { return e.Status().SyncState == SyncStateOffline }, time.Second, 5*time.Millisecond)
}

func TestEngine_SetOnlineWithoutStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	e := f.open(t)

	_, err := e.Enqueue(ctx, OperationDelete, "tasks", "t-3", nil)
	require.NoError(t, err)
	assert.Equal(t, SyncStateOffline, e.Status().SyncState)

	require.NoError(t, e.SetOnline(true))
	require.Eventually(t, func() bool { return len(e.PendingMutations()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.IsOnline())
}

func TestEngine_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)

	first := f.open(t)
	_, err := first.Enqueue(ctx, OperationCreate, "tasks", "temp-1", map[string]interface{}{"title": "New"})
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, OperationUpdate, "tasks", "t-9", map[string]interface{}{"title": "Edited"})
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, OperationDelete, "tasks", "t-3", nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := f.open(t)
	items := second.PendingMutations()
	require.Len(t, items, 3)
	assert.Equal(t, OperationCreate, items[0].Operation)
	assert.Equal(t, "temp-1", items[0].EntityID)
	assert.Equal(t, OperationUpdate, items[1].Operation)
	assert.Equal(t, "t-9", items[1].EntityID)
	assert.Equal(t, OperationDelete, items[2].Operation)
	assert.Equal(t, "t-3", items[2].EntityID)
	assert.Equal(t, 3, second.Status().PendingChanges)
}

func TestEngine_PublishFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	f.publisher.FailNext(errors.New("broker down"))
	e := f.open(t)

	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "t-1", map[string]interface{}{"title": "A"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.PendingRetries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	retries := e.PendingRetries()
	assert.Equal(t, CallEventsPublish, retries[0].Call.Kind)
	assert.Contains(t, retries[0].ErrorMessage, "broker down")
	assert.Empty(t, f.publisher.Batches())

	f.clock.Advance(2 * time.Second)
	require.NoError(t, e.ProcessRetries(ctx))

	assert.Empty(t, e.PendingRetries())
	require.Len(t, f.publisher.Batches(), 1)
	assert.Equal(t, "t-1", f.publisher.Batches()[0][0].EntityID)
}

func TestEngine_CommitFailureIsRetriedByRedrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	f.backend.FailNext(errors.New("unavailable"))
	e := f.open(t)

	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "t-1", map[string]interface{}{"title": "A"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.backend.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.backend.CommitAttempts())

	st := e.Status()
	require.Len(t, st.Errors, 1)
	assert.True(t, st.Errors[0].Retryable)
	assert.Equal(t, "failed to commit 1 mutations: unavailable", st.Errors[0].Message)
}

func TestEngine_CustomRetryHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	e := f.open(t)

	var calls []RemoteCall
	e.RegisterRetryHandler("notes.reindex", func(ctx context.Context, call RemoteCall) error {
		calls = append(calls, call)
		return nil
	})

	id, err := e.Schedule(ctx, RemoteCall{Kind: "notes.reindex", CollectionPath: "notes", EntityID: "n-1"}, "index unavailable")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := e.Status()
	require.Len(t, st.Errors, 1)
	assert.True(t, st.Errors[0].Retryable)
	assert.Equal(t, "index unavailable", st.Errors[0].Message)

	require.NoError(t, e.ProcessRetries(ctx))
	assert.Empty(t, calls, "not due yet")

	f.clock.Advance(time.Second)
	require.NoError(t, e.ProcessRetries(ctx))
	require.Len(t, calls, 1)
	assert.Equal(t, "n-1", calls[0].EntityID)
	assert.Empty(t, e.PendingRetries())

	_, err = e.Schedule(ctx, RemoteCall{}, "no kind")
	assert.ErrorIs(t, err, ErrInvalidCall)
}

func TestEngine_Subscribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	e := f.open(t)

	var mu sync.Mutex
	var seen []AppSyncStatus
	unsubscribe := e.Subscribe(func(s AppSyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	mu.Lock()
	require.Len(t, seen, 1, "listener is called immediately")
	assert.Equal(t, SyncStateOffline, seen[0].SyncState)
	mu.Unlock()

	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "t-1", nil)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, seen[len(seen)-1].PendingChanges)
	n := len(seen)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	_, err = e.Enqueue(ctx, OperationCreate, "tasks", "t-2", nil)
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, seen, n)
	mu.Unlock()
}

func TestEngine_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	e := newFixture(false).open(t)

	_, err := e.Enqueue(ctx, OperationType("upsert"), "tasks", "t-1", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = e.Enqueue(ctx, OperationCreate, "", "t-1", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = e.Enqueue(ctx, OperationCreate, "tasks", "", nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	assert.Empty(t, e.PendingMutations())
}

func TestEngine_SetOnlineRequiresManualSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.Mode = "probe"

	e, err := New(context.Background(), cfg,
		WithLocalStore(kvstore.NewMemoryKVStore()),
		WithBackend(remote.NewMemoryBackend()),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	defer e.Close()

	assert.ErrorIs(t, e.SetOnline(false), ErrNotManual)
}

func TestEngine_Close(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	e := f.open(t)
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "t-1", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.ProcessQueue(ctx), ErrClosed)
	assert.ErrorIs(t, e.Start(ctx), ErrClosed)

	// Caller-supplied resources stay usable.
	require.NoError(t, f.store.Set(ctx, "k", "v"))
}

func TestEngine_CloseWaitsForRedrainPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	f.backend.SetCommitHook(func(context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("unavailable")
		case 2:
			close(started)
			<-release
		}
		return nil
	})

	e := f.open(t)
	_, err := e.Enqueue(ctx, OperationCreate, "tasks", "temp-1", map[string]interface{}{"title": "Read"})
	require.NoError(t, err)

	// The first pass fails; the redrain pass blocks inside Commit.
	<-started

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a pass was committing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the pass finished")
	}
	require.Equal(t, 1, f.backend.Count())

	// The committed create is not replayed after a restart.
	reopened := f.open(t)
	assert.Empty(t, reopened.PendingMutations())
	assert.NotEqual(t, "temp-1", reopened.ResolveID("tasks", "temp-1"))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.Type = "carrier-pigeon"

	_, err := New(context.Background(), cfg, WithLocalStore(kvstore.NewMemoryKVStore()), WithLogger(zerolog.Nop()))
	assert.ErrorContains(t, err, "unsupported remote type: carrier-pigeon")
}

func TestIdentifiers(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.NotEqual(t, a, b)
	assert.False(t, IsTemporaryID(a))

	tmp := GenerateTemporaryID()
	assert.True(t, IsTemporaryID(tmp))
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Storage.Bolt.Path = filepath.Join(t.TempDir(), "state.db")
	cfg.Network.StartOnline = false

	e, err := New(ctx, cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, OperationCreate, "tasks", "temp-1", map[string]interface{}{"title": "A"})
	require.NoError(t, err)
	_, err = e.Schedule(ctx, RemoteCall{Kind: CallDocumentDelete, CollectionPath: "tasks", EntityID: "t-2"}, "timeout")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	state, err := Inspect(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, state.Mutations, 1)
	assert.Equal(t, "temp-1", state.Mutations[0].EntityID)
	require.Len(t, state.Retries, 1)
	assert.Equal(t, CallDocumentDelete, state.Retries[0].Call.Kind)
}
