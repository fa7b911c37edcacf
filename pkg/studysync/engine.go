// Package studysync is an offline-first synchronization engine. Local
// mutations are queued, persisted and committed to a remote document backend
// in atomic batches whenever connectivity allows; failed one-off remote calls
// are retried with exponential backoff.
package studysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/client"
	"github.com/studyquest/studysync/internal/commit"
	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/events"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/logging"
	"github.com/studyquest/studysync/internal/netmon"
	"github.com/studyquest/studysync/internal/registry"
	"github.com/studyquest/studysync/internal/retry"
	"github.com/studyquest/studysync/internal/status"
	"github.com/studyquest/studysync/internal/writeback"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine is closed")

	// ErrNotManual is returned by SetOnline when connectivity is probed.
	ErrNotManual = errors.New("connectivity source cannot be set manually")

	// ErrInvalidOperation is returned by Enqueue for malformed mutations.
	ErrInvalidOperation = writeback.ErrInvalidOperation

	// ErrInvalidCall is returned by Schedule for a call without a kind.
	ErrInvalidCall = retry.ErrInvalidCall
)

// Engine owns the queues, the status and the background timers of one
// synchronization context. All methods are safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	started bool
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cfg       *registry.InternalConfig
	res       *client.Resources
	status    *status.Broadcaster
	queue     *writeback.Queue
	retries   *retry.Queue
	committer *commit.Committer
	monitor   *netmon.Monitor
	now       func() time.Time
	log       zerolog.Logger
}

// New opens the configured resources and restores the persisted mutation
// and retry queues. A nil cfg uses DefaultConfig. Background processing
// starts with Start.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	icfg, err := client.LoadConfig(&configProvider{config: cfg})
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if o.logger != nil {
		logger = *o.logger
	} else {
		logger = logging.New(icfg.Logging, nil)
	}
	if o.now == nil {
		o.now = time.Now
	}

	res, err := client.Open(ctx, icfg, client.Overrides{
		Store:     o.store,
		Backend:   o.backend,
		Publisher: o.publisher,
		Source:    o.source,
	}, logger)
	if err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		baseCtx: baseCtx,
		cancel:  cancel,
		cfg:     icfg,
		res:     res,
		status:  status.NewBroadcaster(),
		now:     o.now,
		log:     logger.With().Str("component", "engine").Logger(),
	}

	keys := storageKeysFor(icfg.Storage.KeyPrefix)

	e.queue = writeback.New(writeback.Options{
		Store:          res.Store,
		StorageKey:     keys.mutations,
		IDMapKey:       keys.idMap,
		IDMapRetention: icfg.Sync.IDMapRetention,
		Now:            o.now,
		Logger:         logger,
	})
	e.queue.OnChange(e.status.SetPending)

	e.retries = retry.New(retry.Options{
		Config: retry.Config{
			MaxAttempts: icfg.Sync.MaxRetryAttempts,
			BaseBackoff: icfg.Sync.RetryBaseBackoff,
			MaxJitter:   icfg.Sync.RetryMaxJitter,
		},
		Store:      res.Store,
		StorageKey: keys.retries,
		Errors:     e.status,
		Now:        o.now,
		Jitter:     o.jitter,
		Logger:     logger,
	})
	retry.RegisterDocumentHandlers(e.retries, res.Backend)

	var onCommitted func(context.Context, []core.CommittedMutation)
	if res.Publisher != nil {
		events.RegisterRetryHandler(e.retries, res.Publisher)
		onCommitted = e.publish
	}

	e.committer = commit.New(commit.Options{
		Config: commit.Config{
			BatchSize:        icfg.Sync.BatchSize,
			MaxRetryAttempts: icfg.Sync.MaxRetryAttempts,
			RedrainDelay:     icfg.Sync.RedrainDelay,
			CommitRate:       icfg.Sync.CommitRate,
		},
		Queue:       e.queue,
		Backend:     res.Backend,
		Status:      e.status,
		Online:      res.Source.Online,
		Remapper:    o.remapper,
		OnCommitted: onCommitted,
		Now:         o.now,
		Logger:      logger,
	})

	e.monitor = netmon.New(netmon.Options{
		Config: netmon.Config{
			QueueInterval: icfg.Sync.QueueInterval,
			RetryInterval: icfg.Sync.RetryInterval,
		},
		Source:         res.Source,
		Status:         e.status,
		ProcessQueue:   e.processQueue,
		ProcessRetries: e.retries.ProcessDue,
		QueueLen:       e.queue.Len,
		RetryLen:       e.retries.Len,
		Logger:         logger,
	})

	if err := e.queue.Load(ctx); err != nil {
		e.abort()
		return nil, err
	}
	if err := e.retries.Load(ctx); err != nil {
		e.abort()
		return nil, err
	}
	if !res.Source.Online() {
		e.status.SetState(core.SyncStateOffline)
	}

	e.log.Info().
		Str("storage", icfg.Storage.Type).
		Str("remote", icfg.Remote.Type).
		Int("pending", e.queue.Len()).
		Int("retries", e.retries.Len()).
		Msg("engine ready")
	return e, nil
}

func (e *Engine) abort() {
	e.committer.Close()
	e.cancel()
	if err := e.res.Close(); err != nil {
		e.log.Error().Err(err).Msg("failed to close resources")
	}
}

// Start begins connectivity monitoring and the periodic queue and retry
// passes. If the engine is online a queue pass runs immediately.
func (e *Engine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.res.StartProbe(e.baseCtx); err != nil {
		return fmt.Errorf("failed to start connectivity probe: %w", err)
	}
	if err := e.monitor.Start(e.baseCtx); err != nil {
		return fmt.Errorf("failed to start network monitor: %w", err)
	}
	return nil
}

// Stop halts monitoring and the periodic passes. Queued work stays queued.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	return errors.Join(e.monitor.Stop(), e.res.StopProbe())
}

// Close stops the engine, waits for triggered passes, persists the queue and
// releases the resources it opened. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if err := e.Stop(); err != nil {
		errs = append(errs, err)
	}
	e.committer.Close()
	e.wg.Wait()
	e.cancel()

	if err := e.queue.Persist(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := e.res.Close(); err != nil {
		errs = append(errs, err)
	}
	e.log.Info().Msg("engine closed")
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Enqueue records a local mutation and, when online, starts a commit pass in
// the background. Only malformed mutations return an error; a failure to
// persist the queue is reported through the status errors.
func (e *Engine) Enqueue(ctx context.Context, op OperationType, collectionPath, entityID string, data map[string]interface{}) (*MutationQueueItem, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	item, err := e.queue.Enqueue(ctx, op, collectionPath, entityID, data)
	if err != nil {
		if !errors.Is(err, writeback.ErrPersistFailed) {
			return nil, err
		}
		e.log.Error().Err(err).
			Str("collection", collectionPath).
			Str("entity_id", entityID).
			Msg("mutation queued in memory only")
		e.status.RecordError(core.SyncError{
			ID:         idgen.Generate(),
			Message:    err.Error(),
			Timestamp:  e.now().UnixMilli(),
			EntityType: collectionPath,
			EntityID:   entityID,
			Retryable:  true,
		})
	}

	if e.res.Source.Online() {
		e.trigger()
	}
	return item, nil
}

// trigger runs a queue pass on a tracked goroutine.
func (e *Engine) trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.processQueue(e.baseCtx)
	}()
}

func (e *Engine) processQueue(ctx context.Context) {
	if err := e.committer.ProcessQueue(ctx); err != nil && !errors.Is(err, commit.ErrClosed) {
		e.log.Debug().Err(err).Msg("queue pass failed")
	}
}

// ProcessQueue runs one commit pass now. Commit failures are reported
// through the status, not returned.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.processQueue(ctx)
	return nil
}

// Schedule queues a failed remote call for retry and returns its retry id.
func (e *Engine) Schedule(ctx context.Context, call RemoteCall, errorMessage string) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	return e.retries.Schedule(ctx, call, errorMessage)
}

// RegisterRetryHandler binds calls of kind to h. Register custom kinds
// before Start so persisted calls of that kind can be replayed.
func (e *Engine) RegisterRetryHandler(kind string, h RetryHandler) {
	e.retries.Register(kind, h)
}

// ProcessRetries executes every retry that is due.
func (e *Engine) ProcessRetries(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.retries.ProcessDue(ctx)
	return nil
}

func (e *Engine) publish(ctx context.Context, committed []core.CommittedMutation) {
	err := e.res.Publisher.Publish(ctx, committed)
	if err == nil {
		return
	}
	e.log.Warn().Err(err).Int("mutations", len(committed)).Msg("failed to publish committed mutations")

	call, cerr := events.PublishCall(committed)
	if cerr != nil {
		e.log.Error().Err(cerr).Msg("failed to build publish retry")
		return
	}
	msg := fmt.Sprintf("failed to publish %d committed mutations: %v", len(committed), err)
	if _, serr := e.retries.Schedule(ctx, call, msg); serr != nil {
		e.log.Error().Err(serr).Msg("failed to schedule publish retry")
	}
}

// Subscribe calls listener with the current status and after every change.
// The returned function unsubscribes and may be called more than once.
func (e *Engine) Subscribe(listener func(AppSyncStatus)) func() {
	return e.status.Subscribe(listener)
}

// Status returns the current status.
func (e *Engine) Status() AppSyncStatus {
	return e.status.Snapshot()
}

// ClearErrors empties the status error list.
func (e *Engine) ClearErrors() {
	e.status.ClearErrors()
}

// PendingMutations returns copies of the queued mutations, oldest first.
func (e *Engine) PendingMutations() []*MutationQueueItem {
	return e.queue.Items()
}

// PendingRetries returns copies of the queued retries.
func (e *Engine) PendingRetries() []RetryQueueItem {
	return e.retries.Items()
}

// ResolveID returns the permanent id a committed temporary id was mapped
// to, or id itself.
func (e *Engine) ResolveID(collectionPath, id string) string {
	return e.queue.ResolveID(collectionPath, id)
}

// IsOnline reports the connectivity source's current state.
func (e *Engine) IsOnline() bool {
	return e.res.Source.Online()
}

// SetOnline flips a manual connectivity source. Going online runs a queue
// pass when the engine is started.
func (e *Engine) SetOnline(online bool) error {
	if e.isClosed() {
		return ErrClosed
	}
	if e.res.Manual == nil {
		return ErrNotManual
	}
	if !e.res.Manual.SetOnline(online) || e.monitor.IsRunning() {
		return nil
	}

	// Without a running monitor nobody else reacts to the transition.
	if !online {
		e.status.SetState(core.SyncStateOffline)
		return nil
	}
	e.status.SetState(core.SyncStateIdle)
	e.trigger()
	return nil
}

// GenerateID returns a new time-sortable unique id.
func GenerateID() string {
	return idgen.Generate()
}

// GenerateTemporaryID returns a new client-side id to be replaced on commit.
func GenerateTemporaryID() string {
	return idgen.GenerateTemporary()
}

// IsTemporaryID reports whether id was made by GenerateTemporaryID.
func IsTemporaryID(id string) bool {
	return idgen.IsTemporary(id)
}
