// Package commit drains the mutation queue into the remote backend in
// atomic batches.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/status"
	"github.com/studyquest/studysync/internal/writeback"
)

// ErrClosed is returned by ProcessQueue after Close.
var ErrClosed = errors.New("committer is closed")

// Config controls batching and pacing.
type Config struct {
	// BatchSize is the maximum number of mutations per commit.
	BatchSize int

	// MaxRetryAttempts is the number of failed commits a mutation survives.
	// It is dropped when claimed with a higher attempt count.
	MaxRetryAttempts int

	// RedrainDelay is the pause before the next pass when items remain.
	RedrainDelay time.Duration

	// CommitRate caps commits per second. Zero means unlimited.
	CommitRate float64
}

// DefaultConfig returns the standard committer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		MaxRetryAttempts: 5,
		RedrainDelay:     time.Second,
		CommitRate:       5,
	}
}

// Options wires a Committer to its collaborators.
type Options struct {
	Config  Config
	Queue   *writeback.Queue
	Backend core.Backend
	Status  *status.Broadcaster

	// Online reports connectivity. Nil means always online.
	Online func() bool

	// Remapper, if set, is told about every temp id replaced on commit.
	Remapper core.IDRemapper

	// OnCommitted, if set, receives the mutations of each successful batch.
	OnCommitted func(ctx context.Context, committed []core.CommittedMutation)

	Now    func() time.Time
	NewID  func() string
	Logger zerolog.Logger
}

// Committer runs at most one commit pass at a time. A request that arrives
// during a pass is remembered and served once the pass finishes.
type Committer struct {
	mu      sync.Mutex
	syncing bool
	rerun   bool
	closed  bool
	timer   *time.Timer
	passes  sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	cfg         Config
	queue       *writeback.Queue
	backend     core.Backend
	status      *status.Broadcaster
	online      func() bool
	remapper    core.IDRemapper
	onCommitted func(context.Context, []core.CommittedMutation)
	limiter     *rate.Limiter
	now         func() time.Time
	newID       func() string
	log         zerolog.Logger
}

// staged is a claimed mutation that was added to the current batch.
type staged struct {
	key       string
	rev       uint64
	committed core.CommittedMutation
	mapping   *core.IDMapping
}

// New creates a committer. Close releases its redrain timer.
func New(opts Options) *Committer {
	def := DefaultConfig()
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = def.BatchSize
	}
	if opts.Config.MaxRetryAttempts <= 0 {
		opts.Config.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if opts.Config.RedrainDelay <= 0 {
		opts.Config.RedrainDelay = def.RedrainDelay
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Generate
	}

	limit := rate.Inf
	if opts.Config.CommitRate > 0 {
		limit = rate.Limit(opts.Config.CommitRate)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Committer{
		baseCtx:     ctx,
		cancel:      cancel,
		cfg:         opts.Config,
		queue:       opts.Queue,
		backend:     opts.Backend,
		status:      opts.Status,
		online:      opts.Online,
		remapper:    opts.Remapper,
		onCommitted: opts.OnCommitted,
		limiter:     rate.NewLimiter(limit, 1),
		now:         opts.Now,
		newID:       opts.NewID,
		log:         opts.Logger.With().Str("component", "commit").Logger(),
	}
}

// IsSyncing reports whether a pass is in progress.
func (c *Committer) IsSyncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// ProcessQueue commits the oldest batch of queued mutations. It returns
// immediately when offline, when the queue is empty, or when another pass
// is running; in the last case the running pass schedules a follow-up.
// The returned error is the commit error of this pass, if any.
func (c *Committer) ProcessQueue(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.syncing {
		c.rerun = true
		c.mu.Unlock()
		return nil
	}
	if !c.online() || c.queue.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.rerun = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.passes.Add(1)
	c.mu.Unlock()
	defer c.passes.Done()

	c.status.SetState(core.SyncStateSyncing)
	err := c.commitBatch(ctx)

	if perr := c.queue.Persist(ctx); perr != nil {
		c.log.Error().Err(perr).Msg("failed to persist mutation queue after commit")
	}
	// PendingChanges is published by the queue itself on every change.
	if c.online() {
		c.status.SetState(core.SyncStateIdle)
	} else {
		c.status.SetState(core.SyncStateOffline)
	}
	pending := c.queue.Len()

	c.mu.Lock()
	defer c.mu.Unlock()
	rerun := c.rerun
	c.syncing = false
	c.rerun = false
	if pending > 0 && !c.closed {
		delay := c.cfg.RedrainDelay
		if rerun && err == nil {
			delay = 0
		}
		c.timer = time.AfterFunc(delay, func() {
			c.ProcessQueue(c.baseCtx)
		})
	}
	return err
}

func (c *Committer) commitBatch(ctx context.Context) error {
	claimed := c.queue.Claim(c.cfg.BatchSize)
	batch := c.backend.NewBatch()
	var items []staged

	for _, cl := range claimed {
		item := cl.Item
		if item.Attempts > c.cfg.MaxRetryAttempts {
			c.purge(item, cl.Rev)
			continue
		}

		s := staged{
			key: item.Key(),
			rev: cl.Rev,
			committed: core.CommittedMutation{
				Operation:      item.Operation,
				CollectionPath: item.CollectionPath,
				EntityID:       item.EntityID,
			},
		}

		switch item.Operation {
		case core.OperationCreate:
			data := core.CloneData(item.Data)
			if data == nil {
				data = make(map[string]interface{})
			}
			if idgen.IsTemporary(item.EntityID) {
				permID := c.backend.NewDocumentID(item.CollectionPath)
				data[core.TempIDField] = item.EntityID
				s.mapping = &core.IDMapping{
					CollectionPath: item.CollectionPath,
					TemporaryID:    item.EntityID,
					PermanentID:    permID,
				}
				s.committed.EntityID = permID
				s.committed.TemporaryID = item.EntityID
			}
			batch.Set(item.CollectionPath, s.committed.EntityID, data)
			s.committed.Data = data
		case core.OperationUpdate:
			batch.Update(item.CollectionPath, item.EntityID, item.Data)
			s.committed.Data = core.CloneData(item.Data)
		case core.OperationDelete:
			batch.Delete(item.CollectionPath, item.EntityID)
		default:
			c.purge(item, cl.Rev)
			continue
		}
		items = append(items, s)
	}

	if batch.Len() == 0 {
		return nil
	}

	err := c.limiter.Wait(ctx)
	if err == nil {
		err = batch.Commit(ctx)
	}
	if err != nil {
		for _, s := range items {
			c.queue.Release(s.key, false)
		}
		c.log.Warn().Err(err).Int("mutations", len(items)).Msg("batch commit failed")
		c.status.SetState(core.SyncStateError)
		c.status.RecordError(core.SyncError{
			ID:        c.newID(),
			Message:   fmt.Sprintf("failed to commit %d mutations: %v", len(items), err),
			Timestamp: c.now().UnixMilli(),
			Retryable: true,
		})
		return err
	}

	nowMs := c.now().UnixMilli()
	committed := make([]core.CommittedMutation, 0, len(items))
	for _, s := range items {
		if !c.queue.Remove(s.key, s.rev) {
			c.queue.Release(s.key, true)
		}
		s.committed.CommittedAt = nowMs
		committed = append(committed, s.committed)
	}
	for _, s := range items {
		if s.mapping == nil {
			continue
		}
		c.queue.Remap(*s.mapping)
		if c.remapper != nil {
			if err := c.remapper.RemapID(ctx, *s.mapping); err != nil {
				c.log.Error().Err(err).
					Str("collection", s.mapping.CollectionPath).
					Str("temp_id", s.mapping.TemporaryID).
					Msg("failed to remap local id")
			}
		}
	}

	c.status.MarkSynced(nowMs)
	c.log.Info().Int("mutations", len(committed)).Msg("batch committed")

	if c.onCommitted != nil {
		c.onCommitted(ctx, committed)
	}
	return nil
}

// purge drops a mutation that can never be committed.
func (c *Committer) purge(item *core.MutationQueueItem, rev uint64) {
	if !c.queue.Remove(item.Key(), rev) {
		c.queue.Release(item.Key(), false)
		return
	}

	msg := fmt.Sprintf("dropped %s of %s after %d failed attempts", item.Operation, item.Key(), item.Attempts-1)
	if !item.Operation.Valid() {
		msg = fmt.Sprintf("dropped %s: unknown operation %q", item.Key(), item.Operation)
	}
	c.log.Error().
		Str("collection", item.CollectionPath).
		Str("entity_id", item.EntityID).
		Int("attempts", item.Attempts).
		Msg(msg)
	c.status.RecordError(core.SyncError{
		ID:         c.newID(),
		Message:    msg,
		Timestamp:  c.now().UnixMilli(),
		EntityType: item.CollectionPath,
		EntityID:   item.EntityID,
		Retryable:  false,
	})
}

// Close stops the redrain timer and waits for a running pass, including one
// started by the timer, to finish. Later ProcessQueue calls return ErrClosed.
func (c *Committer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.passes.Wait()
	c.cancel()
}
