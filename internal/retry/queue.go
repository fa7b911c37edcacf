// Package retry re-executes failed remote calls with exponential backoff.
//
// Calls are described by core.RemoteCall values and executed through
// handlers registered per kind, so the whole queue can be persisted and
// replayed after a restart.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
)

const (
	// DefaultStorageKey is the local store key holding the serialized retry queue.
	DefaultStorageKey = "studysync:retry-queue"

	// MaxBackoff caps the exponential delay between attempts.
	MaxBackoff = 24 * time.Hour
)

var (
	// ErrUnknownCallKind is returned when no handler is registered for a call.
	ErrUnknownCallKind = errors.New("no handler registered for call kind")

	// ErrInvalidCall is returned by Schedule for a call without a kind.
	ErrInvalidCall = errors.New("invalid remote call")
)

// Handler executes one remote call.
type Handler func(ctx context.Context, call core.RemoteCall) error

// ErrorRecorder receives user-visible sync errors.
type ErrorRecorder interface {
	RecordError(err core.SyncError)
}

// Config holds the backoff parameters.
type Config struct {
	// MaxAttempts is the number of executions after which an item is dropped.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; it doubles per attempt.
	BaseBackoff time.Duration

	// MaxJitter bounds the random delay added to every backoff.
	MaxJitter time.Duration
}

// DefaultConfig returns the standard retry parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxJitter:   time.Second,
	}
}

// Options configures a Queue.
type Options struct {
	Config     Config
	Store      core.KVStore
	StorageKey string
	Errors     ErrorRecorder
	Now        func() time.Time
	// Jitter returns a random duration in [0, max). Defaults to math/rand/v2.
	Jitter func(max time.Duration) time.Duration
	NewID  func() string
	Logger zerolog.Logger
}

// Queue holds failed calls until they succeed or run out of attempts.
type Queue struct {
	mu         sync.Mutex
	items      []*core.RetryQueueItem
	handlers   map[string]Handler
	processing bool

	persistMu sync.Mutex

	cfg        Config
	store      core.KVStore
	storageKey string
	errs       ErrorRecorder
	now        func() time.Time
	jitter     func(time.Duration) time.Duration
	newID      func() string
	log        zerolog.Logger
}

// New creates an empty retry queue.
func New(opts Options) *Queue {
	def := DefaultConfig()
	if opts.Config.MaxAttempts <= 0 {
		opts.Config.MaxAttempts = def.MaxAttempts
	}
	if opts.Config.BaseBackoff <= 0 {
		opts.Config.BaseBackoff = def.BaseBackoff
	}
	if opts.Config.MaxJitter < 0 {
		opts.Config.MaxJitter = 0
	}
	if opts.StorageKey == "" {
		opts.StorageKey = DefaultStorageKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Generate
	}

	return &Queue{
		handlers:   make(map[string]Handler),
		cfg:        opts.Config,
		store:      opts.Store,
		storageKey: opts.StorageKey,
		errs:       opts.Errors,
		now:        opts.Now,
		jitter:     opts.Jitter,
		newID:      opts.NewID,
		log:        opts.Logger.With().Str("component", "retry").Logger(),
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Register binds a handler to a call kind, replacing any previous one.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Backoff returns the delay scheduled after the given failed attempt,
// excluding jitter. It never decreases with attempts and stops growing at
// MaxBackoff.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts && d < MaxBackoff; i++ {
		d <<= 1
	}
	return min(d, MaxBackoff)
}

// Schedule queues call for a first retry after BaseBackoff and returns the
// new item's id.
func (q *Queue) Schedule(ctx context.Context, call core.RemoteCall, errorMessage string) (string, error) {
	if call.Kind == "" {
		return "", fmt.Errorf("%w: kind is required", ErrInvalidCall)
	}

	now := q.now()
	item := &core.RetryQueueItem{
		ID:           q.newID(),
		Attempts:     0,
		NextRetryAt:  now.Add(q.cfg.BaseBackoff).UnixMilli(),
		Call:         call,
		ErrorMessage: errorMessage,
		Timestamp:    now.UnixMilli(),
	}
	item.Call.Data = core.CloneData(call.Data)

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.log.Info().
		Str("retry_id", item.ID).
		Str("kind", call.Kind).
		Str("error", errorMessage).
		Msg("remote call scheduled for retry")

	q.recordError(core.SyncError{
		Message:    errorMessage,
		EntityType: call.CollectionPath,
		EntityID:   call.EntityID,
		Retryable:  true,
	})

	if err := q.persist(ctx); err != nil {
		q.log.Error().Err(err).Msg("failed to persist retry queue")
	}
	return item.ID, nil
}

// ProcessDue executes every item whose retry time has come. Items that
// already used MaxAttempts executions are dropped with a permanent error.
// A call made while another ProcessDue is running returns immediately.
func (q *Queue) ProcessDue(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	nowMs := q.now().UnixMilli()
	var due []*core.RetryQueueItem
	for _, item := range q.items {
		if item.NextRetryAt <= nowMs {
			due = append(due, item)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if len(due) == 0 {
		return
	}

	for _, item := range due {
		if ctx.Err() != nil {
			break
		}
		q.process(ctx, item)
	}

	if err := q.persist(ctx); err != nil {
		q.log.Error().Err(err).Msg("failed to persist retry queue")
	}
}

func (q *Queue) process(ctx context.Context, item *core.RetryQueueItem) {
	q.mu.Lock()
	if item.Attempts >= q.cfg.MaxAttempts {
		q.removeLocked(item.ID)
		q.mu.Unlock()

		q.log.Warn().Str("retry_id", item.ID).Str("kind", item.Call.Kind).Int("attempts", item.Attempts).
			Msg("retry attempts exhausted, dropping call")
		q.recordError(core.SyncError{
			Message:    fmt.Sprintf("gave up after %d attempts: %s", item.Attempts, item.LastError),
			EntityType: item.Call.CollectionPath,
			EntityID:   item.Call.EntityID,
			Retryable:  false,
		})
		return
	}
	item.Attempts++
	call := item.Call
	handler, ok := q.handlers[call.Kind]
	q.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownCallKind, call.Kind)
	} else {
		err = handler(ctx, call)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.removeLocked(item.ID)
		q.log.Info().Str("retry_id", item.ID).Str("kind", call.Kind).Int("attempts", item.Attempts).
			Msg("retried call succeeded")
		return
	}

	delay := q.Backoff(item.Attempts) + q.jitter(q.cfg.MaxJitter)
	item.LastError = err.Error()
	item.NextRetryAt = q.now().Add(delay).UnixMilli()
	q.log.Warn().Err(err).Str("retry_id", item.ID).Str("kind", call.Kind).
		Int("attempts", item.Attempts).Dur("backoff", delay).Msg("retried call failed")
}

func (q *Queue) removeLocked(id string) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) recordError(e core.SyncError) {
	if q.errs == nil {
		return
	}
	e.ID = q.newID()
	e.Timestamp = q.now().UnixMilli()
	q.errs.RecordError(e)
}

// Len returns the number of queued calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns copies of the queued calls.
func (q *Queue) Items() []core.RetryQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]core.RetryQueueItem, len(q.items))
	for i, item := range q.items {
		out[i] = *item
		out[i].Call.Data = core.CloneData(item.Call.Data)
	}
	return out
}

func (q *Queue) persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	data, err := json.Marshal(q.items)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal retry queue: %w", err)
	}

	if err := q.store.Set(ctx, q.storageKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist retry queue: %w", err)
	}
	return nil
}

// Load restores persisted calls. A missing or corrupt document yields an
// empty queue.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	raw, err := q.store.Get(ctx, q.storageKey)
	if errors.Is(err, core.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load retry queue: %w", err)
	}

	var items []*core.RetryQueueItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.log.Error().Err(err).Msg("persisted retry queue is corrupt, starting empty")
		items = nil
	}

	q.mu.Lock()
	q.items = q.items[:0]
	for _, item := range items {
		if item != nil && item.Call.Kind != "" {
			q.items = append(q.items, item)
		}
	}
	n := len(q.items)
	q.mu.Unlock()

	q.log.Info().Int("pending", n).Msg("retry queue loaded")
	return nil
}
