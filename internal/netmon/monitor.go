package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/core"
)

// StateSetter receives the connectivity-driven sync state.
type StateSetter interface {
	SetState(state core.SyncState)
}

// Config holds the periodic timer intervals.
type Config struct {
	QueueInterval time.Duration
	RetryInterval time.Duration
}

// DefaultConfig returns 60s queue and 30s retry intervals.
func DefaultConfig() Config {
	return Config{
		QueueInterval: 60 * time.Second,
		RetryInterval: 30 * time.Second,
	}
}

// Options wires a Monitor.
type Options struct {
	Config Config
	Source Source
	Status StateSetter

	// ProcessQueue runs one commit pass. It is called on reconnect and on
	// every queue tick.
	ProcessQueue func(ctx context.Context)

	// ProcessRetries runs the due retries on every retry tick.
	ProcessRetries func(ctx context.Context)

	// QueueLen and RetryLen let ticks skip empty queues. Nil means never skip.
	QueueLen func() int
	RetryLen func() int

	Logger zerolog.Logger
}

// Monitor reacts to connectivity transitions and runs the periodic timers.
type Monitor struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	unsub   func()

	// wake is signalled on every online transition.
	wake chan struct{}

	cfg            Config
	source         Source
	status         StateSetter
	processQueue   func(context.Context)
	processRetries func(context.Context)
	queueLen       func() int
	retryLen       func() int
	log            zerolog.Logger
}

// New creates a stopped monitor.
func New(opts Options) *Monitor {
	def := DefaultConfig()
	if opts.Config.QueueInterval <= 0 {
		opts.Config.QueueInterval = def.QueueInterval
	}
	if opts.Config.RetryInterval <= 0 {
		opts.Config.RetryInterval = def.RetryInterval
	}
	if opts.ProcessQueue == nil {
		opts.ProcessQueue = func(context.Context) {}
	}
	if opts.ProcessRetries == nil {
		opts.ProcessRetries = func(context.Context) {}
	}

	return &Monitor{
		wake:           make(chan struct{}, 1),
		cfg:            opts.Config,
		source:         opts.Source,
		status:         opts.Status,
		processQueue:   opts.ProcessQueue,
		processRetries: opts.ProcessRetries,
		queueLen:       opts.QueueLen,
		retryLen:       opts.RetryLen,
		log:            opts.Logger.With().Str("component", "netmon").Logger(),
	}
}

// Start subscribes to the source and starts the timers. The current
// connectivity is applied as if it were a fresh transition.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Debug().Msg("already running")
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.unsub = m.source.Subscribe(m.handleTransition)
	m.mu.Unlock()

	m.handleTransition(m.source.Online())

	go m.run(ctx, m.stopCh, m.doneCh)
	m.log.Info().
		Dur("queue_interval", m.cfg.QueueInterval).
		Dur("retry_interval", m.cfg.RetryInterval).
		Msg("network monitor started")
	return nil
}

// Stop unsubscribes and waits for the timer goroutine to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	unsub := m.unsub
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	unsub()
	close(stopCh)
	<-doneCh
	m.log.Info().Msg("network monitor stopped")
	return nil
}

// IsRunning reports whether the monitor is started.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) handleTransition(online bool) {
	if !online {
		m.log.Info().Msg("connection lost")
		m.status.SetState(core.SyncStateOffline)
		return
	}

	m.log.Info().Msg("connection restored")
	m.status.SetState(core.SyncStateIdle)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	queueTicker := time.NewTicker(m.cfg.QueueInterval)
	defer queueTicker.Stop()
	retryTicker := time.NewTicker(m.cfg.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-m.wake:
			if m.source.Online() {
				m.processQueue(ctx)
			}
		case <-queueTicker.C:
			if m.source.Online() && !isEmpty(m.queueLen) {
				m.processQueue(ctx)
			}
		case <-retryTicker.C:
			if m.source.Online() && !isEmpty(m.retryLen) {
				m.processRetries(ctx)
			}
		}
	}
}

func isEmpty(length func() int) bool {
	return length != nil && length() == 0
}
