// Package netmon tracks connectivity and drives the engine's periodic work.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/core"
)

// Source reports connectivity and notifies subscribers of transitions.
type Source interface {
	Online() bool
	// Subscribe registers fn for transitions and returns an unsubscribe func.
	Subscribe(fn func(online bool)) func()
}

// ManualSource is a Source flipped explicitly with SetOnline.
type ManualSource struct {
	// notifyMu keeps transitions delivered in the order they happened.
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    bool
	listeners map[uint64]func(bool)
	nextID    uint64
}

// NewManualSource creates a source in the given state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{
		online:    online,
		listeners: make(map[uint64]func(bool)),
	}
}

func (s *ManualSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualSource) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SetOnline changes the state and notifies subscribers if it differs. It
// reports whether a transition happened.
func (s *ManualSource) SetOnline(online bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// ProbeSource derives connectivity from periodic pings of a backend.
type ProbeSource struct {
	*ManualSource

	pinger   core.Pinger
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProbeSource creates a probe that starts in the given state.
func NewProbeSource(pinger core.Pinger, interval, timeout time.Duration, online bool, logger zerolog.Logger) *ProbeSource {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ProbeSource{
		ManualSource: NewManualSource(online),
		pinger:       pinger,
		interval:     interval,
		timeout:      timeout,
		log:          logger.With().Str("component", "netmon").Logger(),
	}
}

// Probe pings once and updates the state.
func (p *ProbeSource) Probe(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	online := err == nil
	if p.SetOnline(online) {
		if online {
			p.log.Info().Msg("backend reachable")
		} else {
			p.log.Warn().Err(err).Msg("backend unreachable")
		}
	}
	return online
}

// Start probes immediately and then every interval until Stop.
func (p *ProbeSource) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
	return nil
}

// Stop ends probing and waits for the probe goroutine.
func (p *ProbeSource) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}
