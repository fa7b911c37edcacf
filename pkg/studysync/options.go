package studysync

import (
	"time"

	"github.com/rs/zerolog"
)

// Option customizes an Engine.
type Option func(*options)

type options struct {
	store     KVStore
	backend   Backend
	source    ConnectivitySource
	remapper  IDRemapper
	publisher Publisher
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
	logger    *zerolog.Logger
}

// WithLocalStore uses store instead of the configured one. The engine does
// not close it.
func WithLocalStore(store KVStore) Option {
	return func(o *options) { o.store = store }
}

// WithBackend uses backend instead of the configured one. The engine does
// not close it.
func WithBackend(backend Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithConnectivity uses source for online/offline detection.
func WithConnectivity(source ConnectivitySource) Option {
	return func(o *options) { o.source = source }
}

// WithIDRemapper registers the consumer that rewrites temporary ids.
func WithIDRemapper(r IDRemapper) Option {
	return func(o *options) { o.remapper = r }
}

// WithPublisher publishes committed batches to p.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetryJitter replaces the random backoff jitter.
func WithRetryJitter(jitter func(max time.Duration) time.Duration) Option {
	return func(o *options) { o.jitter = jitter }
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}
