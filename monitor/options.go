package monitor

import "time"

const (
	defaultPrefix          = "castkit"
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultRetention       = time.Hour
	defaultJanitorInterval = time.Minute
)

type options struct {
	prefix          string
	idempotencyTTL  time.Duration
	retention       time.Duration
	janitorInterval time.Duration
}

func defaultOptions() options {
	return options{
		prefix:          defaultPrefix,
		idempotencyTTL:  defaultIdempotencyTTL,
		retention:       defaultRetention,
		janitorInterval: defaultJanitorInterval,
	}
}

// Option configures a monitor. Options that do not apply to the chosen
// implementation are ignored.
type Option func(*options)

// WithPrefix sets the shared-store key namespace.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithIdempotencyTTL sets how long a content hash stays claimed.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.idempotencyTTL = ttl
	}
}

// WithTerminalRetention sets how long terminal tasks stay readable before
// eviction.
func WithTerminalRetention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

// WithJanitorInterval sets the in-memory eviction cadence.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *options) {
		o.janitorInterval = d
	}
}
