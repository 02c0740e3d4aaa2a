package outbox

import "time"

const (
	defaultStorageKey     = "outbox"
	defaultBaseRetryDelay = time.Second
	defaultMaxAttempts    = 5
	defaultMaxDelay       = 30 * time.Second
)

// Config defines how the Outbox persists and delivers items.
type Config struct {
	Storage            Storage
	StorageKey         string
	BaseRetryDelay     time.Duration
	MaxAttempts        int
	MaxDelay           time.Duration
	Jitter             bool
	jitterSet          bool
	Online             bool
	onlineSet          bool
	Connectivity       <-chan bool
	OnFlush            func()
	OnPermanentFailure PermanentFailureHandler
	FailureClassifier  FailureClassifier
	SendTimeout        time.Duration
	Clock              Clock
	Logger             Logger
	Metrics            Metrics
	KeyGenerator       KeyGenerator
	Random             func() float64
}

func (c Config) withDefaults() Config {
	if c.StorageKey == "" {
		c.StorageKey = defaultStorageKey
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = defaultBaseRetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseRetryDelay {
		c.MaxDelay = c.BaseRetryDelay
	}
	if !c.jitterSet {
		c.Jitter = true
	}
	if !c.onlineSet {
		c.Online = true
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.KeyGenerator == nil {
		c.KeyGenerator = UUIDv7Generator{}
	}

	return c
}

func (c Config) backoff() Backoff {
	return Backoff{
		Base:   c.BaseRetryDelay,
		Max:    c.MaxDelay,
		Jitter: c.Jitter,
		Rand:   c.Random,
	}
}

// Option configures Outbox behavior.
type Option func(*Config)

// WithStorage sets the persistence backend. Without one the queue is memory-only.
func WithStorage(storage Storage) Option {
	return func(c *Config) {
		c.Storage = storage
	}
}

// WithStorageKey sets the key the queue is persisted under.
func WithStorageKey(key string) Option {
	return func(c *Config) {
		c.StorageKey = key
	}
}

// WithBaseRetryDelay sets the initial backoff unit.
func WithBaseRetryDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.BaseRetryDelay = delay
	}
}

// WithMaxAttempts sets the number of attempts before an item is dropped.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithMaxDelay caps the computed backoff.
func WithMaxDelay(delay time.Duration) Option {
	return func(c *Config) {
		c.MaxDelay = delay
	}
}

// WithJitter enables or disables randomized backoff. The default is enabled.
func WithJitter(enabled bool) Option {
	return func(c *Config) {
		c.Jitter = enabled
		c.jitterSet = true
	}
}

// WithOnline sets the initial connectivity state. The default is online.
func WithOnline(online bool) Option {
	return func(c *Config) {
		c.Online = online
		c.onlineSet = true
	}
}

// WithConnectivity feeds host online/offline events to Run.
func WithConnectivity(events <-chan bool) Option {
	return func(c *Config) {
		c.Connectivity = events
	}
}

// WithOnFlush registers a callback invoked asynchronously after each delivery pass.
func WithOnFlush(fn func()) Option {
	return func(c *Config) {
		c.OnFlush = fn
	}
}

// WithOnPermanentFailure registers a callback for items retired undelivered.
// It runs synchronously once the pass has finished, before Flush returns.
func WithOnPermanentFailure(fn PermanentFailureHandler) Option {
	return func(c *Config) {
		c.OnPermanentFailure = fn
	}
}

// WithFailureClassifier sets the classifier for retry/drop decisions.
func WithFailureClassifier(classifier FailureClassifier) Option {
	return func(c *Config) {
		c.FailureClassifier = classifier
	}
}

// WithSendTimeout sets a per-attempt timeout. Zero leaves timeouts to the Sender.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.SendTimeout = timeout
	}
}

// WithClock sets the time source and timer factory.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the outbox logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithKeyGenerator sets the idempotency key generator.
func WithKeyGenerator(gen KeyGenerator) Option {
	return func(c *Config) {
		c.KeyGenerator = gen
	}
}

// WithRandom sets the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(c *Config) {
		c.Random = fn
	}
}
