package hyperq

// DefaultCapacity is the ring data size Open uses when the caller
// doesn't supply WithCapacity and this call ends up creating the
// segment. It has no effect when attaching to an existing segment.
const DefaultCapacity = 64 * 1024

// Config collects the parameters Open uses to create or attach a queue.
// Callers build one through Option values rather than a struct literal
// so new fields don't break existing call sites.
type Config struct {
	name       string
	capacity   int
	createOnly bool
	attachOnly bool
	robust     bool
}

// Option configures a Config passed to Open.
type Option func(*Config)

// WithName sets the queue's name explicitly. If omitted, Open synthesizes
// a unique name and reports it through Queue.Name.
func WithName(name string) Option {
	return func(c *Config) { c.name = name }
}

// WithCapacity sets the ring data size used when Open creates a new
// segment. Ignored when Open attaches to an existing one.
func WithCapacity(bytes int) Option {
	return func(c *Config) { c.capacity = bytes }
}

// WithCreateOnly makes Open fail with a KindInvalidArgument error if a
// segment with this name already exists, instead of attaching to it.
func WithCreateOnly() Option {
	return func(c *Config) { c.createOnly = true }
}

// WithAttachOnly makes Open fail with a KindNotInitialized error if no
// segment with this name exists yet, instead of creating one.
func WithAttachOnly() Option {
	return func(c *Config) { c.attachOnly = true }
}

// WithRobustMutex controls whether the segment's mutex is created with
// PTHREAD_MUTEX_ROBUST, so a future Lock surfaces ErrOwnerDied instead of
// deadlocking forever after a holder crashes. Enabled by default;
// disabling it has no effect when attaching to a segment someone else
// created.
func WithRobustMutex(enabled bool) Option {
	return func(c *Config) { c.robust = enabled }
}

func newConfig(opts []Option) *Config {
	c := &Config{capacity: DefaultCapacity, robust: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
