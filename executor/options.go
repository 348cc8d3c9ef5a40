package executor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/gorepl/worker"
)

// Defaults for controller-side budgets.
const (
	DefaultReadTimeout   = 35 * time.Second
	DefaultInitTimeout   = 120 * time.Second
	DefaultPollWait      = 100 * time.Millisecond
	DefaultSessionTTL    = time.Hour
	DefaultSweepInterval = 60 * time.Second
	terminateWait        = 5 * time.Second
	stderrTailSize       = 8 << 10
)

// SessionOption configures how a Session spawns and talks to its worker.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	command     []string
	env         []string
	worker      worker.Config
	initTimeout time.Duration
	logger      zerolog.Logger
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		worker:      worker.DefaultConfig(),
		initTimeout: DefaultInitTimeout,
		logger:      zerolog.Nop(),
	}
}

// WithWorkerCommand sets the worker executable and its arguments. The
// default re-executes the running binary as "<self> worker".
func WithWorkerCommand(path string, args ...string) SessionOption {
	return func(c *sessionConfig) {
		c.command = append([]string{path}, args...)
	}
}

// WithWorkerEnv appends KEY=VALUE entries to the worker environment.
func WithWorkerEnv(env ...string) SessionOption {
	return func(c *sessionConfig) {
		c.env = append(c.env, env...)
	}
}

// WithWorkerConfig sets the configuration passed to the worker through its
// environment.
func WithWorkerConfig(cfg worker.Config) SessionOption {
	return func(c *sessionConfig) {
		c.worker = cfg
	}
}

// WithInitTimeout bounds how long initialization may take, package
// installation included.
func WithInitTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.initTimeout = d
	}
}

func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(c *sessionConfig) {
		c.logger = l
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	ttl      time.Duration
	interval time.Duration
	session  []SessionOption
	logger   zerolog.Logger
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{
		ttl:      DefaultSessionTTL,
		interval: DefaultSweepInterval,
		logger:   zerolog.Nop(),
	}
}

// WithSessionTTL sets the inactivity threshold after which a session is swept.
func WithSessionTTL(d time.Duration) RegistryOption {
	return func(c *registryConfig) {
		c.ttl = d
	}
}

// WithSweepInterval sets how often Run looks for idle sessions.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(c *registryConfig) {
		c.interval = d
	}
}

// WithSessionOptions applies opts to every session the registry creates.
func WithSessionOptions(opts ...SessionOption) RegistryOption {
	return func(c *registryConfig) {
		c.session = append(c.session, opts...)
	}
}

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(c *registryConfig) {
		c.logger = l
	}
}

// Option configures an Executor.
type Option func(*execConfig)

type execConfig struct {
	readTimeout time.Duration
	pollWait    time.Duration
	logger      zerolog.Logger
}

func defaultExecConfig() execConfig {
	return execConfig{
		readTimeout: DefaultReadTimeout,
		pollWait:    DefaultPollWait,
		logger:      zerolog.Nop(),
	}
}

// WithReadTimeout bounds each read of a worker reply. It should exceed the
// worker's own execution timeout so the worker reports timeouts first.
func WithReadTimeout(d time.Duration) Option {
	return func(c *execConfig) {
		c.readTimeout = d
	}
}

// WithPollWait sets how long StreamPoll waits for a message when the queue
// is empty.
func WithPollWait(d time.Duration) Option {
	return func(c *execConfig) {
		c.pollWait = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *execConfig) {
		c.logger = l
	}
}
