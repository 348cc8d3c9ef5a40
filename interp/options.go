package interp

import (
	"time"

	"github.com/caffeineduck/gorepl/hostfunc"
)

// Option configures a Namespace.
type Option func(*nsConfig)

// Loader returns the source of a Starlark module named in a load statement.
type Loader func(name string) ([]byte, error)

type nsConfig struct {
	timeout time.Duration
	grace   time.Duration
	host    *hostfunc.Registry
	stdout  func(string)
	stderr  func(string)
	loader  Loader
}

func defaultNSConfig() nsConfig {
	return nsConfig{
		timeout: 30 * time.Second,
		grace:   2 * time.Second,
		stdout:  func(string) {},
		stderr:  func(string) {},
	}
}

// WithTimeout sets the budget for each exec, eval or step. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *nsConfig) {
		c.timeout = d
	}
}

// WithGracePeriod sets how long a cancelled computation may take to unwind
// before the namespace is declared wedged.
func WithGracePeriod(d time.Duration) Option {
	return func(c *nsConfig) {
		c.grace = d
	}
}

// WithHostFuncs exposes a registry through the call builtin.
func WithHostFuncs(r *hostfunc.Registry) Option {
	return func(c *nsConfig) {
		c.host = r
	}
}

// WithOutput routes print and eprint output.
func WithOutput(stdout, stderr func(string)) Option {
	return func(c *nsConfig) {
		if stdout != nil {
			c.stdout = stdout
		}
		if stderr != nil {
			c.stderr = stderr
		}
	}
}

// WithLoader resolves load statements.
func WithLoader(l Loader) Option {
	return func(c *nsConfig) {
		c.loader = l
	}
}
