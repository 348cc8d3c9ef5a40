package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables the controller uses to configure a spawned worker.
const (
	EnvExecTimeout  = "GOREPL_EXEC_TIMEOUT"
	EnvPackageDir   = "GOREPL_PACKAGE_DIR"
	EnvPackageIndex = "GOREPL_PACKAGE_INDEX"
)

const DefaultExecTimeout = 30 * time.Second

type Config struct {
	ExecTimeout  time.Duration
	PackageDir   string
	PackageIndex string
	Logger       zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ExecTimeout: DefaultExecTimeout,
		PackageDir:  ".gorepl/packages",
		Logger:      zerolog.Nop(),
	}
}

// ConfigFromEnv overlays the GOREPL_* environment onto DefaultConfig.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv(EnvExecTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvExecTimeout, err)
		}
		cfg.ExecTimeout = d
	}
	if v := os.Getenv(EnvPackageDir); v != "" {
		cfg.PackageDir = v
	}
	if v := os.Getenv(EnvPackageIndex); v != "" {
		cfg.PackageIndex = v
	}
	return cfg, nil
}

// Env renders cfg as environment entries for a child process.
func (c Config) Env() []string {
	env := []string{EnvExecTimeout + "=" + c.ExecTimeout.String()}
	if c.PackageDir != "" {
		env = append(env, EnvPackageDir+"="+c.PackageDir)
	}
	if c.PackageIndex != "" {
		env = append(env, EnvPackageIndex+"="+c.PackageIndex)
	}
	return env
}
