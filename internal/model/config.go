package model

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Enum helpers.
const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	LogFormatJSON = "json"
	LogFormatText = "text"

	// EnvName selects the environment; "test" switches the default backend
	// database so test runs don't touch production data.
	EnvName = "ACTIVITY_ENV"
	// EnvRedisURL is honored for compatibility with other Redis clients.
	EnvRedisURL = "REDIS_URL"
)

const (
	DefaultRedisURL     = "redis://localhost:6379/"
	DefaultDB           = 0
	DefaultDBTests      = 1
	DefaultPollInterval = time.Second
	DefaultMaxActive    = 255
	DefaultGracePeriod  = 5 * time.Second
)

type Config struct {
	Backend Backend `mapstructure:"backend" yaml:"backend"`
	Runner  Runner  `mapstructure:"runner" yaml:"runner"`
	Status  Status  `mapstructure:"status" yaml:"status"`
	Log     Log     `mapstructure:"log" yaml:"log"`
}

// Backend points to the storage holding the command channel and the
// running registry.
type Backend struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type Runner struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxActive      int           `mapstructure:"max_active" yaml:"max_active"`
	GracePeriod    time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	RestartBackoff Backoff       `mapstructure:"restart_backoff" yaml:"restart_backoff"`
}

// Backoff bounds the delay between restarts of a failing activity.
type Backoff struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

// Status configures the HTTP endpoint exposing /healthz and /metrics.
// Empty Addr disables it.
type Status struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Log struct {
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
	Format  string `mapstructure:"format" yaml:"format"` // "json"|"text"
	Output  string `mapstructure:"output" yaml:"output"` // "stderr"|"stdout"|"discard"|path
}

func DefaultConfig() Config {
	return Config{
		Backend: Backend{URL: DefaultBackendURL()},
		Runner:  DefaultRunner(),
		Log: Log{
			Format: LogFormatJSON,
			Output: LogStderr,
		},
	}
}

func DefaultRunner() Runner {
	return Runner{
		PollInterval: DefaultPollInterval,
		MaxActive:    DefaultMaxActive,
		GracePeriod:  DefaultGracePeriod,
		RestartBackoff: Backoff{
			Initial: 100 * time.Millisecond,
			Max:     30 * time.Second,
		},
	}
}

// DefaultBackendURL returns REDIS_URL when set, otherwise the local Redis
// with a database depending on ACTIVITY_ENV.
func DefaultBackendURL() string {
	if u := os.Getenv(EnvRedisURL); u != "" {
		return u
	}
	db := DefaultDB
	if os.Getenv(EnvName) == "test" {
		db = DefaultDBTests
	}
	return fmt.Sprintf("%s%d", DefaultRedisURL, db)
}

func (c Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is empty"))
	}
	if err := c.Runner.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported value %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (r Runner) Validate() error {
	var errs []error
	if r.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("runner.poll_interval must be positive, got %s", r.PollInterval))
	}
	if r.MaxActive <= 0 {
		errs = append(errs, fmt.Errorf("runner.max_active must be positive, got %d", r.MaxActive))
	}
	if r.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("runner.grace_period must not be negative, got %s", r.GracePeriod))
	}
	if r.RestartBackoff.Initial < 0 || r.RestartBackoff.Max < 0 {
		errs = append(errs, errors.New("runner.restart_backoff must not be negative"))
	}
	return errors.Join(errs...)
}
