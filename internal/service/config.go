package service

import (
	"fmt"
	"strings"

	"github.com/CZERTAINLY/activity/internal/model"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables overriding the config file,
// ACTIVITY_RUNNER_MAX_ACTIVE sets runner.max_active.
const EnvPrefix = "ACTIVITY"

// NewViper returns a viper instance with the defaults and the environment
// bindings of model.Config.
func NewViper() *viper.Viper {
	v := viper.New()
	def := model.DefaultConfig()
	v.SetDefault("backend.url", def.Backend.URL)
	v.SetDefault("runner.poll_interval", def.Runner.PollInterval)
	v.SetDefault("runner.max_active", def.Runner.MaxActive)
	v.SetDefault("runner.grace_period", def.Runner.GracePeriod)
	v.SetDefault("runner.restart_backoff.initial", def.Runner.RestartBackoff.Initial)
	v.SetDefault("runner.restart_backoff.max", def.Runner.RestartBackoff.Max)
	v.SetDefault("status.addr", def.Status.Addr)
	v.SetDefault("log.verbose", def.Log.Verbose)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.output", def.Log.Output)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// REDIS_URL is honored when ACTIVITY_BACKEND_URL is not set
	_ = v.BindEnv("backend.url", EnvPrefix+"_BACKEND_URL", model.EnvRedisURL)
	return v
}

// ParseConfig decodes and validates the configuration held by v.
func ParseConfig(v *viper.Viper) (model.Config, error) {
	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
