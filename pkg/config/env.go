package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AVTUNE_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	name string
	set  func(c *Config, value string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"STORE_BACKEND", str(func(c *Config) *string { return &c.Store.Backend })},
	{"STORE_PATH", str(func(c *Config) *string { return &c.Store.Path })},

	{"SSH_USER", str(func(c *Config) *string { return &c.SSH.User })},
	{"SSH_PORT", integer(func(c *Config) *int { return &c.SSH.Port })},
	{"SSH_KEY", str(func(c *Config) *string { return &c.SSH.KeyPath })},
	{"SSH_PASSWORD", str(func(c *Config) *string { return &c.SSH.Password })},
	{"SSH_AGENT", boolean(func(c *Config) *bool { return &c.SSH.UseAgent })},
	{"SSH_KNOWN_HOSTS", str(func(c *Config) *string { return &c.SSH.KnownHostsPath })},
	{"SSH_STRICT", boolean(func(c *Config) *bool { return &c.SSH.StrictHostKeyChecking })},
	{"SSH_JUMP_HOST", str(func(c *Config) *string { return &c.SSH.JumpHost })},

	{"CONNECT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Engine.ConnectTimeout })},
	{"POST_VERIFY", boolean(func(c *Config) *bool { return &c.Engine.PostVerify })},
	{"EXECUTED_BY", str(func(c *Config) *string { return &c.Engine.ExecutedBy })},
	{"LOCK_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Engine.LockTimeout })},

	{"GIT_ENABLED", boolean(func(c *Config) *bool { return &c.Git.Enabled })},
	{"GIT_AUTHOR", str(func(c *Config) *string { return &c.Git.Author })},
	{"GIT_EMAIL", str(func(c *Config) *string { return &c.Git.Email })},

	{"POLICY_ENABLED", boolean(func(c *Config) *bool { return &c.Policy.Enabled })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
	{"TRACE_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.Tracing.Exporter })},
	{"TRACE_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Tracing.Endpoint })},
	{"METRICS_FILE", str(func(c *Config) *string { return &c.Telemetry.Metrics.File })},
}

// ApplyEnv overrides fields from AVTUNE_* variables. The unprefixed
// LOG_LEVEL is honored when AVTUNE_LOG_LEVEL is not set.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Telemetry.Logging.Level = v
	}
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, b.name, v, err)
		}
	}
	return nil
}
