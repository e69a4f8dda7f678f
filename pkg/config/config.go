package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/stores"
	"github.com/avtune/avtune/pkg/telemetry"
	"github.com/avtune/avtune/pkg/transports/ssh"
	"github.com/avtune/avtune/pkg/versioning"
)

// FileName is the configuration file looked up in the inventory root.
const FileName = "avtune.yaml"

// Config is the complete avtune configuration.
type Config struct {
	Inventory InventoryConfig  `yaml:"inventory"`
	Store     StoreConfig      `yaml:"store"`
	SSH       SSHConfig        `yaml:"ssh"`
	Engine    EngineConfig     `yaml:"engine"`
	Git       GitConfig        `yaml:"git"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Policy    PolicyConfig     `yaml:"policy"`
}

// InventoryConfig locates the inventory directories. Relative paths are
// resolved against Dir.
type InventoryConfig struct {
	Dir      string `yaml:"dir" validate:"required"`
	Recipes  string `yaml:"recipes" validate:"required"`
	Profiles string `yaml:"profiles"`
	Policies string `yaml:"policies"`
	Plugins  string `yaml:"plugins"`

	// StarlarkTimeout bounds the evaluation of one .star recipe.
	StarlarkTimeout time.Duration `yaml:"starlark_timeout" validate:"gte=0"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=files sqlite"`
	Path    string `yaml:"path"`
}

// SSHConfig holds the defaults for remote sessions. Device records override
// user and port.
type SSHConfig struct {
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port" validate:"min=1,max=65535"`
	KeyPath               string        `yaml:"key"`
	KeyPassphrase         string        `yaml:"key_passphrase"`
	Password              string        `yaml:"password"`
	UseAgent              bool          `yaml:"agent"`
	KnownHostsPath        string        `yaml:"known_hosts"`
	StrictHostKeyChecking bool          `yaml:"strict"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gte=0"`
	KeepAliveInterval     time.Duration `yaml:"keepalive" validate:"gte=0"`
	JumpHost              string        `yaml:"jump_host"`
}

// EngineConfig tunes session execution.
type EngineConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	PostVerify     bool          `yaml:"post_verify"`
	DryRun         bool          `yaml:"dry_run"`
	ExecutedBy     string        `yaml:"executed_by"`
	LockTimeout    time.Duration `yaml:"lock_timeout" validate:"gte=0"`
	LockStaleAfter time.Duration `yaml:"lock_stale_after" validate:"gte=0"`
}

// GitConfig controls the versioning of inventory records.
type GitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Author  string        `yaml:"author"`
	Email   string        `yaml:"email" validate:"omitempty,email"`
	Retries uint          `yaml:"retries" validate:"lte=10"`
	Delay   time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// PolicyConfig controls pre-run policy evaluation.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are extra policy files or directories on top of the
	// inventory policies directory.
	Paths []string `yaml:"paths"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Inventory: InventoryConfig{
			Dir:             ".",
			Recipes:         "recipes",
			Profiles:        "profiles",
			Policies:        "policies",
			Plugins:         "plugins",
			StarlarkTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: string(stores.BackendFiles),
		},
		SSH: SSHConfig{
			Port:                  22,
			KnownHostsPath:        defaultKnownHosts(),
			StrictHostKeyChecking: true,
			ConnectTimeout:        engine.DefaultConnectTimeout,
			CommandTimeout:        5 * time.Minute,
		},
		Engine: EngineConfig{
			ConnectTimeout: engine.DefaultConnectTimeout,
			PostVerify:     true,
			ExecutedBy:     defaultExecutor(),
			LockTimeout:    0,
			LockStaleAfter: time.Hour,
		},
		Git: GitConfig{
			Enabled: true,
			Author:  "avtune",
			Email:   "avtune@localhost",
			Retries: 3,
			Delay:   200 * time.Millisecond,
		},
		Telemetry: telemetry.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration for the inventory at dir. path may be empty,
// in which case <dir>/avtune.yaml is used if present. Defaults apply first,
// then the file, then AVTUNE_* environment variables.
func Load(dir, path string) (*Config, error) {
	cfg := Default()
	cfg.Inventory.Dir = dir

	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, engine.NewParseError(path, err)
		}
		// The inventory flag always wins over a dir written in the file.
		if dir != "" {
			cfg.Inventory.Dir = dir
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, engine.NewValidationError("invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges a YAML document over cfg. Unknown keys are errors.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewValidationError("invalid configuration", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewValidationError("invalid telemetry configuration", err)
	}
	return nil
}

// Resolve returns p relative to the inventory directory. Absolute paths and
// empty strings are returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Inventory.Dir, p)
}

// RecipesDir is the resolved recipes directory.
func (c *Config) RecipesDir() string { return c.Resolve(c.Inventory.Recipes) }

// ProfilesDir is the resolved profiles directory.
func (c *Config) ProfilesDir() string { return c.Resolve(c.Inventory.Profiles) }

// PluginsDir is the resolved WASM plugin directory.
func (c *Config) PluginsDir() string { return c.Resolve(c.Inventory.Plugins) }

// PolicyPaths lists every policy location, inventory directory first.
func (c *Config) PolicyPaths() []string {
	var paths []string
	if c.Inventory.Policies != "" {
		paths = append(paths, c.Resolve(c.Inventory.Policies))
	}
	for _, p := range c.Policy.Paths {
		paths = append(paths, c.Resolve(p))
	}
	return paths
}

// EngineOptions derives the engine options.
func (c *Config) EngineOptions(version string) engine.Options {
	opts := engine.DefaultOptions()
	opts.DryRun = c.Engine.DryRun
	opts.ConnectTimeout = c.Engine.ConnectTimeout
	opts.PostVerify = c.Engine.PostVerify
	opts.ExecutedBy = c.Engine.ExecutedBy
	opts.Version = version
	return opts
}

// StoreConfig returns the stores.Open configuration.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Backend: stores.Backend(c.Store.Backend),
		Root:    c.Inventory.Dir,
		Path:    c.Store.Path,
	}
}

// LockConfig returns the lease configuration.
func (c *Config) LockConfig() stores.LockConfig {
	return stores.LockConfig{
		Timeout:      c.Engine.LockTimeout,
		StaleAfter:   c.Engine.LockStaleAfter,
		PollInterval: 250 * time.Millisecond,
	}
}

// SSHOptions returns the SSH transport defaults.
func (c *Config) SSHOptions() ssh.Options {
	opts := ssh.Options{
		User:                  c.SSH.User,
		Port:                  c.SSH.Port,
		Password:              c.SSH.Password,
		PrivateKeyPath:        c.SSH.KeyPath,
		PrivateKeyPassphrase:  c.SSH.KeyPassphrase,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
		ConnectionTimeout:     c.SSH.ConnectTimeout,
		CommandTimeout:        c.SSH.CommandTimeout,
		KeepAliveInterval:     c.SSH.KeepAliveInterval,
		JumpHost:              c.SSH.JumpHost,
	}
	if c.SSH.UseAgent {
		opts.AuthMethod = ssh.AuthMethodAgent
	}
	return opts
}

// VersioningConfig returns the git committer configuration.
func (c *Config) VersioningConfig() versioning.Config {
	return versioning.Config{
		Dir:      c.Inventory.Dir,
		Author:   c.Git.Author,
		Email:    c.Git.Email,
		Attempts: c.Git.Retries,
		Delay:    c.Git.Delay,
	}
}

func defaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultExecutor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "avtune"
}
