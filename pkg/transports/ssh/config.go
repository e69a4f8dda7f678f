package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/avtune/avtune/pkg/engine"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds the connection settings of one device.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file used for host key verification.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	// Without it unknown hosts are accepted, but a changed key is still refused.
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// CommandTimeout bounds each command; zero leaves it to the caller's context.
	CommandTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string

	// ProxyPort is the port of the jump host
	ProxyPort int

	// ProxyUser is the username for the jump host
	ProxyUser string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     5 * time.Second,
		CommandTimeout:        5 * time.Minute,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	return c.clientConfig(c.User)
}

func (c *Config) clientConfig(user string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for password prompts.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// hostKeyCallback verifies against known_hosts. In non-strict mode a host
// with no recorded key is accepted while a mismatching key is still rejected.
func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		if c.StrictHostKeyChecking {
			return nil, fmt.Errorf("strict host key checking requires a known_hosts file")
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if _, err := os.Stat(c.KnownHostsPath); os.IsNotExist(err) && !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	verify, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	if c.StrictHostKeyChecking {
		return verify, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil
		}
		return err
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// Options are the inventory-wide SSH defaults a Transport derives per-device
// Config values from.
type Options struct {
	User                  string
	Port                  int
	AuthMethod            AuthMethod
	Password              string
	PrivateKeyPath        string
	PrivateKeyPassphrase  string
	KnownHostsPath        string
	StrictHostKeyChecking bool
	ConnectionTimeout     time.Duration
	CommandTimeout        time.Duration
	KeepAliveInterval     time.Duration

	// JumpHost is an optional bastion, as [user@]host[:port].
	JumpHost string
}

// ConfigFor builds the connection config of target. Target fields win over
// the defaults in o.
func (o Options) ConfigFor(target engine.Target) (*Config, error) {
	user := target.User
	if user == "" {
		user = o.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := DefaultConfig(target.Address, user)
	if cfg.Host == "" {
		cfg.Host = target.Hostname
	}
	if o.Port > 0 {
		cfg.Port = o.Port
	}
	if target.Port > 0 {
		cfg.Port = target.Port
	}
	if o.AuthMethod != "" {
		cfg.AuthMethod = o.AuthMethod
	} else if o.Password != "" {
		cfg.AuthMethod = AuthMethodPassword
	}
	cfg.Password = o.Password
	cfg.PrivateKeyPath = o.PrivateKeyPath
	cfg.PrivateKeyPassphrase = o.PrivateKeyPassphrase
	if o.KnownHostsPath != "" {
		cfg.KnownHostsPath = o.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = o.StrictHostKeyChecking
	if o.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = o.ConnectionTimeout
	}
	if o.CommandTimeout > 0 {
		cfg.CommandTimeout = o.CommandTimeout
	}
	cfg.KeepAliveInterval = o.KeepAliveInterval

	if o.JumpHost != "" {
		jumpUser, host, port, err := parseJumpHost(o.JumpHost)
		if err != nil {
			return nil, err
		}
		if jumpUser == "" {
			jumpUser = user
		}
		cfg.ProxyHost, cfg.ProxyPort, cfg.ProxyUser = host, port, jumpUser
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseJumpHost splits [user@]host[:port].
func parseJumpHost(spec string) (user, host string, port int, err error) {
	rest := spec
	for i := 0; i < len(rest); i++ {
		if rest[i] == '@' {
			user, rest = rest[:i], rest[i+1:]
			break
		}
	}
	port = 22
	if h, p, splitErr := net.SplitHostPort(rest); splitErr == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n <= 0 || n > 65535 {
			return "", "", 0, fmt.Errorf("invalid jump host port: %q", p)
		}
		rest, port = h, n
	}
	if rest == "" {
		return "", "", 0, fmt.Errorf("invalid jump host: %q", spec)
	}
	return user, rest, port, nil
}
