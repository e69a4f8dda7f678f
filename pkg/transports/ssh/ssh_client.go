package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient is one authenticated connection to a device, optionally through a jump host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ViaProxy     string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// NewSSHClient validates config and returns an unconnected client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{
		config: config,
		logger: logger.With().Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. A live connection is reused.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.stop)
	}
	return nil
}

// connectDirect dials the device with the connection timeout and ctx both applied.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	client, err := dialSSH(ctx, nil, address, clientConfig, c.config.ConnectionTimeout)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: !isAuthError(err), IsAuthError: isAuthError(err)}
	}

	c.client = client
	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy connects to the jump host first and tunnels the device connection through it.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.clientConfig(c.config.ProxyUser)
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	proxyAddress := c.config.ProxyAddress()
	c.logger.Debug().Str("proxy", proxyAddress).Msg("Connecting to jump host")

	jump, err := dialSSH(ctx, nil, proxyAddress, proxyConfig, c.config.ConnectionTimeout)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: !isAuthError(err), IsAuthError: isAuthError(err)}
	}

	targetAddress := c.config.Address()
	client, err := dialSSH(ctx, jump, targetAddress, targetConfig, c.config.ConnectionTimeout)
	if err != nil {
		_ = jump.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: !isAuthError(err), IsAuthError: isAuthError(err)}
	}

	c.client = client
	c.jump = jump
	c.logger.Info().Str("target", targetAddress).Str("proxy", proxyAddress).Msg("SSH connection established via proxy")
	return nil
}

// dialSSH opens a TCP connection (through via when set) and runs the SSH handshake.
func dialSSH(ctx context.Context, via *ssh.Client, address string, config *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Disconnect closes the connection and the jump host connection.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}
	c.logger.Debug().Msg("Closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.jump != nil {
		_ = c.jump.Close()
	}
	c.client, c.jump = nil, nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal opens and closes a session; the caller holds connMu.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	_ = session.Close()
	return nil
}

// keepAlive pings the server until stop is closed or too many pings fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
			if failures >= 3 {
				return
			}
			continue
		}
		failures = 0
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ViaProxy:     c.config.ProxyAddress(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client for the executor and file writer.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.client, nil
}
