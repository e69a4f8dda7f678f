// Package ssh provides the SSH transport for remote devices: commands run in
// SSH sessions and files are written over SFTP.
package ssh

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

// probeCommand is understood by POSIX shells, cmd.exe and PowerShell alike.
const probeCommand = "exit 0"

// Transport implements engine.Transport and engine.FileWriter. Connections are
// cached per user@host:port and reused for the whole session.
type Transport struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*SSHClient
}

var (
	_ engine.Transport  = (*Transport)(nil)
	_ engine.FileWriter = (*Transport)(nil)
)

// New creates an SSH transport with the given defaults.
func New(opts Options, logger zerolog.Logger) *Transport {
	return &Transport{
		opts:    opts,
		logger:  logger.With().Str("component", "transport.ssh").Logger(),
		clients: make(map[string]*SSHClient),
	}
}

// Check connects to target and runs a no-op command.
func (t *Transport) Check(ctx context.Context, target engine.Target) error {
	res, err := t.Execute(ctx, target, probeCommand)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &TransportError{Op: "check", Err: errors.New("probe command failed: " + strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// Execute runs command on target. Windows targets get the command as a
// PowerShell script. A connection found dead is re-established once.
func (t *Transport) Execute(ctx context.Context, target engine.Target, command string) (*engine.ExecResult, error) {
	if target.OS == engine.OSWindows {
		command = engine.PowerShellCommand(command)
	}

	client, err := t.client(ctx, target)
	if err != nil {
		return nil, err
	}
	res, err := client.ExecuteCommand(ctx, command)
	if err == nil || ctx.Err() != nil {
		return res, err
	}

	t.logger.Debug().Err(err).Str("hostname", target.Hostname).Msg("Command channel failed, reconnecting")
	t.drop(client)
	client, err = t.client(ctx, target)
	if err != nil {
		return nil, err
	}
	return client.ExecuteCommand(ctx, command)
}

// WriteFile implements engine.FileWriter over SFTP.
func (t *Transport) WriteFile(ctx context.Context, target engine.Target, path string, data []byte, mode fs.FileMode) error {
	client, err := t.client(ctx, target)
	if err != nil {
		return err
	}
	return client.WriteFile(ctx, path, data, mode)
}

// Close disconnects every cached connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for key, c := range t.clients {
		if err := c.Disconnect(); err != nil {
			errs = append(errs, err)
		}
		delete(t.clients, key)
	}
	return errors.Join(errs...)
}

func (t *Transport) client(ctx context.Context, target engine.Target) (*SSHClient, error) {
	cfg, err := t.opts.ConfigFor(target)
	if err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}
	key := cfg.User + "@" + cfg.Address()

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[key]; ok && c.IsConnected() {
		return c, nil
	}

	c, err := NewSSHClient(cfg, t.logger)
	if err != nil {
		return nil, &TransportError{Op: "config", Err: err}
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	t.clients[key] = c
	return c, nil
}

func (t *Transport) drop(c *SSHClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cached := range t.clients {
		if cached == c {
			delete(t.clients, key)
		}
	}
	_ = c.Disconnect()
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "write-file")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
