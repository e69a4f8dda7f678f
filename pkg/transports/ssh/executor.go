package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/avtune/avtune/pkg/engine"
)

// ExecuteCommand runs a command on the remote host. A non-zero exit status is
// returned in the result; the error covers channel failures only.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (*engine.ExecResult, error) {
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}
	return execute(ctx, sshClient, cmd, c.logger)
}

// execute runs one command in a fresh session.
func execute(ctx context.Context, client *ssh.Client, cmd string, logger zerolog.Logger) (*engine.ExecResult, error) {
	start := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = session.Signal(ssh.SIGKILL)
		}
		return nil, &TransportError{Op: "execute", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	result := &engine.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
	}
	return result, nil
}
