// Package local runs commands on the machine avtune itself runs on.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

// Transport implements engine.Transport and engine.FileWriter with os/exec.
type Transport struct {
	logger         zerolog.Logger
	commandTimeout time.Duration
}

var (
	_ engine.Transport  = (*Transport)(nil)
	_ engine.FileWriter = (*Transport)(nil)
)

// New creates a local transport. A zero commandTimeout leaves bounding to the caller's context.
func New(commandTimeout time.Duration, logger zerolog.Logger) *Transport {
	return &Transport{
		logger:         logger.With().Str("component", "transport.local").Logger(),
		commandTimeout: commandTimeout,
	}
}

// HostOS is the OS family of the running process.
func HostOS() engine.OSFamily {
	return engine.ParseOSFamily(runtime.GOOS)
}

// Check verifies that the shell for target can be started.
func (t *Transport) Check(ctx context.Context, target engine.Target) error {
	res, err := t.Execute(ctx, target, "exit 0")
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("local shell probe exited %d", res.ExitCode)
	}
	return nil
}

// Execute runs command through sh -c, or powershell on Windows.
func (t *Transport) Execute(ctx context.Context, target engine.Target, command string) (*engine.ExecResult, error) {
	if t.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.commandTimeout)
		defer cancel()
	}

	osFamily := target.OS
	if osFamily == engine.OSUnknown || osFamily == "" {
		osFamily = HostOS()
	}

	var cmd *exec.Cmd
	if osFamily == engine.OSWindows {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not hold Wait past cancellation.
	cmd.WaitDelay = 500 * time.Millisecond

	start := time.Now()
	err := cmd.Run()
	res := &engine.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	t.logger.Debug().
		Str("command", command).
		Dur("duration", res.Duration).
		Err(err).
		Msg("Command completed")

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("local exec failed: %w", err)
	}
	return res, nil
}

// WriteFile writes data atomically through a temporary sibling.
func (t *Transport) WriteFile(ctx context.Context, target engine.Target, path string, data []byte, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".avtune-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmpName, mode.Perm()); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}

	t.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("File written")
	return nil
}
