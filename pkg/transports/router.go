// Package transports picks the command channel for a device: the local shell
// when the device is this machine, SSH otherwise.
package transports

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// Router implements engine.Transport by delegating to Local or Remote.
type Router struct {
	Local  engine.Transport
	Remote engine.Transport

	// hostname of this machine, compared case-insensitively.
	hostname string
}

var (
	_ engine.Transport  = (*Router)(nil)
	_ engine.FileWriter = (*Router)(nil)
)

// NewRouter creates a router. Either side may be nil when unavailable.
func NewRouter(local, remote engine.Transport) *Router {
	host, _ := os.Hostname()
	return &Router{Local: local, Remote: remote, hostname: host}
}

// IsLocal reports whether target is this machine: localhost, a loopback
// address, or the current hostname.
func (r *Router) IsLocal(target engine.Target) bool {
	for _, name := range []string{target.Address, target.Hostname} {
		if name == "" {
			continue
		}
		if strings.EqualFold(name, "localhost") || strings.HasSuffix(strings.ToLower(name), ".localhost") {
			return true
		}
		if ip := net.ParseIP(name); ip != nil && ip.IsLoopback() {
			return true
		}
		if r.hostname != "" && strings.EqualFold(name, r.hostname) {
			return true
		}
	}
	return false
}

func (r *Router) pick(target engine.Target) (engine.Transport, error) {
	t := r.Remote
	if r.IsLocal(target) {
		t = r.Local
	}
	if t == nil {
		return nil, errors.New("no transport available for " + target.Hostname)
	}
	return t, nil
}

// Check implements engine.Transport.
func (r *Router) Check(ctx context.Context, target engine.Target) error {
	t, err := r.pick(target)
	if err != nil {
		return err
	}
	return t.Check(ctx, target)
}

// Execute implements engine.Transport.
func (r *Router) Execute(ctx context.Context, target engine.Target, command string) (*engine.ExecResult, error) {
	t, err := r.pick(target)
	if err != nil {
		return nil, err
	}
	return t.Execute(ctx, target, command)
}

// WriteFile implements engine.FileWriter. Delegates without a native writer
// get the content through their command channel.
func (r *Router) WriteFile(ctx context.Context, target engine.Target, path string, data []byte, mode fs.FileMode) error {
	t, err := r.pick(target)
	if err != nil {
		return err
	}
	return engine.NewCommander(t, target).WriteFile(ctx, path, data, mode)
}

// Close closes delegates that hold connections.
func (r *Router) Close() error {
	var errs []error
	for _, t := range []engine.Transport{r.Local, r.Remote} {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
