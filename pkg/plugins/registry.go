package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/handlers"
)

// Registry discovers plugins under a directory and instantiates them on
// first use. It implements handlers.PluginSource.
type Registry struct {
	dir    string
	config HostConfig
	logger zerolog.Logger

	mu        sync.Mutex
	manifests map[string]*Manifest
	hosts     map[string]*Host
}

// NewRegistry creates a registry for dir. Call Scan to load manifests.
func NewRegistry(dir string, config HostConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:       dir,
		config:    config,
		logger:    logger.With().Str("component", "plugins").Logger(),
		manifests: make(map[string]*Manifest),
		hosts:     make(map[string]*Host),
	}
}

// Scan loads <dir>/*/plugin.yaml. A missing directory is not an error.
// Invalid manifests are logged and skipped.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadManifest(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Skipping plugin")
			continue
		}
		if _, dup := r.manifests[m.Name]; dup {
			r.logger.Warn().Str("plugin", m.Name).Str("path", path).Msg("Duplicate plugin name, skipping")
			continue
		}
		r.manifests[m.Name] = m
	}
	r.logger.Debug().Int("count", len(r.manifests)).Msg("Plugins scanned")
	return nil
}

// Plugin implements handlers.PluginSource.
func (r *Registry) Plugin(ctx context.Context, name string) (handlers.PluginRunner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hosts[name]; ok {
		return h, nil
	}
	m, ok := r.manifests[name]
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("plugin %q", name), fmt.Errorf("not installed"))
	}

	wasm, err := os.ReadFile(m.WasmPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	h, err := NewHost(ctx, m, wasm, r.config, r.logger)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", name, err)
	}
	r.hosts[name] = h
	return h, nil
}

// Manifests lists the discovered plugins sorted by name.
func (r *Registry) Manifests() []*Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every instantiated plugin.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, h := range r.hosts {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
		}
	}
	r.hosts = make(map[string]*Host)
	return errors.Join(errs...)
}
