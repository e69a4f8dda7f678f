package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/avtune/avtune/pkg/handlers"
)

// HostConfig configures the WASM runtime of a plugin.
type HostConfig struct {
	// Timeout bounds each plugin call.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages. Default 256 (16MiB).
	MemoryLimitPages uint32
}

func (c HostConfig) withDefaults() HostConfig {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256
	}
	return c
}

// Host is one instantiated plugin. Calls are serialized: a WASM instance
// is single-threaded.
type Host struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *bridge
	logger   zerolog.Logger

	mu sync.Mutex
}

// NewHost compiles and instantiates a plugin module.
func NewHost(ctx context.Context, manifest *Manifest, wasm []byte, cfg HostConfig, logger zerolog.Logger) (*Host, error) {
	cfg = cfg.withDefaults()
	if err := manifest.VerifyChecksum(wasm); err != nil {
		return nil, err
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	h := &Host{
		manifest: manifest,
		runtime:  runtime,
		logger:   logger.With().Str("plugin", manifest.Name).Logger(),
	}

	if _, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(h.hostLog).Export("log").
		Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	// Plugins are WASI reactors: _initialize runs the guest runtime setup
	// and is skipped when the module does not export it.
	module, err := runtime.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().
		WithName(manifest.Name).
		WithStartFunctions("_initialize"))
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	b, err := newBridge(module, cfg.Timeout)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	h.module = module
	h.bridge = b
	return h, nil
}

// hostLog lets a plugin write a debug line: log(ptr, len).
func (h *Host) hostLog(_ context.Context, mod api.Module, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	h.logger.Debug().Msg(string(msg))
}

// Call implements handlers.PluginRunner.
func (h *Host) Call(ctx context.Context, req *handlers.PluginRequest) (*handlers.PluginResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bridge.call(ctx, req)
}

// Manifest returns the plugin manifest.
func (h *Host) Manifest() *Manifest { return h.manifest }

// Close releases the runtime.
func (h *Host) Close(ctx context.Context) error {
	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
