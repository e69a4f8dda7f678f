package handlers

import (
	"context"
	"testing"

	"github.com/avtune/avtune/pkg/engine"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	h := &CommandHandler{}

	if err := r.Register("command", h, engine.OSLinux, engine.OSMacOS); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("command", h, engine.OSMacOS); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := r.Register("", h, engine.OSLinux); err == nil {
		t.Error("expected error for empty module name")
	}
	if err := r.Register("x", nil, engine.OSLinux); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := r.Register("x", h); err == nil {
		t.Error("expected error for no platforms")
	}

	got, err := r.Resolve("command", engine.OSLinux)
	if err != nil || got != h {
		t.Fatalf("Resolve = %v, %v", got, err)
	}

	_, err = r.Resolve("command", engine.OSWindows)
	if engine.CodeOf(err) != engine.ErrCodeHandlerNotFound {
		t.Errorf("code = %s, want %s", engine.CodeOf(err), engine.ErrCodeHandlerNotFound)
	}
	if r.Supports("command", engine.OSWindows) {
		t.Error("command should not support windows")
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(Options{})

	tests := []struct {
		module string
		os     engine.OSFamily
		want   bool
	}{
		{ModuleSysctl, engine.OSLinux, true},
		{ModuleSysctl, engine.OSMacOS, true},
		{ModuleSysctl, engine.OSWindows, false},
		{ModuleRegistry, engine.OSWindows, true},
		{ModuleRegistry, engine.OSLinux, false},
		{ModuleLimits, engine.OSLinux, true},
		{ModuleLimits, engine.OSMacOS, false},
		{ModuleQoS, engine.OSMacOS, false},
		{ModuleCommand, engine.OSWindows, true},
		{ModulePlugin, engine.OSLinux, false},
	}
	for _, tt := range tests {
		if got := r.Supports(tt.module, tt.os); got != tt.want {
			t.Errorf("Supports(%s, %s) = %v, want %v", tt.module, tt.os, got, tt.want)
		}
	}

	mods := r.Modules()
	if len(mods) != len(BuiltinModules)-1 {
		t.Errorf("got %d modules, want %d", len(mods), len(BuiltinModules)-1)
	}
	for i := 1; i < len(mods); i++ {
		if mods[i-1].Name >= mods[i].Name {
			t.Errorf("modules not sorted: %s before %s", mods[i-1].Name, mods[i].Name)
		}
	}
}

type nopPlugins struct{}

func (nopPlugins) Plugin(context.Context, string) (PluginRunner, error) { return nil, nil }

func TestNewDefaultRegistry_WithPlugins(t *testing.T) {
	r := NewDefaultRegistry(Options{Plugins: nopPlugins{}})
	if !r.Supports(ModulePlugin, engine.OSWindows) {
		t.Error("plugin module should be registered when a source is configured")
	}
}
