package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const samplePolicy = `# Devices on the broadcast VLAN must be tagged.
# severity: critical
package site.vlan

import rego.v1

deny contains "untagged broadcast device" if not input.device.tags
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseRegoFile(t *testing.T) {
	p, err := parseRegoFile("/inv/policies/vlan.rego", []byte(samplePolicy))
	if err != nil {
		t.Fatalf("parseRegoFile failed: %v", err)
	}
	if p.Name != "vlan" {
		t.Errorf("expected name 'vlan', got %q", p.Name)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("expected severity critical, got %s", p.Severity)
	}
	if p.Description != "Devices on the broadcast VLAN must be tagged." {
		t.Errorf("unexpected description %q", p.Description)
	}
	if !p.Enabled || p.Builtin || p.Source != "/inv/policies/vlan.rego" {
		t.Errorf("unexpected policy %+v", p)
	}

	plain, err := parseRegoFile("x.rego", []byte("package x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if plain.Severity != SeverityError {
		t.Errorf("default severity should be error, got %s", plain.Severity)
	}

	if _, err := parseRegoFile("x.rego", []byte("# severity: fatal\npackage x\n")); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "vlan.rego", samplePolicy)
	writePolicy(t, dir, "nested/clock.rego", "package site.clock\n")
	writePolicy(t, dir, "vlan_test.rego", "package site.vlan_test\n")
	writePolicy(t, dir, "README.md", "not a policy")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, filepath.Join(dir, "absent")})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "clock" || policies[1].Name != "vlan" {
		t.Errorf("unexpected order: %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "a/vlan.rego", "package a\n")
	writePolicy(t, dir, "b/vlan.rego", "package b\n")

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "vlan.rego", samplePolicy)
	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()

	if _, err := loader.loadFromFile(ctx, path); err != nil {
		t.Fatal(err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("expected cached entry, got %d", len(loader.cache))
	}

	// A newer modification time invalidates the entry.
	writePolicy(t, dir, "vlan.rego", "# severity: info\npackage site.vlan\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	p, err := loader.loadFromFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Severity != SeverityInfo {
		t.Errorf("expected reloaded severity info, got %s", p.Severity)
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Error("cache should be empty")
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "vlan.rego", samplePolicy)

	loader := NewLoader(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		loaded [][]Policy
	)
	reloaded := make(chan struct{}, 4)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		mu.Lock()
		loaded = append(loaded, p)
		mu.Unlock()
		reloaded <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	writePolicy(t, dir, "clock.rego", "package site.clock\n")

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	mu.Lock()
	defer mu.Unlock()
	if got := len(loaded[len(loaded)-1]); got != 2 {
		t.Errorf("expected 2 policies after reload, got %d", got)
	}
}

func TestWatch_NoPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(context.Background(), []string{filepath.Join(t.TempDir(), "none")}, func([]Policy) error { return nil })
	if err == nil {
		t.Error("expected error when nothing can be watched")
	}
	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching without a watch: %v", err)
	}
}
