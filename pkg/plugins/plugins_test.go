package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtune/avtune/pkg/engine"
)

const manifestYAML = `
name: dante-tune
version: 1.2.0
description: Dante virtual soundcard latency
entrypoint: dante.wasm
platforms: [windows, macos]
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)

	assert.Equal(t, "dante-tune", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.True(t, m.Supports(engine.OSWindows))
	assert.False(t, m.Supports(engine.OSLinux))
	assert.Equal(t, "dante.wasm", m.WasmPath())
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "version: 1.0.0\nentrypoint: a.wasm\n"},
		{"missing version", "name: a\nentrypoint: a.wasm\n"},
		{"missing entrypoint", "name: a\nversion: 1.0.0\n"},
		{"bad name", "name: 'Not A Name'\nversion: 1.0.0\nentrypoint: a.wasm\n"},
		{"short checksum", "name: a\nversion: 1.0.0\nentrypoint: a.wasm\nchecksum: abc\n"},
		{"unknown platform", "name: a\nversion: 1.0.0\nentrypoint: a.wasm\nplatforms: [beos]\n"},
		{"not yaml", "name: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestManifest_VerifyChecksum(t *testing.T) {
	module := []byte("\x00asm module bytes")
	sum := sha256.Sum256(module)

	m := &Manifest{Checksum: hex.EncodeToString(sum[:])}
	assert.NoError(t, m.VerifyChecksum(module))
	assert.ErrorContains(t, m.VerifyChecksum([]byte("tampered")), "checksum mismatch")

	unsigned := &Manifest{}
	assert.NoError(t, unsigned.VerifyChecksum([]byte("anything")))
}

func TestManifest_WasmPathIsRelativeToManifest(t *testing.T) {
	m := &Manifest{Entrypoint: "mod.wasm", Path: "/srv/inv/plugins/x/plugin.yaml"}
	assert.Equal(t, "/srv/inv/plugins/x/mod.wasm", m.WasmPath())

	abs := &Manifest{Entrypoint: "/opt/mod.wasm", Path: "/srv/inv/plugins/x/plugin.yaml"}
	assert.Equal(t, "/opt/mod.wasm", abs.WasmPath())
}

func writePlugin(t *testing.T, dir, name, manifest string, wasm []byte) {
	t.Helper()
	pdir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pdir, ManifestFile), []byte(manifest), 0o644))
	if wasm != nil {
		require.NoError(t, os.WriteFile(filepath.Join(pdir, "dante.wasm"), wasm, 0o644))
	}
}

func TestRegistry_Scan(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "dante", manifestYAML, []byte("not wasm"))
	writePlugin(t, dir, "broken", "name: [\n", nil)
	writePlugin(t, dir, "dup", manifestYAML, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	r := NewRegistry(dir, HostConfig{}, zerolog.Nop())
	require.NoError(t, r.Scan())

	ms := r.Manifests()
	require.Len(t, ms, 1)
	assert.Equal(t, "dante-tune", ms[0].Name)
}

func TestRegistry_ScanMissingDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "nope"), HostConfig{}, zerolog.Nop())
	assert.NoError(t, r.Scan())
	assert.Empty(t, r.Manifests())
}

func TestRegistry_Plugin(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePlugin(t, dir, "dante", manifestYAML, []byte("not wasm"))

	r := NewRegistry(dir, HostConfig{}, zerolog.Nop())
	require.NoError(t, r.Scan())
	defer r.Close(ctx)

	_, err := r.Plugin(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))

	_, err = r.Plugin(ctx, "dante-tune")
	assert.ErrorContains(t, err, "failed to instantiate WASM module")
}

func TestNewHost_ChecksumMismatch(t *testing.T) {
	m := &Manifest{Name: "x", Checksum: hex.EncodeToString(make([]byte, 32))}
	_, err := NewHost(context.Background(), m, []byte("\x00asm"), HostConfig{}, zerolog.Nop())
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestPackUnpack(t *testing.T) {
	ptr, length := unpack(pack(0x1000, 42))
	assert.Equal(t, uint32(0x1000), ptr)
	assert.Equal(t, uint32(42), length)
}
