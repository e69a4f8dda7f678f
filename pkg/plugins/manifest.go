package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/avtune/avtune/pkg/engine"
)

// ManifestFile is the manifest name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest describes a WASM plugin.
type Manifest struct {
	Name        string `yaml:"name" validate:"required,hostname_rfc1123"`
	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description,omitempty"`

	// Entrypoint is the .wasm file, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex sha256 of the module. Optional, verified when set.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Platforms the plugin supports; empty means all.
	Platforms []engine.OSFamily `yaml:"platforms,omitempty"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

var validate = validator.New()

// LoadManifest reads and validates a plugin manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	for _, p := range m.Platforms {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid manifest: %w", err)
		}
	}
	return &m, nil
}

// WasmPath resolves the entrypoint relative to the manifest.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Entrypoint) || m.Path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
}

// VerifyChecksum checks module against the manifest checksum, if any.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(module)
	if computed := hex.EncodeToString(sum[:]); computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// Supports reports whether the plugin runs on os.
func (m *Manifest) Supports(os engine.OSFamily) bool {
	if len(m.Platforms) == 0 {
		return true
	}
	for _, p := range m.Platforms {
		if p == os {
			return true
		}
	}
	return false
}
