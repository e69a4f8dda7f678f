package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/avtune/avtune/pkg/engine"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("iem.lan", "audio")

	if config.Host != "iem.lan" {
		t.Errorf("expected host 'iem.lan', got '%s'", config.Host)
	}
	if config.User != "audio" {
		t.Errorf("expected user 'audio', got '%s'", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 5*time.Second {
		t.Errorf("expected connection timeout 5s, got %v", config.ConnectionTimeout)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
}

func TestConfigValidation(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name: "valid key config",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
			},
		},
		{
			name:        "missing host",
			modifyFunc:  func(c *Config) { c.Host = "" },
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name:        "invalid port",
			modifyFunc:  func(c *Config) { c.Port = 70000 },
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name:        "missing user",
			modifyFunc:  func(c *Config) { c.User = "" },
			expectError: true,
			errorMsg:    "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			expectError: true,
			errorMsg:    "password is required",
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = filepath.Join(t.TempDir(), "nope")
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "unsupported auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			expectError: true,
			errorMsg:    "unsupported auth method",
		},
		{
			name: "zero connection timeout",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "connection timeout must be positive",
		},
		{
			name: "proxy without user",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.ProxyHost = "bastion.lan"
			},
			expectError: true,
			errorMsg:    "proxy user is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("iem.lan", "audio")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("10.0.0.5", "audio")
	config.Port = 2222
	if got := config.Address(); got != "10.0.0.5:2222" {
		t.Errorf("expected '10.0.0.5:2222', got %q", got)
	}

	config.Host = "fe80::1"
	if got := config.Address(); got != "[fe80::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got %q", got)
	}

	if config.IsProxyEnabled() || config.ProxyAddress() != "" {
		t.Error("proxy should be disabled by default")
	}
	config.ProxyHost = "bastion.lan"
	if !config.IsProxyEnabled() || config.ProxyAddress() != "bastion.lan:22" {
		t.Errorf("unexpected proxy address %q", config.ProxyAddress())
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("iem.lan", "audio")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false
		config.KnownHostsPath = ""

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "audio" {
			t.Errorf("expected user 'audio', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 5*time.Second {
			t.Errorf("expected timeout 5s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		config := DefaultConfig("iem.lan", "audio")
		config.PrivateKeyPath = writeTestKey(t)
		config.StrictHostKeyChecking = false
		config.KnownHostsPath = ""

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("corrupt key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		config := DefaultConfig("iem.lan", "audio")
		config.PrivateKeyPath = path
		config.StrictHostKeyChecking = false
		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("strict checking requires known_hosts", func(t *testing.T) {
		config := DefaultConfig("iem.lan", "audio")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = ""
		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error without known_hosts")
		}
	})
}

func TestOptionsConfigFor(t *testing.T) {
	opts := Options{
		User:              "audio",
		Port:              2200,
		Password:          "secret",
		ConnectionTimeout: 3 * time.Second,
		JumpHost:          "ops@bastion.lan:2022",
	}

	cfg, err := opts.ConfigFor(engine.Target{Hostname: "iem.lan", Address: "10.0.0.5"})
	if err != nil {
		t.Fatalf("ConfigFor: %v", err)
	}
	if cfg.Host != "10.0.0.5" || cfg.Port != 2200 || cfg.User != "audio" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.AuthMethod != AuthMethodPassword {
		t.Errorf("password option should select password auth, got %s", cfg.AuthMethod)
	}
	if cfg.ProxyAddress() != "bastion.lan:2022" || cfg.ProxyUser != "ops" {
		t.Errorf("unexpected jump host %q user %q", cfg.ProxyAddress(), cfg.ProxyUser)
	}

	cfg, err = opts.ConfigFor(engine.Target{Hostname: "foh.lan", User: "admin", Port: 22})
	if err != nil {
		t.Fatalf("ConfigFor: %v", err)
	}
	if cfg.Host != "foh.lan" || cfg.Port != 22 || cfg.User != "admin" {
		t.Errorf("target fields should win: %+v", cfg)
	}
}

func TestParseJumpHost(t *testing.T) {
	tests := []struct {
		spec    string
		user    string
		host    string
		port    int
		wantErr bool
	}{
		{spec: "bastion.lan", host: "bastion.lan", port: 22},
		{spec: "ops@bastion.lan", user: "ops", host: "bastion.lan", port: 22},
		{spec: "ops@bastion.lan:2022", user: "ops", host: "bastion.lan", port: 2022},
		{spec: "[fe80::1]:2022", host: "fe80::1", port: 2022},
		{spec: "bastion.lan:notaport", wantErr: true},
		{spec: "ops@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			user, host, port, err := parseJumpHost(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if user != tt.user || host != tt.host || port != tt.port {
				t.Errorf("got %q %q %d", user, host, port)
			}
		})
	}
}

// writeTestKey writes an unencrypted ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return path
}
