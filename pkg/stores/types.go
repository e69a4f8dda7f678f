package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

// Backend selects the persistence implementation.
type Backend string

const (
	// BackendFiles keeps YAML records under the inventory directory.
	BackendFiles Backend = "files"

	// BackendSQLite keeps records in a single SQLite database.
	BackendSQLite Backend = "sqlite"
)

// DefaultDatabaseFile is the SQLite file name inside the inventory.
const DefaultDatabaseFile = "inventory.db"

// Store is an inventory backend.
type Store interface {
	engine.Inventory

	// Close releases the backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend defaults to BackendFiles.
	Backend Backend

	// Root is the inventory directory.
	Root string

	// Path is the SQLite database path; relative paths are resolved against Root.
	Path string
}

// Open creates the configured backend and prepares it for use.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("inventory root is required")
	}

	switch cfg.Backend {
	case "", BackendFiles:
		return NewFileStore(cfg.Root, logger), nil

	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = DefaultDatabaseFile
		}
		if path != ":memory:" && !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Root, path)
		}

		store, err := NewSQLiteStore(SQLiteConfig{Path: path, Root: cfg.Root})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// checkHostname rejects names that would escape the inventory layout.
func checkHostname(hostname string) error {
	if hostname == "" || hostname == "." || hostname == ".." ||
		strings.ContainsAny(hostname, `/\`) || strings.Contains(hostname, "..") {
		return engine.NewValidationError(fmt.Sprintf("invalid hostname %q", hostname), nil)
	}
	return nil
}
