package stores

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/avtune/avtune/pkg/engine"
)

const (
	devicesDir  = "devices"
	historyDir  = "history"
	deviceFile  = "device.yaml"
	stateFile   = "state.yaml"
	recordExt   = ".yaml"
	tempPattern = ".tmp-*"
)

// FileStore keeps inventory records as YAML files under a root directory.
type FileStore struct {
	root   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFileStore creates a store rooted at the inventory directory.
func NewFileStore(root string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		root:   root,
		logger: logger.With().Str("component", "store.files").Logger(),
	}
}

// Root returns the inventory directory.
func (s *FileStore) Root() string { return s.root }

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) deviceDir(hostname string) string {
	return filepath.Join(s.root, devicesDir, hostname)
}

// LoadDevice implements engine.DeviceStore.
func (s *FileStore) LoadDevice(_ context.Context, hostname string) (*engine.Device, error) {
	if checkHostname(hostname) != nil {
		return nil, engine.NewDeviceNotFoundError(hostname)
	}
	var d engine.Device
	if err := readYAML(filepath.Join(s.deviceDir(hostname), deviceFile), &d); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewDeviceNotFoundError(hostname)
		}
		return nil, engine.NewParseError(hostname, err).WithOperation("load device")
	}
	return &d, nil
}

// SaveDevice implements engine.DeviceStore.
func (s *FileStore) SaveDevice(_ context.Context, device *engine.Device) error {
	if err := checkHostname(device.Hostname); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *device
	cp.Tags = engine.MergeTags(nil, device.Tags...)
	return writeYAML(filepath.Join(s.deviceDir(device.Hostname), deviceFile), &cp)
}

// RegisterDevice implements engine.DeviceStore. An existing record is merged
// with engine.MergeRegistration and an empty state is created for new devices.
func (s *FileStore) RegisterDevice(ctx context.Context, device *engine.Device) (*engine.Device, error) {
	if err := checkHostname(device.Hostname); err != nil {
		return nil, err
	}

	existing, err := s.LoadDevice(ctx, device.Hostname)
	if err != nil && !errors.Is(err, engine.ErrDeviceNotFound) {
		return nil, err
	}
	merged := engine.MergeRegistration(existing, device)

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.deviceDir(device.Hostname)
	if err := writeYAML(filepath.Join(dir, deviceFile), merged); err != nil {
		return nil, err
	}
	statePath := filepath.Join(dir, stateFile)
	if _, err := os.Stat(statePath); errors.Is(err, fs.ErrNotExist) {
		if err := writeYAML(statePath, engine.NewDeviceState()); err != nil {
			return nil, err
		}
	}

	s.logger.Debug().Str("hostname", merged.Hostname).Bool("created", existing == nil).Msg("Device record written")
	return merged, nil
}

// ListDevices implements engine.DeviceStore.
func (s *FileStore) ListDevices(ctx context.Context) ([]*engine.Device, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, devicesDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var out []*engine.Device
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d, err := s.LoadDevice(ctx, e.Name())
		if err != nil {
			if errors.Is(err, engine.ErrDeviceNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// RemoveDevice implements engine.DeviceStore.
func (s *FileStore) RemoveDevice(_ context.Context, hostname string) error {
	if err := checkHostname(hostname); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.deviceDir(hostname)
	if _, err := os.Stat(filepath.Join(dir, deviceFile)); errors.Is(err, fs.ErrNotExist) {
		return engine.NewDeviceNotFoundError(hostname)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove device directory: %w", err)
	}
	return nil
}

// LoadState implements engine.DeviceStore. A registered device without a
// state file has an empty state.
func (s *FileStore) LoadState(ctx context.Context, hostname string) (*engine.DeviceState, error) {
	if _, err := s.LoadDevice(ctx, hostname); err != nil {
		return nil, err
	}
	state := engine.NewDeviceState()
	if err := readYAML(filepath.Join(s.deviceDir(hostname), stateFile), state); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return engine.NewDeviceState(), nil
		}
		return nil, engine.NewParseError(hostname, err).WithOperation("load state")
	}
	state.Normalize()
	return state, nil
}

// SaveState implements engine.DeviceStore.
func (s *FileStore) SaveState(ctx context.Context, hostname string, state *engine.DeviceState) error {
	prev, err := s.LoadState(ctx, hostname)
	if err != nil {
		return err
	}
	if state.LastUpdated.Before(prev.LastUpdated) {
		return engine.NewStaleStateError(hostname)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeYAML(filepath.Join(s.deviceDir(hostname), stateFile), state)
}

func (s *FileStore) sessionPath(hostname, sessionID string) (string, error) {
	if err := checkHostname(hostname); err != nil {
		return "", err
	}
	if sessionID == "" || strings.ContainsAny(sessionID, `/\.`) {
		return "", engine.NewValidationError(fmt.Sprintf("invalid session id %q", sessionID), nil)
	}
	return filepath.Join(s.deviceDir(hostname), historyDir, sessionID+recordExt), nil
}

// CreateSession implements engine.HistoryStore.
func (s *FileStore) CreateSession(_ context.Context, session *engine.Session) error {
	p, err := s.sessionPath(session.Hostname, session.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(p); err == nil {
		return engine.NewSessionExistsError(session.ID)
	}
	return writeYAML(p, session)
}

// FinalizeSession implements engine.HistoryStore.
func (s *FileStore) FinalizeSession(_ context.Context, session *engine.Session) error {
	p, err := s.sessionPath(session.Hostname, session.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored engine.Session
	if err := readYAML(p, &stored); err != nil {
		return fmt.Errorf("failed to read session %s: %w", session.ID, err)
	}
	if stored.Status.IsTerminal() {
		return engine.NewSessionFinalizedError(session.ID)
	}
	return writeYAML(p, session)
}

// GetSession implements engine.HistoryStore.
func (s *FileStore) GetSession(_ context.Context, hostname, sessionID string) (*engine.Session, error) {
	p, err := s.sessionPath(hostname, sessionID)
	if err != nil {
		return nil, err
	}
	var session engine.Session
	if err := readYAML(p, &session); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewValidationError(fmt.Sprintf("session %s not found", sessionID), err).WithResource(hostname)
		}
		return nil, engine.NewParseError(sessionID, err)
	}
	return &session, nil
}

// ListSessions implements engine.HistoryStore.
func (s *FileStore) ListSessions(ctx context.Context, hostname string, limit int) ([]*engine.Session, error) {
	if _, err := s.LoadDevice(ctx, hostname); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.deviceDir(hostname), historyDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	var out []*engine.Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != recordExt {
			continue
		}
		session, err := s.GetSession(ctx, hostname, strings.TrimSuffix(e.Name(), recordExt))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("Skipping unreadable session record")
			continue
		}
		out = append(out, session)
	}

	sortSessions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordPaths implements engine.Inventory. Paths are relative to the root
// and use forward slashes.
func (s *FileStore) RecordPaths(hostname, sessionID string) []string {
	base := path.Join(devicesDir, hostname)
	if sessionID == "" {
		return []string{base}
	}
	return []string{
		path.Join(base, deviceFile),
		path.Join(base, stateFile),
		path.Join(base, historyDir, sessionID+recordExt),
	}
}

// sortSessions orders newest first; ties fall back to the id.
func sortSessions(sessions []*engine.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.ID > b.ID
	})
}

func readYAML(p string, out any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// writeYAML replaces p atomically with the encoded value.
func writeYAML(p string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(p), err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(p), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(p), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(p), err)
	}
	return nil
}
