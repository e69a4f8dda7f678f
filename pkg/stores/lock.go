package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

// LocksDir is the directory, relative to the inventory root, holding lease files.
const LocksDir = ".avtune/locks"

// LockConfig tunes FileLocker.
type LockConfig struct {
	// Timeout is how long Acquire waits for a busy lease. Zero fails immediately.
	Timeout time.Duration

	// StaleAfter is the age after which a lease is presumed abandoned and taken over.
	// Zero disables takeover.
	StaleAfter time.Duration

	// PollInterval is the retry interval while waiting.
	PollInterval time.Duration
}

// LockInfo is the content of a lease file.
type LockInfo struct {
	Holder   string    `json:"holder"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Created  time.Time `json:"created"`
}

func (i *LockInfo) String() string {
	return fmt.Sprintf("pid %d on %s since %s", i.PID, i.Hostname, i.Created.Format(time.RFC3339))
}

// FileLocker implements engine.Locker with one exclusive-create file per
// device, which also excludes other avtune processes on the same inventory.
type FileLocker struct {
	dir    string
	config LockConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewFileLocker creates a locker storing lease files under <root>/.avtune/locks.
func NewFileLocker(root string, cfg LockConfig, logger zerolog.Logger) *FileLocker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &FileLocker{
		dir:    filepath.Join(root, filepath.FromSlash(LocksDir)),
		config: cfg,
		logger: logger.With().Str("component", "store.lock").Logger(),
		now:    time.Now,
	}
}

// Acquire implements engine.Locker.
func (l *FileLocker) Acquire(ctx context.Context, hostname string) (engine.Lease, error) {
	if err := checkHostname(hostname); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}
	path := filepath.Join(l.dir, hostname+".lock")

	var deadline time.Time
	if l.config.Timeout > 0 {
		deadline = l.now().Add(l.config.Timeout)
	}

	for {
		lease, held, err := l.tryAcquire(path, hostname)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		if deadline.IsZero() || !l.now().Before(deadline) {
			holder := ""
			if held != nil {
				holder = held.String()
			}
			return nil, engine.NewSessionLockedError(hostname, holder)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.config.PollInterval):
		}
	}
}

// tryAcquire makes one attempt. It returns the current holder when the lease is busy.
func (l *FileLocker) tryAcquire(path, hostname string) (engine.Lease, *LockInfo, error) {
	info := l.newInfo()
	data, err := json.Marshal(info)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return nil, nil, fmt.Errorf("failed to write lease file: %w", errors.Join(werr, cerr))
		}
		l.logger.Debug().Str("hostname", hostname).Str("holder", info.Holder).Msg("Lease acquired")
		return &fileLease{path: path, holder: info.Holder}, nil, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, nil, fmt.Errorf("failed to create lease file: %w", err)
	}

	held := readLockInfo(path)
	if l.isStale(path, held) {
		l.logger.Warn().Str("hostname", hostname).Str("path", path).Msg("Taking over stale lease")
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, held, fmt.Errorf("failed to remove stale lease: %w", err)
		}
		return l.tryAcquire(path, hostname)
	}
	return nil, held, nil
}

func (l *FileLocker) isStale(path string, held *LockInfo) bool {
	if l.config.StaleAfter <= 0 {
		return false
	}
	created := time.Time{}
	if held != nil {
		created = held.Created
	} else if st, err := os.Stat(path); err == nil {
		created = st.ModTime()
	}
	return !created.IsZero() && l.now().Sub(created) > l.config.StaleAfter
}

func (l *FileLocker) newInfo() *LockInfo {
	host, _ := os.Hostname()
	return &LockInfo{
		Holder:   uuid.NewString(),
		PID:      os.Getpid(),
		Hostname: host,
		Created:  l.now().UTC(),
	}
}

func readLockInfo(path string) *LockInfo {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

type fileLease struct {
	path   string
	holder string
	once   sync.Once
	err    error
}

// Release removes the lease file if this lease still owns it.
func (f *fileLease) Release() error {
	f.once.Do(func() {
		if held := readLockInfo(f.path); held != nil && held.Holder != f.holder {
			return
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.err = fmt.Errorf("failed to release lease: %w", err)
		}
	})
	return f.err
}
