package stores

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

func TestFileLocker_Exclusive(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first := NewFileLocker(root, LockConfig{}, zerolog.Nop())
	second := NewFileLocker(root, LockConfig{}, zerolog.Nop())

	lease, err := first.Acquire(ctx, "iem.lan")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := second.Acquire(ctx, "iem.lan"); !errors.Is(err, engine.ErrSessionLocked) {
		t.Fatalf("second Acquire err = %v, want session locked", err)
	}

	other, err := second.Acquire(ctx, "foh.lan")
	if err != nil {
		t.Fatalf("other host should not be blocked: %v", err)
	}
	_ = other.Release()

	if err := lease.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := second.Acquire(ctx, "iem.lan")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestFileLocker_LockedErrorNamesHolder(t *testing.T) {
	root := t.TempDir()
	l := NewFileLocker(root, LockConfig{}, zerolog.Nop())
	lease, err := l.Acquire(context.Background(), "iem.lan")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	_, err = l.Acquire(context.Background(), "iem.lan")
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %T %v", err, err)
	}
	if _, ok := ee.Details["holder"]; !ok {
		t.Errorf("details = %v, want holder", ee.Details)
	}
}

func TestFileLocker_WaitsForRelease(t *testing.T) {
	root := t.TempDir()
	l := NewFileLocker(root, LockConfig{Timeout: 2 * time.Second, PollInterval: 10 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "iem.lan")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lease.Release()
	}()

	next, err := l.Acquire(ctx, "iem.lan")
	if err != nil {
		t.Fatalf("waiting Acquire: %v", err)
	}
	_ = next.Release()
}

func TestFileLocker_WaitRespectsContext(t *testing.T) {
	root := t.TempDir()
	l := NewFileLocker(root, LockConfig{Timeout: time.Minute, PollInterval: 10 * time.Millisecond}, zerolog.Nop())

	lease, err := l.Acquire(context.Background(), "iem.lan")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "iem.lan"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestFileLocker_StaleTakeover(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, filepath.FromSlash(LocksDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale, _ := json.Marshal(LockInfo{Holder: "old", PID: 1, Hostname: "elsewhere", Created: time.Now().Add(-2 * time.Hour)})
	if err := os.WriteFile(filepath.Join(dir, "iem.lan.lock"), stale, 0o644); err != nil {
		t.Fatal(err)
	}

	strict := NewFileLocker(root, LockConfig{}, zerolog.Nop())
	if _, err := strict.Acquire(context.Background(), "iem.lan"); !errors.Is(err, engine.ErrSessionLocked) {
		t.Fatalf("without StaleAfter the lease must be respected, err = %v", err)
	}

	l := NewFileLocker(root, LockConfig{StaleAfter: time.Hour}, zerolog.Nop())
	lease, err := l.Acquire(context.Background(), "iem.lan")
	if err != nil {
		t.Fatalf("stale lease not taken over: %v", err)
	}
	info := readLockInfo(filepath.Join(dir, "iem.lan.lock"))
	if info == nil || info.Holder == "old" || info.PID != os.Getpid() {
		t.Errorf("lease file = %+v", info)
	}
	_ = lease.Release()
}

func TestFileLease_ReleaseKeepsForeignLease(t *testing.T) {
	root := t.TempDir()
	l := NewFileLocker(root, LockConfig{}, zerolog.Nop())
	lease, err := l.Acquire(context.Background(), "iem.lan")
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(root, filepath.FromSlash(LocksDir), "iem.lan.lock")
	foreign, _ := json.Marshal(LockInfo{Holder: "someone-else", Created: time.Now()})
	if err := os.WriteFile(path, foreign, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := lease.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("foreign lease file removed: %v", err)
	}
}

func TestReadLockInfo_InvalidOrMissing(t *testing.T) {
	dir := t.TempDir()
	if readLockInfo(filepath.Join(dir, "missing.lock")) != nil {
		t.Error("missing file should yield nil")
	}
	bad := filepath.Join(dir, "bad.lock")
	_ = os.WriteFile(bad, []byte("{not json"), 0o644)
	if readLockInfo(bad) != nil {
		t.Error("invalid JSON should yield nil")
	}
}
