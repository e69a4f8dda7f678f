package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type staticProfiles map[string]*Profile

func (p staticProfiles) LoadProfile(ctx context.Context, name string) (*Profile, error) {
	if prof, ok := p[name]; ok {
		return prof, nil
	}
	return nil, NewProfileNotFoundError(name, nil)
}

type staticGatherer struct {
	info *DeviceInfo
	err  error
}

func (g staticGatherer) Gather(ctx context.Context, target Target) (*DeviceInfo, error) {
	if g.err != nil {
		return nil, g.err
	}
	info := *g.info
	return &info, nil
}

func TestRegistrar_Register(t *testing.T) {
	inv := newMemInventory()
	committer := &recordingCommitter{}
	profiles := staticProfiles{"live-audio": {Name: "live-audio", Tags: []string{"audio", "stage"}}}
	gatherer := staticGatherer{info: &DeviceInfo{
		Hostname:  "iem",
		OS:        OSLinux,
		OSVersion: "Ubuntu 24.04.1 LTS",
		Hardware:  Hardware{CPUCores: 8, MemoryGB: 32},
	}}
	opts := Options{Clock: fixedClock(fixedStart)}
	r := NewRegistrar(inv, profiles, gatherer, committer, opts, zerolog.Nop())
	ctx := context.Background()

	res, err := r.Register(ctx, RegisterRequest{Hostname: "iem.lan", Profile: "live-audio", User: "audio", Tags: []string{"iem"}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !res.Created {
		t.Error("first registration should report created")
	}
	d := res.Device
	if d.OS != OSLinux || d.Hardware.CPUCores != 8 || d.SSHUser != "audio" {
		t.Errorf("device = %+v", d)
	}
	if len(d.Tags) != 3 || d.Tags[0] != "audio" || d.Tags[2] != "stage" {
		t.Errorf("tags = %v", d.Tags)
	}
	if d.LastSeen.IsZero() {
		t.Error("last_seen not set after a live registration")
	}
	if len(committer.messages) != 1 || committer.messages[0] != RegisterCommitMessage("iem.lan") {
		t.Errorf("commits = %v", committer.messages)
	}

	first := d.RegisteredAt
	res, err = r.Register(ctx, RegisterRequest{Hostname: "iem.lan"})
	if err != nil {
		t.Fatalf("re-Register() error = %v", err)
	}
	if res.Created {
		t.Error("re-registration reported created")
	}
	if !res.Device.RegisteredAt.Equal(first) {
		t.Errorf("registered_at changed: %v -> %v", first, res.Device.RegisteredAt)
	}
	if res.Device.Profile != "live-audio" || res.Device.SSHUser != "audio" {
		t.Errorf("identity fields lost: %+v", res.Device)
	}
}

func TestRegistrar_RegisterErrors(t *testing.T) {
	inv := newMemInventory()
	ctx := context.Background()

	r := NewRegistrar(inv, nil, staticGatherer{err: NewConnectivityError("x.lan", errors.New("refused"))}, nil, Options{}, zerolog.Nop())
	if _, err := r.Register(ctx, RegisterRequest{Hostname: "x.lan"}); !errors.Is(err, ErrConnectivity) {
		t.Errorf("unreachable: err = %v", err)
	}
	if _, err := r.Register(ctx, RegisterRequest{Hostname: "bad host!"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad hostname: err = %v", err)
	}
	if _, err := r.Register(ctx, RegisterRequest{Hostname: "x.lan", Profile: "studio", Offline: true}); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("missing profile: err = %v", err)
	}
	if devices, _ := inv.ListDevices(ctx); len(devices) != 0 {
		t.Errorf("failed registrations stored %d devices", len(devices))
	}
}

func TestRegistrar_RegisterOffline(t *testing.T) {
	inv := newMemInventory()
	r := NewRegistrar(inv, nil, staticGatherer{err: errors.New("must not be called")}, nil, Options{}, zerolog.Nop())

	res, err := r.Register(context.Background(), RegisterRequest{Hostname: "foh.lan", Offline: true, OSHint: OSWindows})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.Device.OS != OSWindows || !res.Device.LastSeen.IsZero() {
		t.Errorf("device = %+v", res.Device)
	}
}

func TestRegistrar_Remove(t *testing.T) {
	inv := newMemInventory()
	inv.addDevice(&Device{Hostname: "iem.lan", OS: OSLinux})
	c := &recordingCommitter{}
	r := NewRegistrar(inv, nil, nil, c, Options{}, zerolog.Nop())
	ctx := context.Background()

	if _, _, err := r.Remove(ctx, "iem.lan"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := inv.LoadDevice(ctx, "iem.lan"); !errors.Is(err, ErrDeviceNotFound) {
		t.Error("device still present")
	}
	if len(c.messages) != 1 || c.messages[0] != "Remove: iem.lan" {
		t.Errorf("commits = %v", c.messages)
	}
	if _, _, err := r.Remove(ctx, "iem.lan"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Remove() err = %v", err)
	}
}

func TestMergeRegistration(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := &Device{
		Hostname: "iem.lan", IP: "10.0.0.2", OS: OSLinux, OSVersion: "22.04",
		Profile: "live-audio", Tags: []string{"audio"}, RegisteredAt: t0, LastSeen: t0,
	}
	incoming := &Device{
		Hostname: "iem.lan", OS: OSLinux, OSVersion: "24.04",
		Tags: []string{"stage", "audio"}, RegisteredAt: t0.Add(time.Hour), LastSeen: t0.Add(time.Hour),
	}

	got := MergeRegistration(existing, incoming)
	if !got.RegisteredAt.Equal(t0) {
		t.Errorf("registered_at = %v", got.RegisteredAt)
	}
	if got.IP != "10.0.0.2" || got.Profile != "live-audio" || got.OSVersion != "24.04" {
		t.Errorf("merged = %+v", got)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v", got.Tags)
	}
	if !got.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_seen = %v", got.LastSeen)
	}

	unknown := &Device{Hostname: "iem.lan", OS: OSUnknown}
	if MergeRegistration(existing, unknown).OS != OSLinux {
		t.Error("an unknown OS overwrote a known one")
	}
}
