package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"
)

// memInventory is an in-memory Inventory with the same rules as the real stores.
type memInventory struct {
	mu       sync.Mutex
	devices  map[string]*Device
	states   map[string]*DeviceState
	sessions map[string]map[string]*Session

	failCreate    bool
	failFinalize  bool
	failSaveState bool
	stateWrites   int
	deviceWrites  int
}

func newMemInventory() *memInventory {
	return &memInventory{
		devices:  make(map[string]*Device),
		states:   make(map[string]*DeviceState),
		sessions: make(map[string]map[string]*Session),
	}
}

func (m *memInventory) addDevice(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.Hostname] = &cp
	m.states[d.Hostname] = NewDeviceState()
	m.sessions[d.Hostname] = make(map[string]*Session)
}

func (m *memInventory) LoadDevice(ctx context.Context, hostname string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[hostname]
	if !ok {
		return nil, NewDeviceNotFoundError(hostname)
	}
	cp := *d
	return &cp, nil
}

func (m *memInventory) SaveDevice(ctx context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *device
	m.devices[device.Hostname] = &cp
	m.deviceWrites++
	return nil
}

func (m *memInventory) RegisterDevice(ctx context.Context, device *Device) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := MergeRegistration(m.devices[device.Hostname], device)
	m.devices[device.Hostname] = merged
	if _, ok := m.states[device.Hostname]; !ok {
		m.states[device.Hostname] = NewDeviceState()
		m.sessions[device.Hostname] = make(map[string]*Session)
	}
	cp := *merged
	return &cp, nil
}

func (m *memInventory) ListDevices(ctx context.Context) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, d := range m.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (m *memInventory) RemoveDevice(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, hostname)
	delete(m.states, hostname)
	delete(m.sessions, hostname)
	return nil
}

func (m *memInventory) LoadState(ctx context.Context, hostname string) (*DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[hostname]
	if !ok {
		return nil, NewDeviceNotFoundError(hostname)
	}
	return s.Clone(), nil
}

func (m *memInventory) SaveState(ctx context.Context, hostname string, state *DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveState {
		return errors.New("disk full")
	}
	if prev, ok := m.states[hostname]; ok && state.LastUpdated.Before(prev.LastUpdated) {
		return NewStaleStateError(hostname)
	}
	m.states[hostname] = state.Clone()
	m.stateWrites++
	return nil
}

func (m *memInventory) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return errors.New("read-only file system")
	}
	if _, ok := m.sessions[session.Hostname][session.ID]; ok {
		return NewSessionExistsError(session.ID)
	}
	cp := *session
	cp.Actions = append([]ActionRecord{}, session.Actions...)
	m.sessions[session.Hostname][session.ID] = &cp
	return nil
}

func (m *memInventory) FinalizeSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFinalize {
		return errors.New("read-only file system")
	}
	prev, ok := m.sessions[session.Hostname][session.ID]
	if !ok {
		return fmt.Errorf("session %s not found", session.ID)
	}
	if prev.Status.IsTerminal() {
		return NewSessionFinalizedError(session.ID)
	}
	cp := *session
	cp.Actions = append([]ActionRecord{}, session.Actions...)
	m.sessions[session.Hostname][session.ID] = &cp
	return nil
}

func (m *memInventory) GetSession(ctx context.Context, hostname, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[hostname][sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	cp := *s
	return &cp, nil
}

func (m *memInventory) ListSessions(ctx context.Context, hostname string, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions[hostname] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInventory) RecordPaths(hostname, sessionID string) []string {
	paths := []string{"devices/" + hostname + "/device.yaml", "devices/" + hostname + "/state.yaml"}
	if sessionID != "" {
		paths = append(paths, "devices/"+hostname+"/history/"+sessionID+".yaml")
	}
	return paths
}

// staticRecipes serves recipes from a map.
type staticRecipes map[string]*Recipe

func (s staticRecipes) Load(ctx context.Context, name string) (*Recipe, error) {
	r, ok := s[name]
	if !ok {
		return nil, NewRecipeNotFoundError(name, nil)
	}
	return r, nil
}

// simDevice is the simulated configuration of a target machine.
type simDevice struct {
	mu      sync.Mutex
	values  map[string]string
	applies []string
}

func newSimDevice() *simDevice {
	return &simDevice{values: make(map[string]string)}
}

func (d *simDevice) get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[key]
	return v, ok
}

// kvHandler sets params.key to params.value on a simDevice.
type kvHandler struct {
	dev      *simDevice
	failKeys map[string]bool

	// probeDown makes every verify indeterminate.
	probeDown bool

	// sticky makes apply succeed without changing the device.
	sticky bool
}

func (h *kvHandler) Verify(ctx context.Context, cmd Commander, spec *ActionSpec) Verification {
	if h.probeDown {
		return Indeterminate("probe failed")
	}
	key, target := spec.StringParam("key"), spec.StringParam("value")
	current, _ := h.dev.get(key)
	if current == target {
		return Satisfied(current)
	}
	return Unsatisfied(current, "")
}

func (h *kvHandler) Apply(ctx context.Context, cmd Commander, spec *ActionSpec) (*ApplyResult, error) {
	key, value := spec.StringParam("key"), spec.StringParam("value")
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.applies = append(h.dev.applies, key)
	if h.failKeys[key] {
		return &ApplyResult{Output: "permission denied"}, fmt.Errorf("exit status 1")
	}
	if !h.sticky {
		h.dev.values[key] = value
	}
	return &ApplyResult{
		Output:  fmt.Sprintf("%s = %s", key, value),
		Changes: []StateChange{{Kind: ChangeOptimization, Key: key, Value: value}},
	}, nil
}

// mapResolver resolves handlers by module name for every platform in platforms.
type mapResolver struct {
	handlers  map[string]Handler
	platforms []OSFamily
}

func (r *mapResolver) Resolve(module string, os OSFamily) (Handler, error) {
	h, ok := r.handlers[module]
	if !ok {
		return nil, NewHandlerNotFoundError(module, os)
	}
	if len(r.platforms) > 0 {
		supported := false
		for _, p := range r.platforms {
			if p == os {
				supported = true
			}
		}
		if !supported {
			return nil, NewHandlerNotFoundError(module, os)
		}
	}
	return h, nil
}

// fakeTransport answers the liveness probe and records executed commands.
type fakeTransport struct {
	mu       sync.Mutex
	down     bool
	checks   int
	commands []string
}

func (t *fakeTransport) Check(ctx context.Context, target Target) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks++
	if t.down {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func (t *fakeTransport) Execute(ctx context.Context, target Target, command string) (*ExecResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = append(t.commands, command)
	return &ExecResult{}, nil
}

func (t *fakeTransport) WriteFile(ctx context.Context, target Target, path string, data []byte, mode fs.FileMode) error {
	return nil
}

// recordingCommitter keeps commit messages.
type recordingCommitter struct {
	mu       sync.Mutex
	messages []string
	err      error
	noop     bool
}

func (c *recordingCommitter) Commit(ctx context.Context, message string, paths ...string) (*CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.messages = append(c.messages, message)
	if c.noop {
		return &CommitResult{Noop: true}, nil
	}
	return &CommitResult{ID: fmt.Sprintf("c%d", len(c.messages))}, nil
}

var fixedStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedClock returns a clock that advances one second per call.
func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func networkOptimizeRecipe() *Recipe {
	return &Recipe{
		Name:      "network-optimize",
		Category:  "network",
		Platforms: []OSFamily{OSLinux},
		Actions: []Action{
			{
				Name: "set-buffer-size",
				Specs: map[OSFamily]*ActionSpec{
					OSLinux: {Module: "kv", Params: map[string]any{"key": "net.core.rmem_max", "value": "16777216"}, Verify: "current == target"},
				},
			},
			{
				Name: "enable-bbr",
				Specs: map[OSFamily]*ActionSpec{
					OSLinux: {Module: "kv", Params: map[string]any{"key": "net.ipv4.tcp_congestion_control", "value": "bbr"}, Verify: "current == target"},
				},
			},
		},
	}
}

type testEnv struct {
	inventory *memInventory
	dev       *simDevice
	handler   *kvHandler
	transport *fakeTransport
	committer *recordingCommitter
	locker    *MemoryLocker
	recipes   staticRecipes
}

func newTestEnv() *testEnv {
	inv := newMemInventory()
	inv.addDevice(&Device{Hostname: "iem.lan", OS: OSLinux, SSHUser: "audio"})
	dev := newSimDevice()
	return &testEnv{
		inventory: inv,
		dev:       dev,
		handler:   &kvHandler{dev: dev, failKeys: map[string]bool{}},
		transport: &fakeTransport{},
		committer: &recordingCommitter{},
		locker:    NewMemoryLocker(),
		recipes:   staticRecipes{"network-optimize": networkOptimizeRecipe()},
	}
}

func (e *testEnv) executor(t interface{ Fatalf(string, ...any) }, opts Options) *SessionExecutor {
	if opts.Clock == nil {
		opts.Clock = fixedClock(fixedStart)
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	ex, err := NewSessionExecutor(ExecutorDeps{
		Inventory: e.inventory,
		Recipes:   e.recipes,
		Handlers:  &mapResolver{handlers: map[string]Handler{"kv": e.handler}},
		Transport: e.transport,
		Committer: e.committer,
		Locker:    e.locker,
	}, opts)
	if err != nil {
		t.Fatalf("NewSessionExecutor: %v", err)
	}
	return ex
}

// eventLog collects published events in order.
type eventLog struct {
	mu     sync.Mutex
	events []*Event
}

func (l *eventLog) Publish(ctx context.Context, evt *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, evt := range l.events {
		out = append(out, evt.Type)
	}
	return out
}
