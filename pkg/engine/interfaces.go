package engine

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"time"
)

//go:generate mockgen -destination=mock_interfaces.go -package=engine github.com/avtune/avtune/pkg/engine Transport,Commander,Handler,Committer,PolicyChecker

// Target identifies where commands run.
type Target struct {
	// Hostname is the inventory key of the device.
	Hostname string `json:"hostname"`

	// Address is the host or IP used to connect.
	Address string `json:"address"`

	// User is the login for remote transports.
	User string `json:"user,omitempty"`

	// Port is the remote port, 0 for the transport default.
	Port int `json:"port,omitempty"`

	// OS selects the shell used to run commands.
	OS OSFamily `json:"os"`
}

// TargetFor builds the transport target of a device.
func TargetFor(d *Device) Target {
	return Target{
		Hostname: d.Hostname,
		Address:  d.Address(),
		User:     d.SSHUser,
		Port:     d.SSHPort,
		OS:       d.OS,
	}
}

// ExecResult is the outcome of one command. A non-zero exit code is a result,
// not a transport error.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit code.
func (r *ExecResult) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Combined returns stdout followed by stderr.
func (r *ExecResult) Combined() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Transport is the command channel to a device.
type Transport interface {
	// Check probes liveness. A nil error means reachable.
	Check(ctx context.Context, target Target) error

	// Execute runs command and returns its result. The error is non-nil only
	// when the channel itself failed.
	Execute(ctx context.Context, target Target, command string) (*ExecResult, error)
}

// FileWriter is implemented by transports that can write files directly.
type FileWriter interface {
	WriteFile(ctx context.Context, target Target, path string, data []byte, mode fs.FileMode) error
}

// Commander runs commands on one bound target. Handlers only ever see a Commander.
type Commander interface {
	// Run executes command on the target.
	Run(ctx context.Context, command string) (*ExecResult, error)

	// WriteFile writes data to path on the target.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error

	// OS returns the target OS family.
	OS() OSFamily
}

// Verification is the answer of a verify probe.
type Verification struct {
	Outcome VerifyOutcome `json:"outcome"`

	// Current is the observed value, when the handler can read one.
	Current string `json:"current,omitempty"`

	// Detail explains the outcome, typically the probe error.
	Detail string `json:"detail,omitempty"`
}

// Satisfied returns a satisfied verification.
func Satisfied(current string) Verification {
	return Verification{Outcome: VerifySatisfied, Current: current}
}

// Unsatisfied returns an unsatisfied verification.
func Unsatisfied(current, detail string) Verification {
	return Verification{Outcome: VerifyUnsatisfied, Current: current, Detail: detail}
}

// Indeterminate returns a verification for a probe that could not decide.
func Indeterminate(detail string) Verification {
	return Verification{Outcome: VerifyIndeterminate, Detail: detail}
}

// ApplyResult is what a successful apply reports.
type ApplyResult struct {
	// Output is the command output kept in the session record.
	Output string `json:"output,omitempty"`

	// Changes is the state the apply established; merged into DeviceState on success.
	Changes []StateChange `json:"changes,omitempty"`
}

// Handler implements one module kind on one platform.
type Handler interface {
	// Verify probes whether the spec is already in effect.
	Verify(ctx context.Context, cmd Commander, spec *ActionSpec) Verification

	// Apply makes the spec take effect.
	Apply(ctx context.Context, cmd Commander, spec *ActionSpec) (*ApplyResult, error)
}

// HandlerResolver maps (module, platform) to a handler.
type HandlerResolver interface {
	Resolve(module string, os OSFamily) (Handler, error)
}

// RecipeSource loads recipes by name.
type RecipeSource interface {
	Load(ctx context.Context, name string) (*Recipe, error)
}

// ProfileSource loads profiles by name with inheritance resolved.
type ProfileSource interface {
	LoadProfile(ctx context.Context, name string) (*Profile, error)
}

// DeviceStore persists device records and their state.
// It assumes a single writer per device; serialisation is the executor's job.
type DeviceStore interface {
	// LoadDevice returns ErrDeviceNotFound for unknown hostnames.
	LoadDevice(ctx context.Context, hostname string) (*Device, error)

	// SaveDevice overwrites the device record.
	SaveDevice(ctx context.Context, device *Device) error

	// RegisterDevice creates or refreshes a device record and returns the stored copy.
	RegisterDevice(ctx context.Context, device *Device) (*Device, error)

	// ListDevices returns all devices sorted by hostname.
	ListDevices(ctx context.Context) ([]*Device, error)

	// RemoveDevice deletes the device, its state and its history.
	RemoveDevice(ctx context.Context, hostname string) error

	// LoadState returns the current DeviceState.
	LoadState(ctx context.Context, hostname string) (*DeviceState, error)

	// SaveState replaces the DeviceState. It rejects a LastUpdated older than the stored one.
	SaveState(ctx context.Context, hostname string, state *DeviceState) error
}

// HistoryStore persists session records.
type HistoryStore interface {
	// CreateSession writes a new in_progress record; it fails if the id exists.
	CreateSession(ctx context.Context, session *Session) error

	// FinalizeSession replaces an in_progress record with its terminal version.
	// It fails with ErrSessionFinalized when the stored record is already terminal.
	FinalizeSession(ctx context.Context, session *Session) error

	// GetSession returns one session of a device.
	GetSession(ctx context.Context, hostname, sessionID string) (*Session, error)

	// ListSessions returns sessions newest first; limit <= 0 means all.
	ListSessions(ctx context.Context, hostname string, limit int) ([]*Session, error)
}

// Inventory is a store holding both devices and history.
type Inventory interface {
	DeviceStore
	HistoryStore

	// RecordPaths lists the files a commit about this device should include.
	// sessionID may be empty.
	RecordPaths(hostname, sessionID string) []string
}

// CommitResult is the outcome of a versioning commit.
type CommitResult struct {
	// ID is the commit identifier; empty for a no-op.
	ID string `json:"id,omitempty"`

	// Noop is true when there was nothing to commit.
	Noop bool `json:"noop"`
}

// Committer mirrors record changes into a versioned log.
type Committer interface {
	Commit(ctx context.Context, message string, paths ...string) (*CommitResult, error)
}

// Lease is a held per-device lock.
type Lease interface {
	Release() error
}

// Locker hands out per-hostname leases.
type Locker interface {
	// Acquire returns ErrSessionLocked when the hostname is leased elsewhere.
	Acquire(ctx context.Context, hostname string) (Lease, error)
}

// PolicyInput is the document policies are evaluated against.
type PolicyInput struct {
	Device *Device        `json:"device"`
	Recipe *Recipe        `json:"recipe"`
	Plan   *ExecutionPlan `json:"plan"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// PolicyViolation is one deny result.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Blocking reports whether the violation denies the run.
func (v PolicyViolation) Blocking() bool {
	return v.Severity == "error" || v.Severity == "critical"
}

// PolicyDecision is the result of evaluating all policies.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// Warnings returns the non-blocking violations.
func (d *PolicyDecision) Warnings() []PolicyViolation {
	var out []PolicyViolation
	for _, v := range d.Violations {
		if !v.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// PolicyChecker decides whether a planned run may proceed.
type PolicyChecker interface {
	Check(ctx context.Context, input *PolicyInput) (*PolicyDecision, error)
}

// EventPublisher receives session events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives session measurements.
type MetricsRecorder interface {
	RecordSessionStarted()
	RecordSessionCompleted(status string, duration time.Duration)
	RecordAction(module, result string, duration time.Duration)
	RecordVerify(outcome string)
	RecordCommit(result string)
	RecordError(code string)
}

// FactGatherer reads live system information from a device.
type FactGatherer interface {
	Gather(ctx context.Context, target Target) (*DeviceInfo, error)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
