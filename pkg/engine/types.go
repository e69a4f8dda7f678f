package engine

import (
	"sort"
	"time"
)

// Device is one managed machine, keyed by hostname.
type Device struct {
	// Hostname is the unique key of the device and its directory name in the inventory.
	Hostname string `json:"hostname" yaml:"hostname" validate:"required,hostname_rfc1123"`

	// IP is the address used to reach the device. Empty means resolve Hostname.
	IP string `json:"ip,omitempty" yaml:"ip,omitempty" validate:"omitempty,ip"`

	// OS is the operating system family detected at registration.
	OS OSFamily `json:"os" yaml:"os"`

	// OSVersion is the distribution or release string reported by the device.
	OSVersion string `json:"os_version,omitempty" yaml:"os_version,omitempty"`

	// Profile names the profile that seeded this device.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Tags are free-form labels, kept sorted and unique.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// SSHUser is the login used for remote sessions.
	SSHUser string `json:"ssh_user,omitempty" yaml:"ssh_user,omitempty"`

	// SSHPort is the port used for remote sessions.
	SSHPort int `json:"ssh_port,omitempty" yaml:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`

	// RegisteredAt is when the device was first registered. Re-registration keeps it.
	RegisteredAt time.Time `json:"registered" yaml:"registered"`

	// LastSeen is the last successful contact with the device.
	LastSeen time.Time `json:"last_seen" yaml:"last_seen"`

	// Hardware is the inventory gathered at registration.
	Hardware Hardware `json:"hardware" yaml:"hardware"`
}

// Hardware describes the physical resources of a device.
type Hardware struct {
	CPU      string  `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	CPUCores int     `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	MemoryGB float64 `json:"memory_gb,omitempty" yaml:"memory_gb,omitempty"`
	NICs     []NIC   `json:"nics,omitempty" yaml:"nics,omitempty"`
}

// NIC is one network interface.
type NIC struct {
	Name      string   `json:"name" yaml:"name"`
	MAC       string   `json:"mac,omitempty" yaml:"mac,omitempty"`
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	SpeedMbps int      `json:"speed_mbps,omitempty" yaml:"speed_mbps,omitempty"`
}

// HasTag reports whether the device carries tag.
func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MergeTags unions extra into the device tags and keeps them sorted.
func (d *Device) MergeTags(extra ...string) {
	d.Tags = MergeTags(d.Tags, extra...)
}

// MergeTags returns the sorted, de-duplicated union of base and extra.
func MergeTags(base []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, t := range list {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Address returns the host used to reach the device.
func (d *Device) Address() string {
	if d.IP != "" {
		return d.IP
	}
	return d.Hostname
}

// DeviceState is the reconciled configuration snapshot of one device.
type DeviceState struct {
	// LastUpdated never decreases across writes.
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`

	// Software maps a package name to what was installed.
	Software map[string]SoftwareRecord `json:"software" yaml:"software"`

	// Optimizations maps a category (network, power, audio...) to applied key/value pairs.
	Optimizations map[string]map[string]string `json:"optimizations" yaml:"optimizations"`

	// AppliedRecipes lists sessions that applied a recipe, oldest first.
	AppliedRecipes []AppliedRecipe `json:"applied_recipes" yaml:"applied_recipes"`
}

// SoftwareRecord is installed-package metadata.
type SoftwareRecord struct {
	Version     string    `json:"version,omitempty" yaml:"version,omitempty"`
	InstalledAt time.Time `json:"installed_at" yaml:"installed_at"`
	SessionID   string    `json:"session_id,omitempty" yaml:"session_id,omitempty"`
}

// AppliedRecipe records one session that applied a recipe.
type AppliedRecipe struct {
	Name      string    `json:"name" yaml:"name"`
	AppliedAt time.Time `json:"applied_at" yaml:"applied_at"`
	SessionID string    `json:"session_id" yaml:"session_id"`
}

// NewDeviceState returns an empty state with initialised maps.
func NewDeviceState() *DeviceState {
	return &DeviceState{
		Software:       map[string]SoftwareRecord{},
		Optimizations:  map[string]map[string]string{},
		AppliedRecipes: []AppliedRecipe{},
	}
}

// Normalize fills nil maps so callers can write into them.
func (s *DeviceState) Normalize() {
	if s.Software == nil {
		s.Software = map[string]SoftwareRecord{}
	}
	if s.Optimizations == nil {
		s.Optimizations = map[string]map[string]string{}
	}
	if s.AppliedRecipes == nil {
		s.AppliedRecipes = []AppliedRecipe{}
	}
}

// Clone returns a deep copy of the state.
func (s *DeviceState) Clone() *DeviceState {
	out := &DeviceState{
		LastUpdated:    s.LastUpdated,
		Software:       make(map[string]SoftwareRecord, len(s.Software)),
		Optimizations:  make(map[string]map[string]string, len(s.Optimizations)),
		AppliedRecipes: append([]AppliedRecipe{}, s.AppliedRecipes...),
	}
	for k, v := range s.Software {
		out.Software[k] = v
	}
	for cat, kv := range s.Optimizations {
		m := make(map[string]string, len(kv))
		for k, v := range kv {
			m[k] = v
		}
		out.Optimizations[cat] = m
	}
	return out
}

// Recipe is a named, versioned declaration of desired actions.
type Recipe struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string     `json:"version,omitempty" yaml:"version,omitempty"`
	Category    string     `json:"category,omitempty" yaml:"category,omitempty"`
	Platforms   []OSFamily `json:"platforms" yaml:"platforms"`
	Actions     []Action   `json:"actions" yaml:"actions"`

	// Source is the file the recipe was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// SupportsPlatform reports whether os is listed in the recipe platforms.
func (r *Recipe) SupportsPlatform(os OSFamily) bool {
	for _, p := range r.Platforms {
		if p == os {
			return true
		}
	}
	return false
}

// Action is one declarative unit of change inside a recipe.
type Action struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Specs holds the per-platform specification. A platform without an entry
	// maps to nil, which the reconciler classifies as unsupported.
	Specs map[OSFamily]*ActionSpec `json:"specs" yaml:"specs"`
}

// SpecFor returns the spec for os, or nil when the action has none.
func (a *Action) SpecFor(os OSFamily) *ActionSpec {
	if a.Specs == nil {
		return nil
	}
	spec := a.Specs[os]
	if spec == nil || spec.Module == "" {
		return nil
	}
	return spec
}

// ActionSpec is the platform-specific part of an action.
type ActionSpec struct {
	// Module selects the handler (registry, sysctl, command, package...).
	Module string `json:"module" yaml:"module"`

	// Params is opaque handler configuration.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Verify is a check expression or command; its meaning depends on the module.
	Verify string `json:"verify,omitempty" yaml:"verify,omitempty"`

	// Category overrides the recipe category for state changes of this action.
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// StringParam returns params[key] formatted as a string, or "" when absent.
func (s *ActionSpec) StringParam(key string) string {
	if s == nil || s.Params == nil {
		return ""
	}
	v, ok := s.Params[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// StateChange describes one piece of device state an apply established.
type StateChange struct {
	Kind     StateChangeKind `json:"kind" yaml:"kind"`
	Category string          `json:"category,omitempty" yaml:"category,omitempty"`
	Key      string          `json:"key" yaml:"key"`
	Value    string          `json:"value" yaml:"value"`

	// Removed drops Key from the state instead of setting it.
	Removed bool `json:"removed,omitempty" yaml:"removed,omitempty"`
}

// ExecutionPlan is the reconciler output for one device and recipe. It is never persisted.
type ExecutionPlan struct {
	Hostname  string          `json:"hostname"`
	Recipe    string          `json:"recipe"`
	OS        OSFamily        `json:"os"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []PlannedAction `json:"entries"`
	Summary   PlanSummary     `json:"summary"`
}

// PlannedAction is one action tagged with its disposition.
type PlannedAction struct {
	Index       int           `json:"index"`
	Action      *Action       `json:"-"`
	Name        string        `json:"action"`
	Module      string        `json:"module,omitempty"`
	Spec        *ActionSpec   `json:"-"`
	Disposition Disposition   `json:"disposition"`
	Verify      VerifyOutcome `json:"verify,omitempty"`
	Current     string        `json:"current,omitempty"`
	Detail      string        `json:"detail,omitempty"`
}

// PlanSummary counts plan entries by disposition.
type PlanSummary struct {
	Total            int `json:"total"`
	NeedsApply       int `json:"needs_apply"`
	AlreadySatisfied int `json:"already_satisfied"`
	Unsupported      int `json:"unsupported"`
}

// Session is one execution attempt of a recipe on a device.
type Session struct {
	ID          string         `json:"session_id" yaml:"session_id"`
	ExecutedBy  string         `json:"executed_by" yaml:"executed_by"`
	RecipeName  string         `json:"recipe" yaml:"recipe"`
	Hostname    string         `json:"hostname" yaml:"hostname"`
	StartedAt   time.Time      `json:"started" yaml:"started"`
	CompletedAt *time.Time     `json:"completed,omitempty" yaml:"completed,omitempty"`
	Status      SessionStatus  `json:"status" yaml:"status"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Actions     []ActionRecord `json:"actions" yaml:"actions"`
	Summary     SessionSummary `json:"summary" yaml:"summary"`
}

// ActionRecord is the outcome of one action within a session.
type ActionRecord struct {
	Action      string        `json:"action" yaml:"action"`
	Result      ActionOutcome `json:"result" yaml:"result"`
	Output      string        `json:"output,omitempty" yaml:"output,omitempty"`
	Module      string        `json:"module,omitempty" yaml:"module,omitempty"`
	Disposition Disposition   `json:"disposition,omitempty" yaml:"disposition,omitempty"`
	Changes     []StateChange `json:"changes,omitempty" yaml:"changes,omitempty"`
	DurationMS  int64         `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// SessionSummary counts action outcomes.
type SessionSummary struct {
	TotalActions int `json:"total_actions" yaml:"total_actions"`
	Succeeded    int `json:"succeeded" yaml:"succeeded"`
	Failed       int `json:"failed" yaml:"failed"`
	Skipped      int `json:"skipped" yaml:"skipped"`
}

// Tally recomputes the summary from the action records.
func (s *Session) Tally() SessionSummary {
	sum := SessionSummary{TotalActions: len(s.Actions)}
	for _, a := range s.Actions {
		switch a.Result {
		case ActionSuccess:
			sum.Succeeded++
		case ActionFailed:
			sum.Failed++
		case ActionSkipped:
			sum.Skipped++
		}
	}
	s.Summary = sum
	return sum
}

// FinalStatus derives the terminal status from the summary: no failures is a
// success (including an empty recipe), failures next to any success or skip is
// partial, and failures only is failed.
func (sum SessionSummary) FinalStatus() SessionStatus {
	switch {
	case sum.Failed == 0:
		return SessionSuccess
	case sum.Succeeded+sum.Skipped > 0:
		return SessionPartial
	default:
		return SessionFailed
	}
}

// FailedActions returns the names of actions that failed, in order.
func (s *Session) FailedActions() []string {
	var out []string
	for _, a := range s.Actions {
		if a.Result == ActionFailed {
			out = append(out, a.Action)
		}
	}
	return out
}

// Profile is a named template of recipes and tags.
type Profile struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Extends     string   `json:"extends,omitempty" yaml:"extends,omitempty"`
	Recipes     []string `json:"recipes,omitempty" yaml:"recipes,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IncludesRecipe reports whether the profile lists recipe.
func (p *Profile) IncludesRecipe(recipe string) bool {
	for _, r := range p.Recipes {
		if r == recipe {
			return true
		}
	}
	return false
}

// Event is a timeline event emitted while a session runs.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Hostname  string                 `json:"hostname,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Event types.
const (
	EventSessionStarted   = "session.started"
	EventPlanCommitted    = "session.plan_committed"
	EventActionStarted    = "action.started"
	EventActionCompleted  = "action.completed"
	EventActionFailed     = "action.failed"
	EventActionSkipped    = "action.skipped"
	EventSessionFinished  = "session.finished"
	EventCommitWarning    = "versioning.warning"
	EventDeviceRegistered = "device.registered"
)
