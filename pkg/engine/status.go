package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OSFamily is the operating system family of a device. Action specs are keyed by it.
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSWindows OSFamily = "windows"
	OSMacOS   OSFamily = "macos"
	OSUnknown OSFamily = "unknown"
)

// KnownOSFamilies lists the families a recipe may target.
var KnownOSFamilies = []OSFamily{OSLinux, OSWindows, OSMacOS}

// ParseOSFamily maps common spellings (uname, runtime.GOOS, Windows_NT) to an OSFamily.
// Unrecognised input yields OSUnknown.
func ParseOSFamily(s string) OSFamily {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux", "gnu/linux":
		return OSLinux
	case "windows", "windows_nt", "win32", "win":
		return OSWindows
	case "macos", "darwin", "osx", "mac":
		return OSMacOS
	default:
		return OSUnknown
	}
}

// Validate checks if the OS family is valid.
func (o OSFamily) Validate() error {
	switch o {
	case OSLinux, OSWindows, OSMacOS, OSUnknown:
		return nil
	default:
		return fmt.Errorf("invalid os family: %s", o)
	}
}

// IsUnix reports whether commands for this family run under a POSIX shell.
func (o OSFamily) IsUnix() bool {
	return o == OSLinux || o == OSMacOS
}

// SessionStatus is the persisted status of a session record.
type SessionStatus string

const (
	// SessionInProgress is written at plan-commit time and replaced exactly once.
	SessionInProgress SessionStatus = "in_progress"

	// SessionSuccess means no action failed.
	SessionSuccess SessionStatus = "success"

	// SessionPartial means some actions failed and at least one succeeded or was skipped.
	SessionPartial SessionStatus = "partial"

	// SessionFailed means every attempted action failed, or the device was unreachable.
	SessionFailed SessionStatus = "failed"
)

// IsTerminal returns true once the session has been finalized.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionSuccess || s == SessionPartial || s == SessionFailed
}

// CountsAsApplied reports whether a session with this status updates applied_recipes.
func (s SessionStatus) CountsAsApplied() bool {
	return s == SessionSuccess || s == SessionPartial
}

// Validate checks if the session status is valid.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionInProgress, SessionSuccess, SessionPartial, SessionFailed:
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", s)
	}
}

// CommitVerb is the prefix used for the versioning commit of a finalized session.
func (s SessionStatus) CommitVerb() string {
	switch s {
	case SessionSuccess:
		return "Applied"
	case SessionPartial:
		return "Partial"
	case SessionFailed:
		return "Failed"
	default:
		return "Plan"
	}
}

// ActionOutcome is the recorded result of one action in a session.
type ActionOutcome string

const (
	ActionSuccess ActionOutcome = "success"
	ActionFailed  ActionOutcome = "failed"
	ActionSkipped ActionOutcome = "skipped"
)

// Validate checks if the action outcome is valid.
func (o ActionOutcome) Validate() error {
	switch o {
	case ActionSuccess, ActionFailed, ActionSkipped:
		return nil
	default:
		return fmt.Errorf("invalid action outcome: %s", o)
	}
}

// Disposition is the reconciler's classification of an action.
type Disposition string

const (
	// DispositionSatisfied means verify confirmed the desired state; nothing is applied.
	DispositionSatisfied Disposition = "already-satisfied"

	// DispositionNeedsApply means verify reported drift or could not tell.
	DispositionNeedsApply Disposition = "needs-apply"

	// DispositionUnsupported means the action has no spec or handler for the device OS.
	DispositionUnsupported Disposition = "unsupported-on-platform"
)

// Validate checks if the disposition is valid.
func (d Disposition) Validate() error {
	switch d {
	case DispositionSatisfied, DispositionNeedsApply, DispositionUnsupported:
		return nil
	default:
		return fmt.Errorf("invalid disposition: %s", d)
	}
}

// VerifyOutcome is the tri-state answer of a handler's verify probe.
type VerifyOutcome string

const (
	VerifySatisfied     VerifyOutcome = "satisfied"
	VerifyUnsatisfied   VerifyOutcome = "unsatisfied"
	VerifyIndeterminate VerifyOutcome = "indeterminate"
)

// Validate checks if the verify outcome is valid.
func (v VerifyOutcome) Validate() error {
	switch v {
	case VerifySatisfied, VerifyUnsatisfied, VerifyIndeterminate:
		return nil
	default:
		return fmt.Errorf("invalid verify outcome: %s", v)
	}
}

// Disposition maps a verify answer to a plan disposition. Indeterminate is
// treated as drift so a failed probe never masks a misconfiguration.
func (v VerifyOutcome) Disposition() Disposition {
	if v == VerifySatisfied {
		return DispositionSatisfied
	}
	return DispositionNeedsApply
}

// SessionPhase is a state of the session executor.
type SessionPhase string

const (
	PhaseInitializing    SessionPhase = "initializing"
	PhasePlanCommitted   SessionPhase = "plan_committed"
	PhaseConnecting      SessionPhase = "connecting"
	PhaseExecuting       SessionPhase = "executing"
	PhaseFinalizing      SessionPhase = "finalizing"
	PhaseSucceeded       SessionPhase = "succeeded"
	PhasePartiallyFailed SessionPhase = "partially_failed"
	PhaseFailed          SessionPhase = "failed"
)

// The liveness probe runs before the plan is committed because verify probes
// need the channel. An unreachable device goes straight to Finalizing.
var phaseTransitions = map[SessionPhase][]SessionPhase{
	PhaseInitializing:  {PhaseConnecting},
	PhaseConnecting:    {PhasePlanCommitted, PhaseFinalizing},
	PhasePlanCommitted: {PhaseExecuting},
	PhaseExecuting:     {PhaseFinalizing},
	PhaseFinalizing:    {PhaseSucceeded, PhasePartiallyFailed, PhaseFailed},
}

// CanTransition reports whether the executor may move from p to next.
func (p SessionPhase) CanTransition(next SessionPhase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the three end phases.
func (p SessionPhase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhasePartiallyFailed || p == PhaseFailed
}

// PhaseFor returns the terminal phase matching a finalized session status.
func PhaseFor(s SessionStatus) SessionPhase {
	switch s {
	case SessionSuccess:
		return PhaseSucceeded
	case SessionPartial:
		return PhasePartiallyFailed
	default:
		return PhaseFailed
	}
}

// StateChangeKind says which part of DeviceState a change targets.
type StateChangeKind string

const (
	ChangeOptimization StateChangeKind = "optimization"
	ChangeSoftware     StateChangeKind = "software"
)

// Validate checks if the change kind is valid.
func (k StateChangeKind) Validate() error {
	switch k {
	case ChangeOptimization, ChangeSoftware:
		return nil
	default:
		return fmt.Errorf("invalid state change kind: %s", k)
	}
}

func unmarshalEnum[T ~string](data []byte, dst *T, validate func(T) error) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v := T(str)
	if err := validate(v); err != nil {
		return err
	}
	*dst = v
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, s, SessionStatus.Validate)
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *ActionOutcome) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, o, ActionOutcome.Validate)
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (d *Disposition) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, d, Disposition.Validate)
}

// UnmarshalYAML validates the session status when decoding history files.
func (s *SessionStatus) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v := SessionStatus(str)
	if err := v.Validate(); err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalYAML accepts the same aliases as ParseOSFamily.
func (o *OSFamily) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	*o = ParseOSFamily(str)
	return nil
}
