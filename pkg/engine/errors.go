package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an error by how a caller should react to it.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed in a later session.
	// Examples: unreachable device, transport timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the target refused work for now.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates competing access to the same device or record.
	// Examples: a session lease held by another process, a finalized session.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that re-running will not fix.
	// Examples: missing device, malformed recipe, denied by policy.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error carrying the device or recipe it concerns.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind for programmatic handling (see ErrCode*).
	Code string `json:"code,omitempty"`

	// Resource is the hostname, recipe or session the error refers to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Resource)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s: %s", e.Operation, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError with the same class and code,
// which lets the Err* sentinels below be used with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeDeviceNotFound   = "DEVICE_NOT_FOUND"
	ErrCodeRecipeNotFound   = "RECIPE_NOT_FOUND"
	ErrCodeProfileNotFound  = "PROFILE_NOT_FOUND"
	ErrCodeParse            = "PARSE_ERROR"
	ErrCodeHandlerNotFound  = "HANDLER_NOT_FOUND"
	ErrCodeConnectivity     = "CONNECTIVITY_FAILURE"
	ErrCodeActionFailed     = "ACTION_FAILURE"
	ErrCodeStateWrite       = "STATE_WRITE_FAILURE"
	ErrCodeVersioning       = "VERSIONING_FAILURE"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeSessionLocked    = "SESSION_LOCKED"
	ErrCodeSessionFinalized = "SESSION_FINALIZED"
	ErrCodeSessionExists    = "SESSION_EXISTS"
	ErrCodeStaleState       = "STALE_STATE"
)

// Sentinels for errors.Is. Only Class and Code take part in the comparison.
var (
	ErrDeviceNotFound   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDeviceNotFound}
	ErrRecipeNotFound   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRecipeNotFound}
	ErrProfileNotFound  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeProfileNotFound}
	ErrParse            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeParse}
	ErrValidation       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrHandlerNotFound  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeHandlerNotFound}
	ErrConnectivity     = &EngineError{Class: ErrorClassTransient, Code: ErrCodeConnectivity}
	ErrActionFailed     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeActionFailed}
	ErrStateWrite       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStateWrite}
	ErrVersioning       = &EngineError{Class: ErrorClassTransient, Code: ErrCodeVersioning}
	ErrPolicyDenied     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrSessionLocked    = &EngineError{Class: ErrorClassConflict, Code: ErrCodeSessionLocked}
	ErrSessionFinalized = &EngineError{Class: ErrorClassConflict, Code: ErrCodeSessionFinalized}
	ErrSessionExists    = &EngineError{Class: ErrorClassConflict, Code: ErrCodeSessionExists}
	ErrStaleState       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeStaleState}
)

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewDeviceNotFoundError reports a hostname with no device record.
func NewDeviceNotFoundError(hostname string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeDeviceNotFound, "device not registered", nil).
		WithResource(hostname)
}

// NewRecipeNotFoundError reports a recipe with no definition file.
func NewRecipeNotFoundError(name string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeRecipeNotFound, "recipe not found", err).
		WithResource(name)
}

// NewProfileNotFoundError reports an unknown profile name.
func NewProfileNotFoundError(name string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeProfileNotFound, "profile not found", err).
		WithResource(name)
}

// NewParseError reports a malformed recipe, profile or record.
func NewParseError(resource string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeParse, "malformed definition", err).
		WithResource(resource)
}

// NewValidationError reports invalid input.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeValidation, message, err)
}

// NewHandlerNotFoundError reports a module with no handler for a platform.
func NewHandlerNotFoundError(module string, os OSFamily) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeHandlerNotFound,
		fmt.Sprintf("no %q handler for %s", module, os), nil)
}

// NewConnectivityError reports a device that failed the liveness probe.
func NewConnectivityError(hostname string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeConnectivity, "device unreachable", err).
		WithResource(hostname)
}

// NewActionError reports a failed apply step.
func NewActionError(action string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeActionFailed, "action failed", err).
		WithResource(action)
}

// NewStateWriteError reports that device state or history could not be persisted.
func NewStateWriteError(hostname string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeStateWrite, "failed to persist device records", err).
		WithResource(hostname)
}

// NewVersioningError reports a commit that failed for a reason other than "nothing to commit".
func NewVersioningError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeVersioning, message, err)
}

// NewPolicyDeniedError reports a run blocked by policy.
func NewPolicyDeniedError(hostname string, violations []string) *EngineError {
	e := newError(ErrorClassPermanent, ErrCodePolicyDenied, "denied by policy", nil).
		WithResource(hostname)
	if len(violations) > 0 {
		e.Err = errors.New(strings.Join(violations, "; "))
		e.WithDetail("violations", violations)
	}
	return e
}

// NewSessionLockedError reports a device already leased by another session.
func NewSessionLockedError(hostname, holder string) *EngineError {
	e := newError(ErrorClassConflict, ErrCodeSessionLocked, "device busy with another session", nil).
		WithResource(hostname)
	if holder != "" {
		e.WithDetail("holder", holder)
	}
	return e
}

// NewSessionFinalizedError reports an attempt to modify a terminal session.
func NewSessionFinalizedError(sessionID string) *EngineError {
	return newError(ErrorClassConflict, ErrCodeSessionFinalized, "session already finalized", nil).
		WithResource(sessionID)
}

// NewSessionExistsError reports a duplicate session id.
func NewSessionExistsError(sessionID string) *EngineError {
	return newError(ErrorClassConflict, ErrCodeSessionExists, "session already recorded", nil).
		WithResource(sessionID)
}

// NewStaleStateError reports a state write whose last_updated goes backwards.
func NewStaleStateError(hostname string) *EngineError {
	return newError(ErrorClassConflict, ErrCodeStaleState, "state is older than the stored copy", nil).
		WithResource(hostname)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound reports whether err is a missing device, recipe or profile.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrRecipeNotFound) ||
		errors.Is(err, ErrProfileNotFound)
}

// CodeOf returns the EngineError code in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
