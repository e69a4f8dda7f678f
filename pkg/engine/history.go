package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCategory is used for optimization changes that name no category.
const DefaultCategory = "general"

// PlanCommitMessage is the commit message written when a session starts.
func PlanCommitMessage(recipe, hostname, sessionID string) string {
	return fmt.Sprintf("Plan: %s on %s [session: %s]", recipe, hostname, sessionID)
}

// ResultCommitMessage is the commit message of a finalized session.
func ResultCommitMessage(status SessionStatus, recipe, hostname, sessionID string) string {
	return fmt.Sprintf("%s: %s on %s [session: %s]", status.CommitVerb(), recipe, hostname, sessionID)
}

// RegisterCommitMessage is the commit message of a registration.
func RegisterCommitMessage(hostname string) string {
	return "Register: " + hostname
}

// RemoveCommitMessage is the commit message of a device removal.
func RemoveCommitMessage(hostname string) string {
	return "Remove: " + hostname
}

// RecordOutcome reports what finalizing a session changed.
type RecordOutcome struct {
	// StateChanged is true when DeviceState was written.
	StateChanged bool

	// Commit is the versioning result; nil when the commit failed.
	Commit *CommitResult

	// Warnings collects non-fatal problems such as versioning failures.
	Warnings []string
}

// HistoryWriter is the only writer of session records and DeviceState.
type HistoryWriter struct {
	store     Inventory
	committer Committer
	metrics   MetricsRecorder
	logger    zerolog.Logger
	clock     func() time.Time
}

// NewHistoryWriter creates a history writer. A nil committer disables versioning.
func NewHistoryWriter(store Inventory, committer Committer, metrics MetricsRecorder, logger zerolog.Logger) *HistoryWriter {
	return &HistoryWriter{
		store:     store,
		committer: committer,
		metrics:   metrics,
		logger:    logger.With().Str("component", "history").Logger(),
		clock:     time.Now,
	}
}

// RecordPlan persists a new in_progress session and commits it.
// A store error is returned as a StateWriteFailure; a commit error only as a warning.
func (w *HistoryWriter) RecordPlan(ctx context.Context, session *Session) ([]string, error) {
	if session.Status != SessionInProgress {
		return nil, NewValidationError("plan records must be in_progress", nil).WithResource(session.ID)
	}
	if err := w.store.CreateSession(ctx, session); err != nil {
		return nil, NewStateWriteError(session.Hostname, err).WithOperation("record plan")
	}

	w.logger.Info().
		Str("hostname", session.Hostname).
		Str("recipe", session.RecipeName).
		Str("session_id", session.ID).
		Msg("Session recorded")

	_, warn := w.commit(ctx, PlanCommitMessage(session.RecipeName, session.Hostname, session.ID),
		w.store.RecordPaths(session.Hostname, session.ID))
	if warn != "" {
		return []string{warn}, nil
	}
	return nil, nil
}

// RecordResult finalizes a terminal session, merges its changes into the
// device state and commits both. The stored record must still be in_progress.
// contacted says whether the device answered during the session.
func (w *HistoryWriter) RecordResult(ctx context.Context, session *Session, device *Device, contacted bool) (*RecordOutcome, error) {
	if !session.Status.IsTerminal() {
		return nil, NewValidationError("session is not terminal", nil).WithResource(session.ID)
	}

	if err := w.store.FinalizeSession(ctx, session); err != nil {
		if IsConflict(err) {
			return nil, err
		}
		return nil, NewStateWriteError(session.Hostname, err).WithOperation("finalize session")
	}

	out := &RecordOutcome{}
	now := w.clock().UTC()

	if session.Status.CountsAsApplied() {
		state, err := w.store.LoadState(ctx, session.Hostname)
		if err != nil {
			return nil, NewStateWriteError(session.Hostname, err).WithOperation("load state")
		}
		next, changed := MergeSession(state, session, now)
		if changed {
			if err := w.store.SaveState(ctx, session.Hostname, next); err != nil {
				return nil, NewStateWriteError(session.Hostname, err).WithOperation("save state")
			}
			out.StateChanged = true
		}
	}

	if contacted && device != nil {
		device.LastSeen = now
		if err := w.store.SaveDevice(ctx, device); err != nil {
			return nil, NewStateWriteError(session.Hostname, err).WithOperation("save device")
		}
	}

	w.logger.Info().
		Str("hostname", session.Hostname).
		Str("recipe", session.RecipeName).
		Str("session_id", session.ID).
		Str("status", string(session.Status)).
		Bool("state_changed", out.StateChanged).
		Msg("Session finalized")

	res, warn := w.commit(ctx, ResultCommitMessage(session.Status, session.RecipeName, session.Hostname, session.ID),
		w.store.RecordPaths(session.Hostname, session.ID))
	out.Commit = res
	if warn != "" {
		out.Warnings = append(out.Warnings, warn)
	}
	return out, nil
}

// RecordRegistration commits a device registration.
func (w *HistoryWriter) RecordRegistration(ctx context.Context, hostname string) (*CommitResult, string) {
	return w.commit(ctx, RegisterCommitMessage(hostname), w.store.RecordPaths(hostname, ""))
}

// RecordRemoval commits a device removal.
func (w *HistoryWriter) RecordRemoval(ctx context.Context, hostname string) (*CommitResult, string) {
	return w.commit(ctx, RemoveCommitMessage(hostname), w.store.RecordPaths(hostname, ""))
}

// commit never fails the caller. "Nothing to commit" is reported as a no-op
// result; any other failure becomes a warning string.
func (w *HistoryWriter) commit(ctx context.Context, message string, paths []string) (*CommitResult, string) {
	if w.committer == nil {
		return &CommitResult{Noop: true}, ""
	}

	res, err := w.committer.Commit(ctx, message, paths...)
	if err != nil {
		w.recordCommit("error")
		w.logger.Warn().Err(err).Str("message", message).Msg("Versioning commit failed")
		return nil, fmt.Sprintf("versioning: %s: %v", message, err)
	}
	if res == nil || res.Noop {
		w.recordCommit("noop")
		w.logger.Debug().Str("message", message).Msg("Nothing to commit")
		return &CommitResult{Noop: true}, ""
	}

	w.recordCommit("committed")
	w.logger.Debug().Str("message", message).Str("commit", res.ID).Msg("Committed")
	return res, ""
}

func (w *HistoryWriter) recordCommit(result string) {
	if w.metrics != nil {
		w.metrics.RecordCommit(result)
	}
}

// MergeSession folds the changes of successful actions into a copy of state.
// Failed and skipped actions leave state untouched. A new applied_recipes entry
// is added when the session counts as applied and at least one action
// succeeded, so a rerun where everything was already satisfied records nothing.
// It reports whether anything changed; LastUpdated only moves when it did.
func MergeSession(state *DeviceState, session *Session, now time.Time) (*DeviceState, bool) {
	if state == nil {
		state = NewDeviceState()
	}
	next := state.Clone()
	next.Normalize()
	changed := false

	for _, rec := range session.Actions {
		if rec.Result != ActionSuccess {
			continue
		}
		for _, c := range rec.Changes {
			if applyChange(next, c, session, now) {
				changed = true
			}
		}
	}

	if session.Status.CountsAsApplied() && session.Tally().Succeeded > 0 {
		next.AppliedRecipes = append(next.AppliedRecipes, AppliedRecipe{
			Name:      session.RecipeName,
			AppliedAt: completedAt(session, now),
			SessionID: session.ID,
		})
		changed = true
	}

	if !changed {
		return state, false
	}
	if now.After(next.LastUpdated) {
		next.LastUpdated = now
	}
	return next, true
}

func applyChange(state *DeviceState, c StateChange, session *Session, now time.Time) bool {
	switch c.Kind {
	case ChangeSoftware:
		prev, exists := state.Software[c.Key]
		if c.Removed {
			if !exists {
				return false
			}
			delete(state.Software, c.Key)
			return true
		}
		if exists && prev.Version == c.Value {
			return false
		}
		state.Software[c.Key] = SoftwareRecord{
			Version:     c.Value,
			InstalledAt: completedAt(session, now),
			SessionID:   session.ID,
		}
		return true

	case ChangeOptimization:
		cat := c.Category
		if cat == "" {
			cat = DefaultCategory
		}
		kv := state.Optimizations[cat]
		if c.Removed {
			if _, ok := kv[c.Key]; !ok {
				return false
			}
			delete(kv, c.Key)
			if len(kv) == 0 {
				delete(state.Optimizations, cat)
			}
			return true
		}
		if kv == nil {
			kv = map[string]string{}
			state.Optimizations[cat] = kv
		}
		if prev, ok := kv[c.Key]; ok && prev == c.Value {
			return false
		}
		kv[c.Key] = c.Value
		return true
	}
	return false
}

func completedAt(s *Session, fallback time.Time) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return fallback
}
