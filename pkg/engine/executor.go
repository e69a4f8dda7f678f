package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorDeps are the collaborators of a SessionExecutor. Policy, Events and
// Metrics are optional.
type ExecutorDeps struct {
	Inventory Inventory
	Recipes   RecipeSource
	Handlers  HandlerResolver
	Transport Transport
	Committer Committer
	Locker    Locker
	Policy    PolicyChecker
	Events    EventPublisher
	Metrics   MetricsRecorder
	Logger    zerolog.Logger
}

// RunReport is what one Run call produced.
type RunReport struct {
	// Plan is the reconciler output; nil when the device was unreachable.
	Plan *ExecutionPlan `json:"plan,omitempty"`

	// Session is the recorded session; nil for dry runs and runs stopped before PlanCommitted.
	Session *Session `json:"session,omitempty"`

	// Phase is the last executor phase reached.
	Phase SessionPhase `json:"phase"`

	// StateChanged is true when DeviceState was written.
	StateChanged bool `json:"state_changed"`

	// PolicyWarnings are non-blocking policy results.
	PolicyWarnings []PolicyViolation `json:"policy_warnings,omitempty"`

	// Warnings are non-fatal problems, mostly versioning failures.
	Warnings []string `json:"warnings,omitempty"`
}

// SessionExecutor drives one recipe session against one device:
// Initializing, Connecting, PlanCommitted, Executing, Finalizing and a terminal phase.
type SessionExecutor struct {
	inventory  Inventory
	recipes    RecipeSource
	handlers   HandlerResolver
	transport  Transport
	locker     Locker
	policy     PolicyChecker
	events     EventPublisher
	metrics    MetricsRecorder
	reconciler *Reconciler
	history    *HistoryWriter
	opts       Options
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewSessionExecutor validates deps and builds an executor.
func NewSessionExecutor(deps ExecutorDeps, opts Options) (*SessionExecutor, error) {
	switch {
	case deps.Inventory == nil:
		return nil, NewValidationError("executor requires an inventory", nil)
	case deps.Recipes == nil:
		return nil, NewValidationError("executor requires a recipe source", nil)
	case deps.Handlers == nil:
		return nil, NewValidationError("executor requires a handler registry", nil)
	case deps.Transport == nil:
		return nil, NewValidationError("executor requires a transport", nil)
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	opts = opts.withDefaults()

	reconciler := NewReconciler(deps.Handlers, deps.Metrics, deps.Logger)
	reconciler.clock = opts.Clock
	history := NewHistoryWriter(deps.Inventory, deps.Committer, deps.Metrics, deps.Logger)
	history.clock = opts.Clock

	return &SessionExecutor{
		inventory:  deps.Inventory,
		recipes:    deps.Recipes,
		handlers:   deps.Handlers,
		transport:  deps.Transport,
		locker:     deps.Locker,
		policy:     deps.Policy,
		events:     deps.Events,
		metrics:    deps.Metrics,
		reconciler: reconciler,
		history:    history,
		opts:       opts,
		logger:     deps.Logger.With().Str("component", "executor").Logger(),
		tracer:     otel.Tracer("avtune/engine"),
	}, nil
}

// sessionRun tracks the phase of one Run call.
type sessionRun struct {
	phase  SessionPhase
	report *RunReport
}

func (r *sessionRun) enter(next SessionPhase) {
	if !r.phase.CanTransition(next) {
		panic(fmt.Sprintf("invalid session phase transition %s -> %s", r.phase, next))
	}
	r.phase = next
	r.report.Phase = next
}

// Plan computes the execution plan without a session, lease or any write.
func (e *SessionExecutor) Plan(ctx context.Context, hostname, recipeName string) (*ExecutionPlan, error) {
	device, recipe, err := e.load(ctx, hostname, recipeName)
	if err != nil {
		return nil, err
	}
	target := TargetFor(device)
	if err := e.probe(ctx, target); err != nil {
		return nil, err
	}
	return e.reconciler.Plan(ctx, device, recipe, NewCommander(e.transport, target))
}

// Run executes recipeName on hostname.
//
// Missing devices, missing or malformed recipes, a held lease and a policy
// denial fail before any session exists. An unreachable device produces a
// session finalized as failed with no actions and a ConnectivityFailure error.
// Action failures are recorded and do not abort the session; the caller reads
// the outcome from report.Session.Status. A persistence failure is returned as
// StateWriteFailure whatever the action outcomes.
func (e *SessionExecutor) Run(ctx context.Context, hostname, recipeName string) (*RunReport, error) {
	if e.opts.DryRun {
		plan, err := e.Plan(ctx, hostname, recipeName)
		if err != nil {
			return nil, err
		}
		return &RunReport{Plan: plan, Phase: PhaseInitializing}, nil
	}

	ctx, span := e.tracer.Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("hostname", hostname),
			attribute.String("recipe", recipeName),
		))
	defer span.End()

	report, err := e.run(ctx, hostname, recipeName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recordError(err)
	}
	return report, err
}

func (e *SessionExecutor) run(ctx context.Context, hostname, recipeName string) (*RunReport, error) {
	run := &sessionRun{phase: PhaseInitializing, report: &RunReport{Phase: PhaseInitializing}}
	started := e.opts.Clock()

	device, recipe, err := e.load(ctx, hostname, recipeName)
	if err != nil {
		return nil, err
	}

	lease, err := e.locker.Acquire(ctx, hostname)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			e.logger.Warn().Err(rerr).Str("hostname", hostname).Msg("Failed to release device lease")
		}
	}()

	if e.metrics != nil {
		e.metrics.RecordSessionStarted()
	}

	log := e.logger.With().Str("hostname", hostname).Str("recipe", recipe.Name).Logger()
	target := TargetFor(device)

	run.enter(PhaseConnecting)
	if perr := e.probe(ctx, target); perr != nil {
		log.Error().Err(perr).Msg("Device unreachable")
		return e.finalizeUnreachable(ctx, run, device, recipe, perr, started)
	}

	cmd := NewCommander(e.transport, target)
	plan, err := e.reconciler.Plan(ctx, device, recipe, cmd)
	if err != nil {
		return nil, err
	}
	run.report.Plan = plan

	if err := e.checkPolicy(ctx, device, recipe, plan, run.report); err != nil {
		return run.report, err
	}

	run.enter(PhasePlanCommitted)
	session := e.newSession(device, recipe)
	run.report.Session = session
	warnings, err := e.history.RecordPlan(ctx, session)
	if err != nil {
		return run.report, err
	}
	e.publish(ctx, session, EventSessionStarted, "", "info",
		fmt.Sprintf("Session started: %s on %s", recipe.Name, hostname), nil)
	e.publish(ctx, session, EventPlanCommitted, "", "info",
		fmt.Sprintf("Plan committed: %d of %d actions need apply", plan.Summary.NeedsApply, plan.Summary.Total),
		map[string]interface{}{
			"needs_apply":       plan.Summary.NeedsApply,
			"already_satisfied": plan.Summary.AlreadySatisfied,
			"unsupported":       plan.Summary.Unsupported,
		})
	e.warn(ctx, session, run.report, warnings)

	run.enter(PhaseExecuting)
	for i := range plan.Entries {
		if err := ctx.Err(); err != nil {
			// The in_progress record stays on disk as the trace of the interrupted run.
			log.Warn().Err(err).Str("session_id", session.ID).
				Int("completed_actions", len(session.Actions)).
				Msg("Session interrupted")
			return run.report, err
		}
		if entry := &plan.Entries[i]; entry.Disposition == DispositionNeedsApply {
			e.publish(ctx, session, EventActionStarted, entry.Name, "info",
				"Applying "+entry.Name, map[string]interface{}{"module": entry.Module})
		}
		rec := e.execute(ctx, cmd, &plan.Entries[i], recipe, log)
		session.Actions = append(session.Actions, rec)
		e.publishAction(ctx, session, rec)
	}

	run.enter(PhaseFinalizing)
	summary := session.Tally()
	session.Status = summary.FinalStatus()
	completed := e.opts.now()
	session.CompletedAt = &completed
	if failed := session.FailedActions(); len(failed) > 0 {
		session.Error = "failed actions: " + strings.Join(failed, ", ")
	}

	outcome, err := e.history.RecordResult(ctx, session, device, true)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to record session result")
		return run.report, err
	}
	run.report.StateChanged = outcome.StateChanged
	e.warn(ctx, session, run.report, outcome.Warnings)
	run.enter(PhaseFor(session.Status))

	e.finish(ctx, session, started, log)
	return run.report, nil
}

// load resolves the device and recipe; both failures are fatal before any side effect.
func (e *SessionExecutor) load(ctx context.Context, hostname, recipeName string) (*Device, *Recipe, error) {
	device, err := e.inventory.LoadDevice(ctx, hostname)
	if err != nil {
		return nil, nil, err
	}
	recipe, err := e.recipes.Load(ctx, recipeName)
	if err != nil {
		return nil, nil, err
	}
	return device, recipe, nil
}

func (e *SessionExecutor) probe(ctx context.Context, target Target) error {
	probeCtx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()

	_, span := e.tracer.Start(probeCtx, "connect")
	defer span.End()

	if err := e.transport.Check(probeCtx, target); err != nil {
		span.RecordError(err)
		return NewConnectivityError(target.Hostname, err).WithDetail("timeout", e.opts.ConnectTimeout.String())
	}
	return nil
}

func (e *SessionExecutor) checkPolicy(ctx context.Context, device *Device, recipe *Recipe, plan *ExecutionPlan, report *RunReport) error {
	if e.policy == nil {
		return nil
	}
	decision, err := e.policy.Check(ctx, &PolicyInput{Device: device, Recipe: recipe, Plan: plan})
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}
	report.PolicyWarnings = decision.Warnings()
	for _, w := range report.PolicyWarnings {
		e.logger.Warn().Str("policy", w.Policy).Str("severity", w.Severity).Msg(w.Message)
	}
	if decision.Allowed {
		return nil
	}
	var msgs []string
	for _, v := range decision.Violations {
		if v.Blocking() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return NewPolicyDeniedError(device.Hostname, msgs)
}

func (e *SessionExecutor) newSession(device *Device, recipe *Recipe) *Session {
	now := e.opts.now()
	return &Session{
		ID:         NewSessionID(now),
		ExecutedBy: e.opts.ExecutedBy,
		RecipeName: recipe.Name,
		Hostname:   device.Hostname,
		StartedAt:  now,
		Status:     SessionInProgress,
		Actions:    []ActionRecord{},
	}
}

// finalizeUnreachable records a session that ends at the liveness probe.
func (e *SessionExecutor) finalizeUnreachable(
	ctx context.Context,
	run *sessionRun,
	device *Device,
	recipe *Recipe,
	cause error,
	started time.Time,
) (*RunReport, error) {
	session := e.newSession(device, recipe)
	run.report.Session = session

	warnings, err := e.history.RecordPlan(ctx, session)
	if err != nil {
		return run.report, err
	}
	e.warn(ctx, session, run.report, warnings)

	run.enter(PhaseFinalizing)
	session.Status = SessionFailed
	session.Error = cause.Error()
	session.Tally()
	completed := e.opts.now()
	session.CompletedAt = &completed

	outcome, err := e.history.RecordResult(ctx, session, device, false)
	if err != nil {
		return run.report, err
	}
	e.warn(ctx, session, run.report, outcome.Warnings)
	run.enter(PhaseFailed)

	e.finish(ctx, session, started, e.logger)
	return run.report, cause
}

// execute handles one plan entry. It never returns an error: failures are recorded.
func (e *SessionExecutor) execute(
	ctx context.Context,
	cmd Commander,
	entry *PlannedAction,
	recipe *Recipe,
	log zerolog.Logger,
) ActionRecord {
	rec := ActionRecord{
		Action:      entry.Name,
		Module:      entry.Module,
		Disposition: entry.Disposition,
	}

	if entry.Disposition != DispositionNeedsApply {
		rec.Result = ActionSkipped
		if entry.Disposition == DispositionSatisfied {
			rec.Output = "already satisfied"
		} else {
			rec.Output = entry.Detail
		}
		log.Info().Str("action", entry.Name).Str("disposition", string(entry.Disposition)).Msg("Action skipped")
		e.recordAction(rec, 0)
		return rec
	}

	ctx, span := e.tracer.Start(ctx, "action",
		trace.WithAttributes(
			attribute.String("action", entry.Name),
			attribute.String("module", entry.Module),
		))
	defer span.End()

	start := e.opts.Clock()
	result, err := e.apply(ctx, cmd, entry)
	if err == nil && e.opts.PostVerify {
		err = e.postVerify(ctx, cmd, entry)
	}
	duration := e.opts.Clock().Sub(start)
	rec.DurationMS = duration.Milliseconds()

	if err != nil {
		rec.Result = ActionFailed
		rec.Output = err.Error()
		if result != nil && result.Output != "" {
			rec.Output = result.Output + "\n" + err.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("action", entry.Name).Str("module", entry.Module).Msg("Action failed")
		e.recordAction(rec, duration)
		return rec
	}

	rec.Result = ActionSuccess
	rec.Output = result.Output
	rec.Changes = withCategory(result.Changes, entry.Spec, recipe)
	log.Info().
		Str("action", entry.Name).
		Str("module", entry.Module).
		Dur("duration", duration).
		Int("changes", len(rec.Changes)).
		Msg("Action applied")
	e.recordAction(rec, duration)
	return rec
}

func (e *SessionExecutor) apply(ctx context.Context, cmd Commander, entry *PlannedAction) (res *ApplyResult, err error) {
	handler, err := e.handlers.Resolve(entry.Spec.Module, cmd.OS())
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, NewActionError(entry.Name, fmt.Errorf("handler panicked: %v", p))
		}
	}()
	res, err = handler.Apply(ctx, cmd, entry.Spec)
	if err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) {
			err = NewActionError(entry.Name, err)
		}
		return res, err
	}
	if res == nil {
		res = &ApplyResult{}
	}
	return res, nil
}

// postVerify re-runs the probe. Unsatisfied fails the action; indeterminate trusts the apply.
func (e *SessionExecutor) postVerify(ctx context.Context, cmd Commander, entry *PlannedAction) error {
	handler, err := e.handlers.Resolve(entry.Spec.Module, cmd.OS())
	if err != nil {
		return err
	}
	v := e.reconciler.verify(ctx, handler, cmd, entry.Spec)
	if v.Outcome != VerifyUnsatisfied {
		return nil
	}
	msg := "post-apply verification failed"
	if v.Current != "" {
		msg += fmt.Sprintf(" (current: %s)", v.Current)
	}
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return NewActionError(entry.Name, errors.New(msg)).WithOperation("verify")
}

// withCategory fills missing optimization categories from the action spec, then the recipe.
func withCategory(changes []StateChange, spec *ActionSpec, recipe *Recipe) []StateChange {
	if len(changes) == 0 {
		return nil
	}
	cat := recipe.Category
	if spec != nil && spec.Category != "" {
		cat = spec.Category
	}
	if cat == "" {
		cat = DefaultCategory
	}
	out := make([]StateChange, len(changes))
	for i, c := range changes {
		if c.Kind == ChangeOptimization && c.Category == "" {
			c.Category = cat
		}
		out[i] = c
	}
	return out
}

func (e *SessionExecutor) finish(ctx context.Context, session *Session, started time.Time, log zerolog.Logger) {
	duration := e.opts.Clock().Sub(started)
	if e.metrics != nil {
		e.metrics.RecordSessionCompleted(string(session.Status), duration)
	}
	level := "info"
	if session.Status != SessionSuccess {
		level = "error"
	}
	e.publish(ctx, session, EventSessionFinished, "", level,
		fmt.Sprintf("Session %s: %s on %s", session.Status, session.RecipeName, session.Hostname),
		map[string]interface{}{
			"succeeded": session.Summary.Succeeded,
			"failed":    session.Summary.Failed,
			"skipped":   session.Summary.Skipped,
		})
	log.Info().
		Str("session_id", session.ID).
		Str("status", string(session.Status)).
		Int("succeeded", session.Summary.Succeeded).
		Int("failed", session.Summary.Failed).
		Int("skipped", session.Summary.Skipped).
		Dur("duration", duration).
		Msg("Session finished")
}

func (e *SessionExecutor) recordAction(rec ActionRecord, d time.Duration) {
	if e.metrics == nil {
		return
	}
	module := rec.Module
	if module == "" {
		module = "none"
	}
	e.metrics.RecordAction(module, string(rec.Result), d)
}

func (e *SessionExecutor) recordError(err error) {
	if e.metrics == nil {
		return
	}
	code := CodeOf(err)
	if code == "" {
		code = "UNKNOWN"
	}
	e.metrics.RecordError(code)
}

func (e *SessionExecutor) publishAction(ctx context.Context, session *Session, rec ActionRecord) {
	eventType, level := EventActionCompleted, "info"
	switch rec.Result {
	case ActionFailed:
		eventType, level = EventActionFailed, "error"
	case ActionSkipped:
		eventType = EventActionSkipped
	}
	e.publish(ctx, session, eventType, rec.Action, level, rec.Output, map[string]interface{}{
		"module":      rec.Module,
		"disposition": string(rec.Disposition),
	})
}

// warn keeps versioning warnings on the report and surfaces each one as an event.
func (e *SessionExecutor) warn(ctx context.Context, session *Session, report *RunReport, warnings []string) {
	for _, w := range warnings {
		report.Warnings = append(report.Warnings, w)
		e.publish(ctx, session, EventCommitWarning, "", "warn", w, nil)
	}
}

// publish is best effort; a failing subscriber never affects the session.
func (e *SessionExecutor) publish(
	ctx context.Context,
	session *Session,
	eventType, action, level, message string,
	details map[string]interface{},
) {
	if e.events == nil {
		return
	}
	evt := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: e.opts.now(),
		SessionID: session.ID,
		Hostname:  session.Hostname,
		Action:    action,
		Message:   message,
		Level:     level,
		Details:   details,
	}
	if err := e.events.Publish(ctx, evt); err != nil {
		e.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
