package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reconciler decides, per action, whether a recipe is already in effect on a device.
type Reconciler struct {
	// handlers resolves (module, platform) pairs
	handlers HandlerResolver

	// metrics counts verify outcomes; may be nil
	metrics MetricsRecorder

	logger zerolog.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

// NewReconciler creates a reconciler over a handler registry.
func NewReconciler(handlers HandlerResolver, metrics MetricsRecorder, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		handlers: handlers,
		metrics:  metrics,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		tracer:   otel.Tracer("avtune/engine"),
		clock:    time.Now,
	}
}

// Plan classifies every action of recipe for device, in recipe order.
// Verify probes run through cmd. The only error is context cancellation;
// probe failures become needs-apply entries.
func (r *Reconciler) Plan(ctx context.Context, device *Device, recipe *Recipe, cmd Commander) (*ExecutionPlan, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.String("hostname", device.Hostname),
			attribute.String("recipe", recipe.Name),
		))
	defer span.End()

	plan := &ExecutionPlan{
		Hostname:  device.Hostname,
		Recipe:    recipe.Name,
		OS:        device.OS,
		CreatedAt: r.clock().UTC(),
		Entries:   make([]PlannedAction, 0, len(recipe.Actions)),
	}

	for i := range recipe.Actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := r.classify(ctx, device.OS, &recipe.Actions[i], cmd)
		entry.Index = i
		plan.Entries = append(plan.Entries, entry)

		switch entry.Disposition {
		case DispositionNeedsApply:
			plan.Summary.NeedsApply++
		case DispositionSatisfied:
			plan.Summary.AlreadySatisfied++
		case DispositionUnsupported:
			plan.Summary.Unsupported++
		}
	}
	plan.Summary.Total = len(plan.Entries)

	r.logger.Debug().
		Str("hostname", device.Hostname).
		Str("recipe", recipe.Name).
		Int("needs_apply", plan.Summary.NeedsApply).
		Int("already_satisfied", plan.Summary.AlreadySatisfied).
		Int("unsupported", plan.Summary.Unsupported).
		Msg("Plan computed")

	return plan, nil
}

func (r *Reconciler) classify(ctx context.Context, os OSFamily, action *Action, cmd Commander) PlannedAction {
	entry := PlannedAction{Action: action, Name: action.Name}

	spec := action.SpecFor(os)
	if spec == nil {
		entry.Disposition = DispositionUnsupported
		entry.Detail = fmt.Sprintf("no specification for %s", os)
		return entry
	}
	entry.Spec = spec
	entry.Module = spec.Module

	handler, err := r.handlers.Resolve(spec.Module, os)
	if err != nil {
		entry.Disposition = DispositionUnsupported
		entry.Detail = err.Error()
		return entry
	}

	v := r.verify(ctx, handler, cmd, spec)
	entry.Verify = v.Outcome
	entry.Current = v.Current
	entry.Detail = v.Detail
	entry.Disposition = v.Outcome.Disposition()

	r.logger.Debug().
		Str("action", action.Name).
		Str("module", spec.Module).
		Str("verify", string(v.Outcome)).
		Str("disposition", string(entry.Disposition)).
		Msg("Action classified")

	return entry
}

// verify runs a handler probe. A panicking handler counts as indeterminate.
func (r *Reconciler) verify(ctx context.Context, h Handler, cmd Commander, spec *ActionSpec) (v Verification) {
	defer func() {
		if p := recover(); p != nil {
			v = Indeterminate(fmt.Sprintf("verify panicked: %v", p))
		}
		if err := v.Outcome.Validate(); err != nil {
			v = Indeterminate(err.Error())
		}
		if r.metrics != nil {
			r.metrics.RecordVerify(string(v.Outcome))
		}
	}()
	return h.Verify(ctx, cmd, spec)
}
