package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"
)

type panickyHandler struct{}

func (panickyHandler) Verify(ctx context.Context, cmd Commander, spec *ActionSpec) Verification {
	panic("boom")
}

func (panickyHandler) Apply(ctx context.Context, cmd Commander, spec *ActionSpec) (*ApplyResult, error) {
	return nil, nil
}

type badOutcomeHandler struct{}

func (badOutcomeHandler) Verify(ctx context.Context, cmd Commander, spec *ActionSpec) Verification {
	return Verification{Outcome: "maybe"}
}

func (badOutcomeHandler) Apply(ctx context.Context, cmd Commander, spec *ActionSpec) (*ApplyResult, error) {
	return nil, nil
}

// sysctlHandler reads params.key through the commander.
type sysctlHandler struct{}

func (sysctlHandler) Verify(ctx context.Context, cmd Commander, spec *ActionSpec) Verification {
	res, err := cmd.Run(ctx, "sysctl -n "+spec.StringParam("key"))
	if err != nil {
		return Indeterminate(err.Error())
	}
	current := strings.TrimSpace(res.Stdout)
	if current == spec.StringParam("value") {
		return Satisfied(current)
	}
	return Unsatisfied(current, "")
}

func (sysctlHandler) Apply(ctx context.Context, cmd Commander, spec *ActionSpec) (*ApplyResult, error) {
	return nil, nil
}

func TestReconciler_Plan(t *testing.T) {
	dev := newSimDevice()
	dev.values["net.core.rmem_max"] = "16777216"
	resolver := &mapResolver{handlers: map[string]Handler{
		"kv":    &kvHandler{dev: dev},
		"panic": panickyHandler{},
		"bad":   badOutcomeHandler{},
	}}

	recipe := networkOptimizeRecipe()
	recipe.Actions = append(recipe.Actions,
		Action{Name: "windows-only", Specs: map[OSFamily]*ActionSpec{OSWindows: {Module: "kv"}}},
		Action{Name: "unknown-module", Specs: map[OSFamily]*ActionSpec{OSLinux: {Module: "teleport"}}},
		Action{Name: "panics", Specs: map[OSFamily]*ActionSpec{OSLinux: {Module: "panic"}}},
		Action{Name: "bad-outcome", Specs: map[OSFamily]*ActionSpec{OSLinux: {Module: "bad"}}},
	)

	r := NewReconciler(resolver, nil, zerolog.Nop())
	device := &Device{Hostname: "iem.lan", OS: OSLinux}
	plan, err := r.Plan(context.Background(), device, recipe, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []struct {
		name        string
		disposition Disposition
	}{
		{"set-buffer-size", DispositionSatisfied},
		{"enable-bbr", DispositionNeedsApply},
		{"windows-only", DispositionUnsupported},
		{"unknown-module", DispositionUnsupported},
		{"panics", DispositionNeedsApply},
		{"bad-outcome", DispositionNeedsApply},
	}
	if len(plan.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(plan.Entries), len(want))
	}
	for i, w := range want {
		e := plan.Entries[i]
		if e.Name != w.name || e.Index != i {
			t.Errorf("entry %d = %s (index %d), want %s", i, e.Name, e.Index, w.name)
		}
		if e.Disposition != w.disposition {
			t.Errorf("%s: disposition = %s, want %s", e.Name, e.Disposition, w.disposition)
		}
	}
	if plan.Entries[4].Verify != VerifyIndeterminate {
		t.Errorf("panicking verify = %s, want indeterminate", plan.Entries[4].Verify)
	}
	if plan.Entries[0].Current != "16777216" {
		t.Errorf("current = %q", plan.Entries[0].Current)
	}

	sum := plan.Summary
	if sum.Total != 6 || sum.NeedsApply != 3 || sum.AlreadySatisfied != 1 || sum.Unsupported != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestReconciler_PlanNeverApplies(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	h.EXPECT().Verify(gomock.Any(), gomock.Any(), gomock.Any()).Return(Unsatisfied("0", "")).Times(2)

	r := NewReconciler(&mapResolver{handlers: map[string]Handler{"kv": h}}, nil, zerolog.Nop())
	plan, err := r.Plan(context.Background(), &Device{Hostname: "iem.lan", OS: OSLinux}, networkOptimizeRecipe(), nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Summary.NeedsApply != 2 {
		t.Errorf("summary = %+v", plan.Summary)
	}
}

func TestReconciler_PlanVerifiesThroughCommander(t *testing.T) {
	ctrl := gomock.NewController(t)
	cmd := NewMockCommander(ctrl)
	gomock.InOrder(
		cmd.EXPECT().Run(gomock.Any(), "sysctl -n net.core.rmem_max").
			Return(&ExecResult{Stdout: "16777216\n"}, nil),
		cmd.EXPECT().Run(gomock.Any(), "sysctl -n net.ipv4.tcp_congestion_control").
			Return(nil, errors.New("connection reset")),
	)

	r := NewReconciler(&mapResolver{handlers: map[string]Handler{"kv": sysctlHandler{}}}, nil, zerolog.Nop())
	plan, err := r.Plan(context.Background(), &Device{Hostname: "iem.lan", OS: OSLinux}, networkOptimizeRecipe(), cmd)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if e := plan.Entries[0]; e.Disposition != DispositionSatisfied || e.Current != "16777216" {
		t.Errorf("set-buffer-size = %s (current %q)", e.Disposition, e.Current)
	}
	if e := plan.Entries[1]; e.Verify != VerifyIndeterminate || e.Disposition != DispositionNeedsApply {
		t.Errorf("enable-bbr = %s/%s, want indeterminate/needs-apply", e.Verify, e.Disposition)
	}
}

func TestReconciler_PlanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReconciler(&mapResolver{handlers: map[string]Handler{}}, nil, zerolog.Nop())
	if _, err := r.Plan(ctx, &Device{Hostname: "iem.lan", OS: OSLinux}, networkOptimizeRecipe(), nil); err == nil {
		t.Error("expected context error")
	}
}
