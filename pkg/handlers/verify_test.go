package handlers

import (
	"testing"

	"github.com/avtune/avtune/pkg/engine"
)

func TestEvalVerify(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		env     VerifyEnv
		want    bool
		wantErr bool
	}{
		{"default equal", "", VerifyEnv{Current: "bbr", Target: "bbr"}, true, false},
		{"default differs", "", VerifyEnv{Current: "cubic", Target: "bbr"}, false, false},
		{"whitespace collapsed", "", VerifyEnv{Current: "4096\t87380  16777216\n", Target: "4096 87380 16777216"}, true, false},
		{"numeric at least", "int(current) >= int(target)", VerifyEnv{Current: "33554432", Target: "16777216"}, true, false},
		{"exit code", "exit_code == 0", VerifyEnv{ExitCode: 1}, false, false},
		{"stdout contains", `stdout contains "bbr"`, VerifyEnv{Stdout: "reno cubic bbr"}, true, false},
		{"params", `current == params.expected`, VerifyEnv{Current: "on", Params: map[string]any{"expected": "on"}}, true, false},
		{"not bool", "current", VerifyEnv{Current: "x"}, false, true},
		{"syntax error", "current ==", VerifyEnv{}, false, true},
		{"runtime error", "int(current) > 0", VerifyEnv{Current: "abc"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvalVerify(tt.source, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileVerify(t *testing.T) {
	if err := CompileVerify("current == target"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CompileVerify("unknown_var == 1"); err == nil {
		t.Error("expected error for unknown variable")
	}
	if err := CompileVerify(`"text"`); err == nil {
		t.Error("expected error for non-bool expression")
	}
}

func TestVerifyIsExpression(t *testing.T) {
	tests := []struct {
		name string
		spec *engine.ActionSpec
		want bool
	}{
		{"nil", nil, false},
		{"empty", &engine.ActionSpec{Module: ModuleSysctl}, false},
		{"sysctl", &engine.ActionSpec{Module: ModuleSysctl, Verify: "current == target"}, true},
		{"command probe", &engine.ActionSpec{Module: ModuleCommand, Verify: "test -f /x"}, false},
		{"command with check", &engine.ActionSpec{
			Module: ModuleCommand, Verify: "current == target",
			Params: map[string]any{"check": "cat /x"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyIsExpression(tt.spec); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJudge(t *testing.T) {
	s := &engine.ActionSpec{Module: ModuleSysctl}

	v := judge(s, " bbr\n", "bbr", nil)
	assertOutcome(t, v, engine.VerifySatisfied)
	if v.Current != "bbr" {
		t.Errorf("current = %q", v.Current)
	}

	v = judge(s, "cubic", "bbr", nil)
	assertOutcome(t, v, engine.VerifyUnsatisfied)
	if v.Detail != "want bbr" {
		t.Errorf("detail = %q", v.Detail)
	}

	bad := &engine.ActionSpec{Module: ModuleSysctl, Verify: "int(current) > 1"}
	assertOutcome(t, judge(bad, "n/a", "", nil), engine.VerifyIndeterminate)
}
