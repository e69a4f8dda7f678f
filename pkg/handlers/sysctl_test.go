package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/avtune/avtune/pkg/engine"
)

func TestSysctlHandler_Verify(t *testing.T) {
	ctx := context.Background()
	h := &SysctlHandler{}
	params := map[string]any{"key": "net.ipv4.tcp_congestion_control", "value": "bbr"}

	tests := []struct {
		name string
		cmd  *scriptedCommander
		want engine.VerifyOutcome
	}{
		{"satisfied", newCommander(engine.OSLinux).on("sysctl -n", 0, "bbr\n"), engine.VerifySatisfied},
		{"unsatisfied", newCommander(engine.OSLinux).on("sysctl -n", 0, "cubic\n"), engine.VerifyUnsatisfied},
		{"unknown key", newCommander(engine.OSLinux).on("sysctl -n", 255, ""), engine.VerifyIndeterminate},
		{"transport error", newCommander(engine.OSLinux).fail("sysctl"), engine.VerifyIndeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOutcome(t, h.Verify(ctx, tt.cmd, action(ModuleSysctl, params)), tt.want)
		})
	}
}

func TestSysctlHandler_VerifyNumericValue(t *testing.T) {
	cmd := newCommander(engine.OSLinux).on("sysctl -n", 0, "16777216\n")
	v := (&SysctlHandler{}).Verify(context.Background(), cmd,
		action(ModuleSysctl, map[string]any{"key": "net.core.rmem_max", "value": 16777216}))
	assertOutcome(t, v, engine.VerifySatisfied)
}

func TestSysctlHandler_VerifyInvalidParams(t *testing.T) {
	cmd := newCommander(engine.OSLinux)
	v := (&SysctlHandler{}).Verify(context.Background(), cmd, action(ModuleSysctl, map[string]any{"value": "1"}))
	assertOutcome(t, v, engine.VerifyIndeterminate)
	if len(cmd.runs) != 0 {
		t.Errorf("no command should run with invalid params, ran %v", cmd.runs)
	}
}

func TestSysctlHandler_Apply(t *testing.T) {
	ctx := context.Background()
	h := &SysctlHandler{PersistFile: "/etc/sysctl.d/90-test.conf"}
	cmd := newCommander(engine.OSLinux).
		on("sysctl -w", 0, "net.core.rmem_max = 16777216\n").
		on("cat '/etc/sysctl.d/90-test.conf'", 0, "# existing\nvm.swappiness = 10\n").
		on("mkdir -p", 0, "")

	res, err := h.Apply(ctx, cmd, action(ModuleSysctl, map[string]any{"key": "net.core.rmem_max", "value": 16777216}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !cmd.ran("sysctl -w 'net.core.rmem_max=16777216'") {
		t.Errorf("sysctl -w not run: %v", cmd.runs)
	}

	c := singleChange(t, res)
	if c.Kind != engine.ChangeOptimization || c.Key != "net.core.rmem_max" || c.Value != "16777216" {
		t.Errorf("change = %+v", c)
	}

	persisted := cmd.files["/etc/sysctl.d/90-test.conf"]
	if !strings.Contains(persisted, "vm.swappiness = 10") || !strings.Contains(persisted, "net.core.rmem_max = 16777216") {
		t.Errorf("persisted file = %q", persisted)
	}
}

func TestSysctlHandler_ApplyWithoutPersist(t *testing.T) {
	cmd := newCommander(engine.OSLinux).on("sysctl -w", 0, "")
	_, err := (&SysctlHandler{}).Apply(context.Background(), cmd,
		action(ModuleSysctl, map[string]any{"key": "kernel.sched_rt_runtime_us", "value": -1, "persist": false}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(cmd.files) != 0 || cmd.ran("cat ") {
		t.Errorf("persist=false should not touch the persist file: runs %v", cmd.runs)
	}
}

func TestSysctlHandler_ApplyFailure(t *testing.T) {
	cmd := newCommander(engine.OSLinux)
	cmd.rules = append(cmd.rules, scriptRule{match: "sysctl -w", res: &engine.ExecResult{ExitCode: 255, Stderr: "permission denied"}})

	_, err := (&SysctlHandler{}).Apply(context.Background(), cmd,
		action(ModuleSysctl, map[string]any{"key": "net.core.rmem_max", "value": 1}))
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err = %v", err)
	}
}

func TestSysctlHandler_MacPersistsToSysctlConf(t *testing.T) {
	cmd := newCommander(engine.OSMacOS).on("sysctl -w", 0, "").on("cat", 1, "").on("mkdir", 0, "")
	_, err := (&SysctlHandler{}).Apply(context.Background(), cmd,
		action(ModuleSysctl, map[string]any{"key": "kern.ipc.maxsockbuf", "value": 8388608}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := cmd.files["/etc/sysctl.conf"]; !ok {
		t.Errorf("expected /etc/sysctl.conf to be written, got %v", cmd.files)
	}
}
