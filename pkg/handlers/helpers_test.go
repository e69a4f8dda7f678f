package handlers

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/avtune/avtune/pkg/engine"
)

// scriptRule answers commands containing match.
type scriptRule struct {
	match string
	res   *engine.ExecResult
	err   error
}

// scriptedCommander is a fake target. Rules are checked in order; the
// first whose match is a substring of the command answers it. Unmatched
// commands exit 127.
type scriptedCommander struct {
	os    engine.OSFamily
	rules []scriptRule
	runs  []string
	files map[string]string
	modes map[string]fs.FileMode
}

func newCommander(os engine.OSFamily) *scriptedCommander {
	return &scriptedCommander{os: os, files: map[string]string{}, modes: map[string]fs.FileMode{}}
}

func (c *scriptedCommander) on(match string, exit int, stdout string) *scriptedCommander {
	c.rules = append(c.rules, scriptRule{match: match, res: &engine.ExecResult{ExitCode: exit, Stdout: stdout}})
	return c
}

func (c *scriptedCommander) fail(match string) *scriptedCommander {
	c.rules = append(c.rules, scriptRule{match: match, err: errors.New("connection reset")})
	return c
}

func (c *scriptedCommander) Run(_ context.Context, command string) (*engine.ExecResult, error) {
	c.runs = append(c.runs, command)
	for _, r := range c.rules {
		if strings.Contains(command, r.match) {
			return r.res, r.err
		}
	}
	return &engine.ExecResult{ExitCode: 127, Stderr: "command not found"}, nil
}

func (c *scriptedCommander) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	c.files[path] = string(data)
	c.modes[path] = mode
	return nil
}

func (c *scriptedCommander) OS() engine.OSFamily { return c.os }

// ran reports whether any executed command contains s.
func (c *scriptedCommander) ran(s string) bool {
	for _, r := range c.runs {
		if strings.Contains(r, s) {
			return true
		}
	}
	return false
}

func action(module string, params map[string]any) *engine.ActionSpec {
	return &engine.ActionSpec{Module: module, Params: params}
}

func assertOutcome(t *testing.T, v engine.Verification, want engine.VerifyOutcome) {
	t.Helper()
	if v.Outcome != want {
		t.Fatalf("outcome = %s (current %q, detail %q), want %s", v.Outcome, v.Current, v.Detail, want)
	}
}

func singleChange(t *testing.T, res *engine.ApplyResult) engine.StateChange {
	t.Helper()
	if res == nil || len(res.Changes) != 1 {
		t.Fatalf("expected exactly one change, got %+v", res)
	}
	return res.Changes[0]
}
