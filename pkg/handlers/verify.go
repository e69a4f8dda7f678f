package handlers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/avtune/avtune/pkg/engine"
)

// DefaultVerify is used when an action spec has no verify expression.
const DefaultVerify = "current == target"

// VerifyEnv is the environment a verify expression is evaluated against.
type VerifyEnv struct {
	Current  string         `expr:"current"`
	Target   string         `expr:"target"`
	ExitCode int            `expr:"exit_code"`
	Stdout   string         `expr:"stdout"`
	Params   map[string]any `expr:"params"`
}

var programs sync.Map // source -> *vm.Program

func compileVerify(source string) (*vm.Program, error) {
	if p, ok := programs.Load(source); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(source, expr.Env(VerifyEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("verify expression %q: %w", source, err)
	}
	programs.Store(source, program)
	return program, nil
}

// CompileVerify checks that source is a valid boolean verify expression.
func CompileVerify(source string) error {
	_, err := compileVerify(source)
	return err
}

// VerifyIsExpression reports whether spec.Verify is an expression rather than
// a shell probe. Only the command module without a check command treats it as
// a shell probe.
func VerifyIsExpression(spec *engine.ActionSpec) bool {
	if spec == nil || spec.Verify == "" {
		return false
	}
	return spec.Module != ModuleCommand || spec.StringParam("check") != ""
}

// EvalVerify evaluates source (or DefaultVerify) against env.
// current and target are compared with whitespace collapsed.
func EvalVerify(source string, env VerifyEnv) (bool, error) {
	if source == "" {
		source = DefaultVerify
	}
	program, err := compileVerify(source)
	if err != nil {
		return false, err
	}
	env.Current = normalize(env.Current)
	env.Target = normalize(env.Target)
	if env.Params == nil {
		env.Params = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("verify expression %q: %w", source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("verify expression %q returned %T, expected bool", source, out)
	}
	return ok, nil
}

// judge turns a probe reading into a Verification.
func judge(spec *engine.ActionSpec, current, target string, res *engine.ExecResult) engine.Verification {
	env := VerifyEnv{Current: current, Target: target, Params: spec.Params}
	if res != nil {
		env.ExitCode = res.ExitCode
		env.Stdout = strings.TrimSpace(res.Stdout)
	}
	ok, err := EvalVerify(spec.Verify, env)
	if err != nil {
		return engine.Indeterminate(err.Error())
	}
	if ok {
		return engine.Satisfied(normalize(current))
	}
	return engine.Unsatisfied(normalize(current), fmt.Sprintf("want %s", normalize(target)))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
