package recipes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/avtune/avtune/pkg/engine"
)

// StarlarkEvaluator runs recipe scripts. Scripts have no I/O; print is discarded.
//
// Besides the Starlark universe, scripts see:
//
//	spec(module, verify = "", category = "", **params)  one platform spec
//	action(name, description = "", **platforms)        one recipe action
//	OS_FAMILIES                                         ("linux", "windows", "macos")
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator; a zero timeout means 10s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

func predeclared() starlark.StringDict {
	families := make(starlark.Tuple, len(engine.KnownOSFamilies))
	for i, os := range engine.KnownOSFamilies {
		families[i] = starlark.String(os)
	}
	return starlark.StringDict{
		"struct":      starlarkstruct.Default,
		"spec":        starlark.NewBuiltin("spec", builtinSpec),
		"action":      starlark.NewBuiltin("action", builtinAction),
		"OS_FAMILIES": families,
	}
}

// Evaluate executes script and returns its public globals as Go values.
// Globals starting with an underscore and functions are dropped.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	env := predeclared()
	for key, val := range input {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		env[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "recipe:" + filename,
		Print: func(*starlark.Thread, string) {},
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, env)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	out := make(map[string]any, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		v, err := fromStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// builtinSpec builds the dict of one platform spec; every keyword other
// than verify and category becomes a module param.
func builtinSpec(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var module string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &module); err != nil {
		return nil, err
	}

	spec := starlark.NewDict(4)
	params := starlark.NewDict(len(kwargs))
	_ = spec.SetKey(starlark.String("module"), starlark.String(module))
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		switch key {
		case "verify", "category":
			if _, ok := kv[1].(starlark.String); !ok {
				return nil, fmt.Errorf("%s: %s must be a string, got %s", b.Name(), key, kv[1].Type())
			}
			_ = spec.SetKey(kv[0], kv[1])
		default:
			_ = params.SetKey(kv[0], kv[1])
		}
	}
	if params.Len() > 0 {
		_ = spec.SetKey(starlark.String("params"), params)
	}
	return spec, nil
}

// builtinAction builds an action dict; keywords other than description are
// platform keys and must hold spec dicts.
func builtinAction(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &name); err != nil {
		return nil, err
	}

	action := starlark.NewDict(len(kwargs) + 1)
	_ = action.SetKey(starlark.String("name"), starlark.String(name))
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		if key != "description" {
			if _, ok := kv[1].(*starlark.Dict); !ok {
				return nil, fmt.Errorf("%s %q: platform %s must be a spec, got %s", b.Name(), name, key, kv[1].Type())
			}
		}
		_ = action.SetKey(kv[0], kv[1])
	}
	return action, nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []any:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			_ = dict.SetKey(starlark.String(k), sv)
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.Dict:
		m := make(map[string]any, val.Len())
		for _, kv := range val.Items() {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", kv[0].Type())
			}
			item, err := fromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			m[string(key)] = item
		}
		return m, nil
	case *starlarkstruct.Struct:
		m := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			item, err := fromStarlark(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			m[name] = item
		}
		return m, nil
	case starlark.Indexable:
		// lists and tuples
		items := make([]any, val.Len())
		for i := range items {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
