package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

// Engine evaluates built-in and user policies. It implements
// engine.PolicyChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	profiles engine.ProfileSource
	logger   zerolog.Logger
}

var _ engine.PolicyChecker = (*Engine)(nil)

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithProfiles resolves the device profile into input.profile so policies
// can see its recipe list.
func WithProfiles(src engine.ProfileSource) Option {
	return func(e *Engine) { e.profiles = src }
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx := context.Background()
	for _, p := range BuiltinPolicies() {
		p := p
		if err := e.compileAndStore(ctx, &p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().Int("count", len(e.policies)).Msg("Built-in policies loaded")
	return e, nil
}

// Check evaluates every enabled policy against input. Violations with
// severity error or critical make the decision disallowed.
func (e *Engine) Check(ctx context.Context, input *engine.PolicyInput) (*engine.PolicyDecision, error) {
	start := time.Now()
	doc, err := e.document(ctx, input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &engine.PolicyDecision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluate(ctx, cp, doc)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("policy %s failed to evaluate", name), err)
		}
		for _, v := range violations {
			if v.Blocking() {
				decision.Allowed = false
			}
			decision.Violations = append(decision.Violations, v)
		}
	}

	e.logger.Debug().
		Str("hostname", hostnameOf(input)).
		Int("violations", len(decision.Violations)).
		Bool("allowed", decision.Allowed).
		Dur("duration", time.Since(start)).
		Msg("Policy evaluation completed")

	return decision, nil
}

// document renders input through its JSON tags so Rego sees the same field
// names as the stored records, then attaches the resolved profile.
func (e *Engine) document(ctx context.Context, input *engine.PolicyInput) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}

	if e.profiles != nil && input.Device != nil && input.Device.Profile != "" {
		profile, err := e.profiles.LoadProfile(ctx, input.Device.Profile)
		if err != nil {
			e.logger.Warn().Err(err).Str("profile", input.Device.Profile).Msg("Profile unavailable for policy input")
		} else {
			doc["profile"] = map[string]any{
				"name":    profile.Name,
				"recipes": stringsToAny(profile.Recipes),
				"tags":    stringsToAny(profile.Tags),
			}
		}
	}
	return doc, nil
}

func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, doc map[string]any) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation accepts a plain message or an object with message and
// severity.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && Severity(sev).Valid() {
			violation.Severity = sev
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compileAndStore parses the module and prepares its deny query.
func (e *Engine) compileAndStore(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}
	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads user policies from paths and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceUserPolicies(ctx, policies)
}

// Watch keeps the user policies in sync with paths until ctx is done. The
// returned loader can stop the watch early.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceUserPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// ReplaceUserPolicies swaps the set of user policies atomically. When any
// policy fails to compile the previous set stays active.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	staged := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    e.store,
		logger:   e.logger,
	}
	for i := range policies {
		p := policies[i]
		if p.Builtin {
			continue
		}
		if _, clash := e.builtin(p.Name); clash {
			return engine.NewValidationError(fmt.Sprintf("policy %s collides with a built-in policy", p.Name), nil)
		}
		if err := staged.compileAndStore(ctx, &p); err != nil {
			return engine.NewValidationError(fmt.Sprintf("policy %s (%s) does not compile", p.Name, p.Source), err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staged.policies {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(staged.policies)).Msg("User policies loaded")
	return nil
}

func (e *Engine) builtin(name string) (*compiledPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok || !cp.policy.Builtin {
		return nil, false
	}
	return cp, true
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames gives evaluation a stable order. Callers hold mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hostnameOf(input *engine.PolicyInput) string {
	if input == nil || input.Device == nil {
		return ""
	}
	return input.Device.Hostname
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
