package recipes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/handlers"
)

// Recipe file extensions, in lookup order.
var recipeExtensions = []string{".yaml", ".yml", ".star"}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Platform keys that expand to more than one family.
const (
	keyAll  = "all"
	keyUnix = "unix"
)

// Options configures a Loader.
type Options struct {
	// RecipesDir holds <name>.yaml, <name>.yml and <name>.star files.
	RecipesDir string

	// ProfilesDir holds <name>.yaml profile files.
	ProfilesDir string

	// StarlarkTimeout bounds the evaluation of one .star recipe.
	StarlarkTimeout time.Duration

	Logger zerolog.Logger
}

// Loader reads, validates and normalizes recipes and profiles from disk.
// It implements engine.RecipeSource and engine.ProfileSource.
type Loader struct {
	recipesDir  string
	profilesDir string
	schema      *Schema
	starlark    *StarlarkEvaluator
	validate    *validator.Validate
	logger      zerolog.Logger
}

// RecipeSummary is one entry of List.
type RecipeSummary struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Category    string            `json:"category,omitempty"`
	Platforms   []engine.OSFamily `json:"platforms"`
	Actions     int               `json:"actions"`
	Source      string            `json:"source"`

	// Error is set when the file exists but does not load.
	Error string `json:"error,omitempty"`
}

// NewLoader creates a loader for the given directories.
func NewLoader(opts Options) (*Loader, error) {
	if opts.RecipesDir == "" {
		return nil, engine.NewValidationError("recipes directory is required", nil)
	}
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	return &Loader{
		recipesDir:  opts.RecipesDir,
		profilesDir: opts.ProfilesDir,
		schema:      schema,
		starlark:    NewStarlarkEvaluator(opts.StarlarkTimeout),
		validate:    validator.New(),
		logger:      opts.Logger.With().Str("component", "recipes").Logger(),
	}, nil
}

// RecipesDir returns the directory recipes are read from.
func (l *Loader) RecipesDir() string { return l.recipesDir }

// Load implements engine.RecipeSource. It returns a fully validated recipe or
// an error coded RECIPE_NOT_FOUND or PARSE_ERROR, never a partial recipe.
func (l *Loader) Load(ctx context.Context, name string) (*engine.Recipe, error) {
	if !namePattern.MatchString(name) {
		return nil, engine.NewRecipeNotFoundError(name, errors.New("invalid recipe name"))
	}

	path, err := l.find(name)
	if err != nil {
		return nil, err
	}
	return l.LoadFile(ctx, path)
}

// LoadFile loads the recipe at path. The recipe name must match the file name.
func (l *Loader) LoadFile(ctx context.Context, path string) (*engine.Recipe, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewRecipeNotFoundError(stem, err)
		}
		return nil, engine.NewParseError(path, err)
	}

	var doc map[string]any
	switch ext {
	case ".star":
		doc, err = l.evalStarlark(ctx, path, data)
	default:
		doc, err = decodeYAML(data)
	}
	if err != nil {
		return nil, engine.NewParseError(path, err)
	}

	recipe, err := l.build(doc)
	if err != nil {
		return nil, engine.NewParseError(path, err)
	}
	if recipe.Name != stem {
		return nil, engine.NewParseError(path, fmt.Errorf("recipe name %q does not match file name %q", recipe.Name, stem))
	}
	recipe.Source = path

	l.logger.Debug().
		Str("recipe", recipe.Name).
		Str("source", path).
		Int("actions", len(recipe.Actions)).
		Msg("Recipe loaded")

	return recipe, nil
}

// List loads every recipe in the recipes directory. Broken files are listed
// with their error rather than failing the whole listing.
func (l *Loader) List(ctx context.Context) ([]RecipeSummary, error) {
	entries, err := os.ReadDir(l.recipesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recipes directory: %w", err)
	}

	seen := make(map[string]bool)
	var out []RecipeSummary
	for _, e := range entries {
		if e.IsDir() || !isRecipeFile(e.Name()) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if seen[stem] {
			continue
		}
		seen[stem] = true

		path, err := l.find(stem)
		if err != nil {
			continue
		}
		summary := RecipeSummary{Name: stem, Source: path}
		recipe, err := l.LoadFile(ctx, path)
		if err != nil {
			summary.Error = err.Error()
		} else {
			summary.Description = recipe.Description
			summary.Version = recipe.Version
			summary.Category = recipe.Category
			summary.Platforms = recipe.Platforms
			summary.Actions = len(recipe.Actions)
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// find returns the first existing file for name in lookup order.
func (l *Loader) find(name string) (string, error) {
	for _, ext := range recipeExtensions {
		path := filepath.Join(l.recipesDir, name+ext)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", engine.NewRecipeNotFoundError(name, nil)
}

func isRecipeFile(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range recipeExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// evalStarlark runs a .star file and returns its `recipe` global.
func (l *Loader) evalStarlark(ctx context.Context, path string, data []byte) (map[string]any, error) {
	globals, err := l.starlark.Evaluate(ctx, path, string(data), nil)
	if err != nil {
		return nil, err
	}
	raw, ok := globals["recipe"]
	if !ok {
		return nil, errors.New("starlark recipe must assign a `recipe` dict")
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("starlark `recipe` must be a dict, got %T", raw)
	}
	return doc, nil
}

// decodeYAML decodes a recipe or profile document. The version is kept as
// written, so `version: 1.10` stays "1.10".
func decodeYAML(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if doc == nil {
		return nil, errors.New("empty document")
	}

	var meta struct {
		Version string `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &meta); err == nil && meta.Version != "" {
		doc["version"] = meta.Version
	}
	return doc, nil
}

type recipeDoc struct {
	Name        string                       `json:"name" validate:"required"`
	Description string                       `json:"description"`
	Version     string                       `json:"version"`
	Category    string                       `json:"category"`
	Platforms   []engine.OSFamily            `json:"platforms" validate:"required,min=1,unique"`
	Actions     []map[string]json.RawMessage `json:"actions"`
}

type specDoc struct {
	Module   string         `json:"module" validate:"required"`
	Params   map[string]any `json:"params"`
	Verify   string         `json:"verify"`
	Category string         `json:"category"`
}

// build turns a decoded document into a recipe. YAML and Starlark documents
// go through the same JSON form so both produce identical models.
func (l *Loader) build(doc map[string]any) (*engine.Recipe, error) {
	if v, ok := doc["version"]; ok && v != nil {
		if _, isString := v.(string); !isString {
			doc["version"] = fmt.Sprint(v)
		}
	}

	if err := l.schema.ValidateRecipe(doc); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recipe: %w", err)
	}
	var rd recipeDoc
	if err := json.Unmarshal(raw, &rd); err != nil {
		return nil, err
	}
	if err := l.validate.Struct(&rd); err != nil {
		return nil, err
	}

	recipe := &engine.Recipe{
		Name:        rd.Name,
		Description: rd.Description,
		Version:     rd.Version,
		Category:    rd.Category,
		Platforms:   rd.Platforms,
		Actions:     make([]engine.Action, 0, len(rd.Actions)),
	}

	names := make(map[string]bool, len(rd.Actions))
	for i, fields := range rd.Actions {
		action, err := l.buildAction(recipe, fields)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if names[action.Name] {
			return nil, fmt.Errorf("action %d: duplicate action name %q", i, action.Name)
		}
		names[action.Name] = true
		recipe.Actions = append(recipe.Actions, *action)
	}
	return recipe, nil
}

func (l *Loader) buildAction(recipe *engine.Recipe, fields map[string]json.RawMessage) (*engine.Action, error) {
	action := &engine.Action{Specs: make(map[engine.OSFamily]*engine.ActionSpec, len(recipe.Platforms))}
	if err := unmarshalField(fields, "name", &action.Name); err != nil {
		return nil, err
	}
	if err := unmarshalField(fields, "description", &action.Description); err != nil {
		return nil, err
	}

	// rank records how specific the key that set each platform was.
	rank := make(map[engine.OSFamily]int)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "name" && k != "description" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, err := l.decodeSpec(fields[key])
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", action.Name, key, err)
		}
		platforms, specificity, err := expandPlatformKey(key, recipe.Platforms)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", action.Name, err)
		}
		for _, os := range platforms {
			prev, exists := rank[os]
			switch {
			case !exists || specificity > prev:
				rank[os] = specificity
				action.Specs[os] = spec
			case specificity == prev:
				return nil, fmt.Errorf("%s: platform %s is specified twice", action.Name, os)
			}
		}
	}

	// Platforms without a spec keep an empty entry; the reconciler reports them unsupported.
	for _, os := range recipe.Platforms {
		if _, ok := action.Specs[os]; !ok {
			action.Specs[os] = nil
		}
	}
	return action, nil
}

func (l *Loader) decodeSpec(raw json.RawMessage) (*engine.ActionSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var sd specDoc
	if err := dec.Decode(&sd); err != nil {
		return nil, err
	}
	if err := l.validate.Struct(&sd); err != nil {
		return nil, err
	}

	spec := &engine.ActionSpec{
		Module:   sd.Module,
		Params:   normalizeNumbers(sd.Params),
		Verify:   sd.Verify,
		Category: sd.Category,
	}
	if handlers.VerifyIsExpression(spec) {
		if err := handlers.CompileVerify(spec.Verify); err != nil {
			return nil, fmt.Errorf("invalid verify expression: %w", err)
		}
	}
	return spec, nil
}

// expandPlatformKey resolves a platform key against the recipe platforms.
// More specific keys win: a single family over a list, a list over unix, unix over all.
func expandPlatformKey(key string, allowed []engine.OSFamily) ([]engine.OSFamily, int, error) {
	parts := strings.Split(key, ",")
	if len(parts) > 1 {
		var out []engine.OSFamily
		for _, p := range parts {
			expanded, _, err := expandPlatformKey(p, allowed)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, expanded...)
		}
		return out, 2, nil
	}

	switch key {
	case keyAll:
		return append([]engine.OSFamily(nil), allowed...), 0, nil
	case keyUnix:
		var out []engine.OSFamily
		for _, os := range allowed {
			if os.IsUnix() {
				out = append(out, os)
			}
		}
		return out, 1, nil
	}

	os := engine.OSFamily(key)
	if err := os.Validate(); err != nil {
		return nil, 0, fmt.Errorf("unknown platform key %q", key)
	}
	for _, a := range allowed {
		if a == os {
			return []engine.OSFamily{os}, 3, nil
		}
	}
	return nil, 0, fmt.Errorf("platform %q is not listed in the recipe platforms", key)
}

func unmarshalField(fields map[string]json.RawMessage, key string, out any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	return nil
}

// normalizeNumbers replaces json.Number values with int64 or float64.
func normalizeNumbers(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeNumbers(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
