package recipes

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema validates decoded documents against the built-in CUE definitions.
// A cue.Context is not safe for concurrent use, so calls are serialized.
type Schema struct {
	mu      sync.Mutex
	ctx     *cue.Context
	recipe  cue.Value
	profile cue.Value
}

// NewSchema compiles the built-in definitions.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	file := ctx.CompileString(builtinSchema)
	if err := file.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	s := &Schema{ctx: ctx}
	s.recipe = file.LookupPath(cue.ParsePath("#Recipe"))
	s.profile = file.LookupPath(cue.ParsePath("#Profile"))
	if err := s.recipe.Err(); err != nil {
		return nil, fmt.Errorf("schema #Recipe: %w", err)
	}
	if err := s.profile.Err(); err != nil {
		return nil, fmt.Errorf("schema #Profile: %w", err)
	}
	return s, nil
}

// ValidateRecipe checks a decoded recipe document.
func (s *Schema) ValidateRecipe(doc map[string]any) error {
	return s.validate(s.recipe, doc)
}

// ValidateProfile checks a decoded profile document.
func (s *Schema) ValidateProfile(doc map[string]any) error {
	return s.validate(s.profile, doc)
}

func (s *Schema) validate(def cue.Value, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Platform keys: a single family, unix, all, or a comma list of those.
const builtinSchema = `
#Name: string & =~"^[a-z0-9][a-z0-9._-]*$"

#Platform: "linux" | "windows" | "macos"

#PlatformKey: =~"^(linux|windows|macos|unix|all)(,(linux|windows|macos|unix|all))*$"

#Spec: {
	module:    string & =~"^[a-z][a-z0-9_-]*$"
	params?:   {...}
	verify?:   string
	category?: string
}

#Action: {
	name:         #Name
	description?: string
	[#PlatformKey]: #Spec
}

#Recipe: {
	name:         #Name
	description?: string
	version?:     string | number
	category?:    string
	platforms: [#Platform, ...#Platform]
	actions: [...#Action]
}

#Profile: {
	name:         #Name
	description?: string
	extends?:     #Name
	recipes?: [...#Name]
	tags?: [...string]
}
`
