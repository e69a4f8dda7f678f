package recipes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// LoadProfile implements engine.ProfileSource. The extends chain is resolved:
// parent recipes come first without duplicates, and tags are unioned.
func (l *Loader) LoadProfile(ctx context.Context, name string) (*engine.Profile, error) {
	if l.profilesDir == "" {
		return nil, engine.NewProfileNotFoundError(name, errors.New("no profiles directory configured"))
	}

	var chain []*engine.Profile
	visited := make(map[string]bool)
	for current := name; current != ""; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[current] {
			return nil, engine.NewParseError(name, fmt.Errorf("profile inheritance cycle at %q", current))
		}
		visited[current] = true

		p, err := l.readProfile(current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		current = p.Extends
	}

	resolved := &engine.Profile{
		Name:        chain[0].Name,
		Description: chain[0].Description,
		Extends:     chain[0].Extends,
	}
	seen := make(map[string]bool)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, r := range chain[i].Recipes {
			if !seen[r] {
				seen[r] = true
				resolved.Recipes = append(resolved.Recipes, r)
			}
		}
		resolved.Tags = engine.MergeTags(resolved.Tags, chain[i].Tags...)
	}

	l.logger.Debug().
		Str("profile", name).
		Int("depth", len(chain)).
		Int("recipes", len(resolved.Recipes)).
		Msg("Profile resolved")

	return resolved, nil
}

// ListProfiles returns the profile names found in the profiles directory.
func (l *Loader) ListProfiles() ([]string, error) {
	if l.profilesDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.profilesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) readProfile(name string) (*engine.Profile, error) {
	if !namePattern.MatchString(name) {
		return nil, engine.NewProfileNotFoundError(name, errors.New("invalid profile name"))
	}
	path := filepath.Join(l.profilesDir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewProfileNotFoundError(name, nil)
		}
		return nil, engine.NewParseError(path, err)
	}

	doc, err := decodeYAML(data)
	if err != nil {
		return nil, engine.NewParseError(path, err)
	}
	if err := l.schema.ValidateProfile(doc); err != nil {
		return nil, engine.NewParseError(path, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, engine.NewParseError(path, err)
	}
	var p engine.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, engine.NewParseError(path, err)
	}
	if err := l.validate.Struct(&p); err != nil {
		return nil, engine.NewParseError(path, err)
	}
	if p.Name != name {
		return nil, engine.NewParseError(path, fmt.Errorf("profile name %q does not match file name %q", p.Name, name))
	}
	return &p, nil
}
