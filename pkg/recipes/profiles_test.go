package recipes

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtune/avtune/pkg/engine"
)

func TestLoader_LoadProfile(t *testing.T) {
	l := newTestLoader(t, "testdata/recipes", "testdata/profiles")

	p, err := l.LoadProfile(context.Background(), "studio")
	require.NoError(t, err)

	assert.Equal(t, "studio", p.Name)
	assert.Equal(t, "base", p.Extends)
	assert.Equal(t, []string{"network-optimize", "audio-rt"}, p.Recipes, "parent recipes first, no duplicates")
	assert.Equal(t, []string{"av", "studio"}, p.Tags)
	assert.True(t, p.IncludesRecipe("audio-rt"))
}

func TestLoader_LoadProfileErrors(t *testing.T) {
	l := newTestLoader(t, "testdata/recipes", "testdata/profiles")
	ctx := context.Background()

	_, err := l.LoadProfile(ctx, "nope")
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)

	_, err = l.LoadProfile(ctx, "loop-a")
	assert.ErrorIs(t, err, engine.ErrParse)

	noProfiles := newTestLoader(t, "testdata/recipes", "")
	_, err = noProfiles.LoadProfile(ctx, "base")
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)
}

func TestLoader_LoadProfileMissingParent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "child.yaml"), []byte("name: child\nextends: ghost\n"), 0o644))
	l := newTestLoader(t, "testdata/recipes", dir)

	_, err := l.LoadProfile(context.Background(), "child")
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)
}

func TestLoader_ListProfiles(t *testing.T) {
	l := newTestLoader(t, "testdata/recipes", "testdata/profiles")

	names, err := l.ListProfiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "loop-a", "loop-b", "studio"}, names)
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "a.yaml", "name: a\nplatforms: [linux]\nactions: []\n")
	l := newTestLoader(t, dir, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var calls [][]RecipeSummary
	done := make(chan error, 1)
	go func() {
		done <- l.Watch(ctx, func(s []RecipeSummary, err error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, s)
		})
	}()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(calls)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeRecipe(t, dir, "b.yaml", "name: b\nplatforms: [linux]\nactions: []\n")
	require.Eventually(t, func() bool { return count() >= 2 }, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	last := calls[len(calls)-1]
	mu.Unlock()
	assert.Len(t, last, 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
