package recipes

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses bursts of editor writes into one revalidation.
const watchDebounce = 500 * time.Millisecond

// WatchFunc receives the result of a revalidation.
type WatchFunc func(summaries []RecipeSummary, err error)

// Watch revalidates every recipe when a file in the recipes or profiles
// directory changes. It calls fn once immediately and blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, fn WatchFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(l.recipesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.recipesDir, err)
	}
	if l.profilesDir != "" {
		if err := watcher.Add(l.profilesDir); err != nil {
			l.logger.Warn().Err(err).Str("path", l.profilesDir).Msg("Failed to watch profiles directory")
		}
	}

	revalidate := func() {
		summaries, err := l.List(ctx)
		fn(summaries, err)
	}
	revalidate()

	l.logger.Info().Str("path", l.recipesDir).Msg("Watching recipes")

	trigger := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Recipe file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			revalidate()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
