// Package versioning mirrors inventory record changes into a Git history.
//
// Every session start, session result, registration and removal becomes one
// commit in the inventory repository, so `git log` doubles as the audit trail.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"github.com/avtune/avtune/pkg/engine"
)

const (
	defaultAttempts = 3
	defaultDelay    = 200 * time.Millisecond
	maxDelay        = 5 * time.Second

	// gitTimeout bounds a single git invocation.
	gitTimeout = 30 * time.Second

	defaultAuthor = "avtune"
	defaultEmail  = "avtune@localhost"
)

// Config configures a GitCommitter.
type Config struct {
	// Dir is the working tree; normally the inventory root.
	Dir string

	// Author and Email are used for every commit. They are passed with -c so
	// the repository's own user config is not required.
	Author string
	Email  string

	// Attempts is the number of tries per git command.
	Attempts uint

	// Delay is the initial retry backoff.
	Delay time.Duration

	// Binary overrides the git executable.
	Binary string
}

// GitCommitter implements engine.Committer by shelling out to git.
type GitCommitter struct {
	config Config
	logger zerolog.Logger
	mu     sync.Mutex
}

var _ engine.Committer = (*GitCommitter)(nil)

// NewGitCommitter creates a committer for the repository at cfg.Dir.
func NewGitCommitter(cfg Config, logger zerolog.Logger) (*GitCommitter, error) {
	if cfg.Dir == "" {
		return nil, errors.New("versioning: repository dir is required")
	}
	if cfg.Author == "" {
		cfg.Author = defaultAuthor
	}
	if cfg.Email == "" {
		cfg.Email = defaultEmail
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Delay == 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	return &GitCommitter{
		config: cfg,
		logger: logger.With().Str("component", "versioning").Logger(),
	}, nil
}

// Dir returns the working tree.
func (g *GitCommitter) Dir() string {
	return g.config.Dir
}

// IsRepository reports whether Dir is inside a git working tree.
func (g *GitCommitter) IsRepository(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Init creates the repository when Dir is not yet a working tree.
func (g *GitCommitter) Init(ctx context.Context) error {
	if g.IsRepository(ctx) {
		return nil
	}
	if err := os.MkdirAll(g.config.Dir, 0o755); err != nil {
		return engine.NewVersioningError("failed to create repository dir", err)
	}
	if err := g.withRetry(ctx, "init", "-q"); err != nil {
		return engine.NewVersioningError("git init failed", err)
	}
	g.logger.Info().Str("dir", g.config.Dir).Msg("Initialized inventory repository")
	return nil
}

// Commit stages paths (all changes when none are given) and commits them.
// Nothing to commit yields a no-op result, not an error.
func (g *GitCommitter) Commit(ctx context.Context, message string, paths ...string) (*engine.CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	present, missing := g.splitPaths(paths)

	switch {
	case len(paths) == 0:
		if err := g.withRetry(ctx, "add", "-A"); err != nil {
			return nil, engine.NewVersioningError("git add failed", err)
		}
	default:
		if len(present) > 0 {
			if err := g.withRetry(ctx, append([]string{"add", "-A", "--"}, present...)...); err != nil {
				return nil, engine.NewVersioningError("git add failed", err)
			}
		}
		if len(missing) > 0 {
			args := append([]string{"rm", "-r", "-q", "--cached", "--ignore-unmatch", "--"}, missing...)
			if err := g.withRetry(ctx, args...); err != nil {
				return nil, engine.NewVersioningError("git rm failed", err)
			}
		}
	}

	status, err := retry.DoWithData(func() (string, error) {
		return g.run(ctx, "status", "--porcelain", "--untracked-files=no")
	}, g.retryOptions()...)
	if err != nil {
		return nil, engine.NewVersioningError("git status failed", err)
	}
	if !hasStaged(status) {
		g.logger.Debug().Str("message", message).Msg("Nothing to commit")
		return &engine.CommitResult{Noop: true}, nil
	}

	if err := g.withRetry(ctx,
		"-c", "user.name="+g.config.Author,
		"-c", "user.email="+g.config.Email,
		"commit", "-q", "--no-verify", "-m", message,
	); err != nil {
		return nil, engine.NewVersioningError("git commit failed", err)
	}

	id, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, engine.NewVersioningError("git rev-parse failed", err)
	}
	id = strings.TrimSpace(id)

	g.logger.Info().
		Str("commit", shortID(id)).
		Str("message", message).
		Dur("duration", time.Since(start)).
		Msg("Committed")
	return &engine.CommitResult{ID: id}, nil
}

// Log returns the subjects of the last n commits, newest first.
func (g *GitCommitter) Log(ctx context.Context, n int) ([]string, error) {
	args := []string{"log", "--format=%s"}
	if n > 0 {
		args = append(args, fmt.Sprintf("-n%d", n))
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, engine.NewVersioningError("git log failed", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *GitCommitter) splitPaths(paths []string) (present, missing []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(g.config.Dir, filepath.FromSlash(p))
		}
		if _, err := os.Stat(full); errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, p)
			continue
		}
		present = append(present, p)
	}
	return present, missing
}

// hasStaged reports whether porcelain output lists an index change.
func hasStaged(porcelain string) bool {
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 2 {
			continue
		}
		if line[0] != ' ' && line[0] != '?' && line[0] != '!' {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (g *GitCommitter) retryOptions() []retry.Option {
	return []retry.Option{
		retry.Attempts(g.config.Attempts),
		retry.Delay(g.config.Delay),
		retry.MaxDelay(maxDelay),
	}
}

func (g *GitCommitter) withRetry(ctx context.Context, args ...string) error {
	return retry.Do(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := g.run(ctx, args...)
		return err
	}, g.retryOptions()...)
}

func (g *GitCommitter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.config.Binary, args...)
	cmd.Dir = g.config.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		g.logger.Debug().
			Strs("args", args).
			Dur("duration", time.Since(start)).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Err(err).
			Msg("git command failed")
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// Disabled is a committer that records nothing.
type Disabled struct{}

// Commit implements engine.Committer.
func (Disabled) Commit(context.Context, string, ...string) (*engine.CommitResult, error) {
	return &engine.CommitResult{Noop: true}, nil
}
