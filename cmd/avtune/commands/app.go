package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/avtune/avtune/pkg/config"
	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/handlers"
	"github.com/avtune/avtune/pkg/plugins"
	"github.com/avtune/avtune/pkg/policy"
	"github.com/avtune/avtune/pkg/recipes"
	"github.com/avtune/avtune/pkg/stores"
	"github.com/avtune/avtune/pkg/telemetry"
	"github.com/avtune/avtune/pkg/transports"
	"github.com/avtune/avtune/pkg/transports/local"
	"github.com/avtune/avtune/pkg/transports/ssh"
	"github.com/avtune/avtune/pkg/versioning"
)

// app holds the collaborators of one CLI invocation. Everything past the
// configuration, telemetry and recipe loader is built on first use.
type app struct {
	opts   *rootOptions
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	loader *recipes.Loader

	store     stores.Store
	router    *transports.Router
	plugins   *plugins.Registry
	committer engine.Committer
	policy    *policy.Engine
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.inventory, opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Telemetry.Logging.Level = opts.logLevel
	}
	cfg.Telemetry.ServiceName = "avtune"
	cfg.Telemetry.ServiceVersion = opts.version

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, engine.NewValidationError("invalid telemetry configuration", err)
	}
	logger := tel.Logger.Zerolog()

	loader, err := recipes.NewLoader(recipes.Options{
		RecipesDir:      cfg.RecipesDir(),
		ProfilesDir:     cfg.ProfilesDir(),
		StarlarkTimeout: cfg.Inventory.StarlarkTimeout,
		Logger:          logger,
	})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	return &app{
		opts:   opts,
		cfg:    cfg,
		tel:    tel,
		logger: logger,
		loader: loader,
	}, nil
}

// inventory opens the configured store.
func (a *app) inventory(ctx context.Context) (stores.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := stores.Open(ctx, a.cfg.StoreConfig(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory: %w", err)
	}
	a.store = store
	return store, nil
}

// transport routes local targets to os/exec and everything else to SSH.
func (a *app) transport() *transports.Router {
	if a.router == nil {
		a.router = transports.NewRouter(
			local.New(a.cfg.SSH.CommandTimeout, a.logger),
			ssh.New(a.cfg.SSHOptions(), a.logger),
		)
	}
	return a.router
}

func (a *app) gatherer() engine.FactGatherer {
	router := a.transport()
	return engine.RoutedFactGatherer{
		Local:   engine.LocalFactGatherer{},
		Remote:  engine.NewRemoteFactGatherer(router, a.logger),
		IsLocal: router.IsLocal,
	}
}

func (a *app) handlers() (*handlers.Registry, error) {
	if a.plugins == nil {
		reg := plugins.NewRegistry(a.cfg.PluginsDir(), plugins.HostConfig{}, a.logger)
		if err := reg.Scan(); err != nil {
			return nil, err
		}
		a.plugins = reg
	}
	return handlers.NewDefaultRegistry(handlers.Options{Plugins: a.plugins}), nil
}

// versioning returns the git committer, or a no-op one when disabled. A
// repository that cannot be initialised is reported and commits then fail
// as warnings.
func (a *app) versioning(ctx context.Context) engine.Committer {
	if a.committer != nil {
		return a.committer
	}
	if !a.cfg.Git.Enabled {
		a.committer = versioning.Disabled{}
		return a.committer
	}

	git, err := versioning.NewGitCommitter(a.cfg.VersioningConfig(), a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Versioning disabled")
		a.committer = versioning.Disabled{}
		return a.committer
	}
	if err := git.Init(ctx); err != nil {
		a.logger.Warn().Err(err).Str("dir", git.Dir()).Msg("Failed to initialise inventory repository")
	}
	a.committer = git
	return git
}

// policies compiles the built-in and inventory policies. It returns nil when
// policy evaluation is disabled.
func (a *app) policies(ctx context.Context) (*policy.Engine, error) {
	if !a.cfg.Policy.Enabled {
		return nil, nil
	}
	if a.policy != nil {
		return a.policy, nil
	}
	eng, err := policy.NewEngine(a.logger, policy.WithProfiles(a.loader))
	if err != nil {
		return nil, err
	}
	if err := eng.LoadPolicies(ctx, a.cfg.PolicyPaths()); err != nil {
		return nil, err
	}
	a.policy = eng
	return eng, nil
}

func (a *app) executor(ctx context.Context, opts engine.Options) (*engine.SessionExecutor, error) {
	store, err := a.inventory(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := a.handlers()
	if err != nil {
		return nil, err
	}

	deps := engine.ExecutorDeps{
		Inventory: store,
		Recipes:   a.loader,
		Handlers:  registry,
		Transport: a.transport(),
		Committer: a.versioning(ctx),
		Locker:    stores.NewFileLocker(a.cfg.Inventory.Dir, a.cfg.LockConfig(), a.logger),
		Events:    a.tel.Events,
		Metrics:   a.tel.Metrics,
		Logger:    a.logger,
	}
	checker, err := a.policies(ctx)
	if err != nil {
		return nil, err
	}
	if checker != nil {
		deps.Policy = checker
	}
	return engine.NewSessionExecutor(deps, opts)
}

func (a *app) registrar(ctx context.Context) (*engine.Registrar, error) {
	store, err := a.inventory(ctx)
	if err != nil {
		return nil, err
	}
	return engine.NewRegistrar(
		store,
		a.loader,
		a.gatherer(),
		a.versioning(ctx),
		a.cfg.EngineOptions(a.opts.version),
		a.logger,
	), nil
}

// close releases everything the invocation opened and flushes telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.plugins != nil {
		errs = append(errs, a.plugins.Close(ctx))
	}
	if a.router != nil {
		errs = append(errs, a.router.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// appFunc is the body of a command that needs the wired application.
type appFunc func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error

// withApp builds the application, runs fn inside an instrumented operation
// named after the command and tears everything down afterwards.
func (o *rootOptions) withApp(fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(o)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := a.close(context.WithoutCancel(cmd.Context())); cerr != nil {
				a.logger.Warn().Err(cerr).Msg("Shutdown incomplete")
			}
		}()

		ctx := a.tel.WithContext(cmd.Context())
		op := telemetry.StartOperation(ctx, cmd.Name())
		defer func() { op.End(err) }()

		return fn(op.Ctx, a, cmd, args)
	}
}
