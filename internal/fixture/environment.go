// Package fixture wires the image, container and digest components into an
// Environment that integration tests use to stand up containers.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/backoff"
	"github.com/midoriiro/pipewire-client/testenv/internal/config"
	"github.com/midoriiro/pipewire-client/testenv/internal/container"
	"github.com/midoriiro/pipewire-client/testenv/internal/digest"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/image"
	"github.com/midoriiro/pipewire-client/testenv/internal/metrics"
)

// Options configures an Environment built on an existing engine.API
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer and MetricsTextfile enable a metrics dump on Close
	Gatherer        prometheus.Gatherer
	MetricsTextfile string
	HealthPolicy    func() *backoff.Policy
	Stderr          io.Writer
	Dockerfile      string
	// Exclude names files left out of every build context
	Exclude []string
}

// Environment owns the managers and registries for one test run
type Environment struct {
	*Builder

	api        engine.API
	logger     *zap.Logger
	containers *container.Manager
	cleanup    *container.Registry

	gatherer prometheus.Gatherer
	textfile string
	closers  []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New connects to the engine described by cfg, loads the digest registry from
// the configured backend and sweeps containers left over by earlier runs.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Environment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := engine.NewClient(ctx, cfg.Docker, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	mt, err := metrics.New(reg)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	store, closer, err := NewStore(ctx, cfg)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	env, err := NewWithAPI(ctx, cli, digest.Load(ctx, store, logger), Options{
		Logger:          logger,
		Metrics:         mt,
		Gatherer:        reg,
		MetricsTextfile: cfg.Metrics.Textfile,
		HealthPolicy:    HealthPolicy(cfg.Health),
		Exclude:         DigestExcludes(cfg),
	})
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		_ = cli.Close()
		return nil, err
	}
	if closer != nil {
		env.closers = append(env.closers, closer)
	}
	return env, nil
}

// NewStore opens the digest store selected by cfg. The returned closer is nil
// when the store holds no connection.
func NewStore(ctx context.Context, cfg *config.Config) (digest.Store, io.Closer, error) {
	switch cfg.Digests.Backend {
	case config.DigestBackendRedis:
		store, err := digest.NewRedisStoreFromURL(ctx, cfg.Redis.URL, cfg.Redis.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis digest store: %w", err)
		}
		return store, store, nil
	default:
		return digest.NewFileStore(cfg.Digests.Path), nil, nil
	}
}

// DigestExcludes names the digest file so it stays out of build contexts
// when the registry is kept in a build directory under a custom name
func DigestExcludes(cfg *config.Config) []string {
	if cfg.Digests.Backend == config.DigestBackendRedis || cfg.Digests.Path == "" {
		return nil
	}
	return []string{filepath.Base(cfg.Digests.Path)}
}

// HealthPolicy returns a policy factory polling at a flat interval
func HealthPolicy(cfg config.HealthConfig) func() *backoff.Policy {
	return func() *backoff.Policy {
		return backoff.New(cfg.Attempts, cfg.Interval, cfg.Interval)
	}
}

// NewWithAPI builds an Environment on api. It runs the startup sweep.
func NewWithAPI(ctx context.Context, api engine.API, digests *digest.Registry, opts Options) (*Environment, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	containers := container.NewManager(api,
		container.WithLogger(logger),
		container.WithMetrics(opts.Metrics),
		container.WithStderr(opts.Stderr),
		container.WithHealthPolicy(opts.HealthPolicy))

	cleanup, err := container.NewRegistry(ctx, containers)
	if err != nil {
		return nil, err
	}

	images := image.NewManager(api,
		image.WithLogger(logger),
		image.WithMetrics(opts.Metrics),
		image.WithDockerfile(opts.Dockerfile),
		image.WithExclude(opts.Exclude...))

	return &Environment{
		Builder:    NewBuilder(images, digests, logger, opts.Metrics),
		api:        api,
		logger:     logger,
		containers: containers,
		cleanup:    cleanup,
		gatherer:   opts.Gatherer,
		textfile:   opts.MetricsTextfile,
	}, nil
}

// Containers returns the container manager
func (e *Environment) Containers() *container.Manager { return e.containers }

// Cleanup returns the registry tracking this run's containers
func (e *Environment) Cleanup() *container.Registry { return e.cleanup }

// Run creates and starts a container from spec and waits for it to become
// healthy when spec has a healthcheck. The container is tracked for cleanup
// on Close; if any step fails it is cleaned up immediately.
func (e *Environment) Run(ctx context.Context, spec container.Spec) (string, error) {
	id, err := e.containers.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	e.cleanup.Track(id)

	cleanOnFailure := true
	defer func() {
		if !cleanOnFailure {
			return
		}
		if err := e.containers.Clean(ctx, id); err != nil {
			e.logger.Warn("failed to clean container after failed run",
				zap.String("id", engine.ShortID(id)),
				zap.Error(err))
			return
		}
		e.cleanup.Untrack(id)
	}()

	if err := e.containers.Start(ctx, id); err != nil {
		return "", err
	}
	if spec.HasHealthcheck() {
		if err := e.containers.WaitHealthy(ctx, id); err != nil {
			return "", err
		}
	}

	cleanOnFailure = false
	return id, nil
}

// Close cleans every tracked container, persists the digest registry, dumps
// metrics when configured and closes the engine connection. Later calls
// return the first result.
func (e *Environment) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error

		if err := e.cleanup.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.digests.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
		if e.textfile != "" && e.gatherer != nil {
			if err := metrics.WriteTextfile(e.textfile, e.gatherer); err != nil {
				errs = append(errs, err)
			}
		}
		for _, c := range e.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.api.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close engine client: %w", err))
		}

		e.closeErr = errors.Join(errs...)
		if e.closeErr != nil {
			e.logger.Error("environment teardown finished with errors", zap.Error(e.closeErr))
		} else {
			e.logger.Info("environment closed")
		}
	})
	return e.closeErr
}
