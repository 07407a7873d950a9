package container

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/metrics"
)

// DefaultShutdownConcurrency bounds parallel cleanup at shutdown
const DefaultShutdownConcurrency = 4

// SweepResult summarizes a sweep of leftover test containers
type SweepResult struct {
	Found    int
	Removed  int
	Vanished int
	Failed   int
}

// Registry tracks containers created during a run and removes leftovers of
// earlier runs
type Registry struct {
	manager     *Manager
	concurrency int
	startup     SweepResult

	mu      sync.Mutex
	tracked map[string]time.Time
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithShutdownConcurrency bounds how many containers Shutdown cleans at once
func WithShutdownConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewRegistry creates a cleanup registry and immediately sweeps every
// container carrying the test label
func NewRegistry(ctx context.Context, manager *Manager, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		manager:     manager,
		concurrency: DefaultShutdownConcurrency,
		tracked:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}

	result, err := r.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	r.startup = result
	return r, nil
}

// StartupSweep returns the result of the sweep run by NewRegistry
func (r *Registry) StartupSweep() SweepResult {
	return r.startup
}

// Sweep stops and removes every container carrying the test label. Only a
// failure to list is returned; per-container failures are logged and counted.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	logger := r.manager.logger

	containers, err := r.manager.List(ctx)
	if err != nil {
		logger.Error("failed to list test containers", zap.Error(err))
		return SweepResult{}, fmt.Errorf("failed to sweep test containers: %w", err)
	}

	result := SweepResult{Found: len(containers)}
	for _, c := range containers {
		inspect, err := r.manager.Inspect(ctx, c.ID)
		if err != nil {
			if engine.IsNotFound(err) {
				logger.Info("test container vanished before cleanup", zap.String("id", engine.ShortID(c.ID)))
				result.Vanished++
			} else {
				logger.Warn("failed to inspect test container", zap.String("id", engine.ShortID(c.ID)), zap.Error(err))
				result.Failed++
			}
			continue
		}

		if err := r.manager.clean(ctx, c.ID, inspect); err != nil {
			logger.Warn("failed to clean test container", zap.String("id", engine.ShortID(c.ID)), zap.Error(err))
			result.Failed++
			continue
		}
		r.manager.metrics.ContainerCleaned(metrics.PhaseSweep)
		result.Removed++
	}

	if result.Found > 0 {
		logger.Info("swept leftover test containers",
			zap.Int("found", result.Found),
			zap.Int("removed", result.Removed),
			zap.Int("vanished", result.Vanished),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// Track records a container created during this run
func (r *Registry) Track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[id] = time.Now()
}

// Untrack forgets a container, usually after the caller removed it
func (r *Registry) Untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, id)
}

// Tracked returns the tracked container ids, sorted
func (r *Registry) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.tracked))
}

// Shutdown cleans every tracked container. All containers are attempted;
// the failures are joined into the returned error.
func (r *Registry) Shutdown(ctx context.Context) error {
	ids := r.Tracked()
	logger := r.manager.logger

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			err := r.manager.Clean(ctx, id)
			if err != nil && !engine.IsNotFound(err) {
				logger.Error("failed to clean container during shutdown",
					zap.String("id", engine.ShortID(id)),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("container %s: %w", engine.ShortID(id), err))
				mu.Unlock()
				return nil
			}

			r.Untrack(id)
			if err == nil {
				r.manager.metrics.ContainerCleaned(metrics.PhaseTeardown)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("cleanup registry shut down",
		zap.Int("containers", len(ids)),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}
