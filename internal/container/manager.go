// Package container manages the lifecycle of test containers: creation from
// an immutable Spec, start/stop, health polling, command execution and the
// cleanup of everything carrying the test label.
package container

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/backoff"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/metrics"
	"github.com/midoriiro/pipewire-client/testenv/pkg/types"
)

// Manager drives container lifecycle operations against the engine. It keeps
// no state of its own; every call asks the engine.
type Manager struct {
	api     engine.API
	logger  *zap.Logger
	metrics *metrics.Metrics
	stderr  io.Writer
	policy  func() *backoff.Policy
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger; nil keeps the no-op default
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the collectors; nil disables metrics
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithStderr sets where exec stderr is copied as it arrives
func WithStderr(w io.Writer) ManagerOption {
	return func(m *Manager) {
		if w != nil {
			m.stderr = w
		}
	}
}

// WithHealthPolicy sets the factory for the retry policy used by WaitHealthy.
// A fresh policy is requested for every wait.
func WithHealthPolicy(factory func() *backoff.Policy) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.policy = factory
		}
	}
}

// NewManager creates a container manager on top of api
func NewManager(api engine.API, opts ...ManagerOption) *Manager {
	m := &Manager{
		api:    api,
		logger: zap.NewNop(),
		stderr: os.Stderr,
		policy: backoff.Default,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create creates a container from spec and returns its id
func (m *Manager) Create(ctx context.Context, spec Spec) (string, error) {
	cfg, hostCfg, err := spec.Finalize()
	if err != nil {
		return "", err
	}

	m.logger.Debug("creating container",
		zap.String("image", cfg.Image),
		zap.String("name", spec.Name()))

	resp, err := m.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name())
	if err != nil {
		m.logger.Error("failed to create container",
			zap.String("image", cfg.Image),
			zap.Error(err))
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		m.logger.Warn("container create warning", zap.String("id", engine.ShortID(resp.ID)), zap.String("warning", w))
	}
	m.metrics.ContainerCreated()

	m.logger.Info("container created",
		zap.String("id", engine.ShortID(resp.ID)),
		zap.String("image", cfg.Image))

	return resp.ID, nil
}

// Start starts a created container
func (m *Manager) Start(ctx context.Context, id string) error {
	if err := m.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		m.logger.Error("failed to start container",
			zap.String("id", engine.ShortID(id)),
			zap.Error(err))
		return fmt.Errorf("failed to start container: %w", err)
	}

	m.logger.Info("container started", zap.String("id", engine.ShortID(id)))
	return nil
}

// Stop stops the container if the engine reports it running, waiting up to
// wait before the engine kills it. The engine counts whole seconds, so wait
// is rounded up. A stopped container is left alone.
func (m *Manager) Stop(ctx context.Context, id string, wait time.Duration) error {
	inspect, err := m.Inspect(ctx, id)
	if err != nil {
		return err
	}
	return m.stopIfRunning(ctx, id, inspect, wait)
}

// State returns the lifecycle state the engine reports for the container
func (m *Manager) State(ctx context.Context, id string) (types.ContainerState, error) {
	inspect, err := m.Inspect(ctx, id)
	if err != nil {
		return "", err
	}
	return stateOf(inspect), nil
}

func stateOf(inspect container.InspectResponse) types.ContainerState {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return ""
	}
	return types.ContainerState(string(inspect.State.Status))
}

func isRunning(inspect container.InspectResponse) bool {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running || stateOf(inspect).IsActive()
}

func (m *Manager) stopIfRunning(ctx context.Context, id string, inspect container.InspectResponse, wait time.Duration) error {
	if !isRunning(inspect) {
		m.logger.Debug("container not running, skipping stop", zap.String("id", engine.ShortID(id)))
		return nil
	}

	m.logger.Debug("stopping container",
		zap.String("id", engine.ShortID(id)),
		zap.Duration("timeout", wait))

	timeoutSeconds := int(math.Ceil(wait.Seconds()))
	if err := m.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		m.logger.Error("failed to stop container",
			zap.String("id", engine.ShortID(id)),
			zap.Error(err))
		return fmt.Errorf("failed to stop container: %w", err)
	}

	m.logger.Info("container stopped", zap.String("id", engine.ShortID(id)))
	return nil
}

// Restart restarts the container without a grace period
func (m *Manager) Restart(ctx context.Context, id string) error {
	timeoutSeconds := 0
	if err := m.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		m.logger.Error("failed to restart container",
			zap.String("id", engine.ShortID(id)),
			zap.Error(err))
		return fmt.Errorf("failed to restart container: %w", err)
	}

	m.logger.Info("container restarted", zap.String("id", engine.ShortID(id)))
	return nil
}

// Remove removes a stopped container and its anonymous volumes
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.remove(ctx, id, false)
}

func (m *Manager) remove(ctx context.Context, id string, force bool) error {
	removeOptions := container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	}

	if err := m.api.ContainerRemove(ctx, id, removeOptions); err != nil {
		m.logger.Error("failed to remove container",
			zap.String("id", engine.ShortID(id)),
			zap.Error(err))
		return fmt.Errorf("failed to remove container: %w", err)
	}

	m.logger.Info("container removed", zap.String("id", engine.ShortID(id)))
	return nil
}

// Inspect returns the engine's current view of the container
func (m *Manager) Inspect(ctx context.Context, id string) (container.InspectResponse, error) {
	inspect, err := m.api.ContainerInspect(ctx, id)
	if err != nil {
		return container.InspectResponse{}, &engine.EngineError{Op: "inspect", ID: id, Err: err}
	}
	return inspect, nil
}

// Health returns the reported health status. Containers without a
// healthcheck report types.HealthNone.
func (m *Manager) Health(ctx context.Context, id string) (types.HealthStatus, error) {
	inspect, err := m.Inspect(ctx, id)
	if err != nil {
		return "", err
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || inspect.State.Health == nil {
		return types.HealthNone, nil
	}
	return types.ParseHealthStatus(string(inspect.State.Health.Status)), nil
}

// WaitHealthy polls the container until it reports healthy. Any other
// status and any inspect failure are retried until the policy is exhausted.
func (m *Manager) WaitHealthy(ctx context.Context, id string) error {
	start := time.Now()
	policy := m.policy()

	err := policy.Do(ctx, func(ctx context.Context) error {
		status, err := m.Health(ctx, id)
		if err != nil {
			return err
		}
		if !status.IsHealthy() {
			return fmt.Errorf("container %s is %s", engine.ShortID(id), status)
		}
		return nil
	})
	m.metrics.ObserveHealthWait(time.Since(start), err)
	if err != nil {
		m.logger.Error("container did not become healthy",
			zap.String("id", engine.ShortID(id)),
			zap.Int("attempts", policy.Attempts()),
			zap.Error(err))
		m.logTail(context.WithoutCancel(ctx), id, failureLogTail)
		return fmt.Errorf("container %s did not become healthy: %w", id, err)
	}

	m.logger.Info("container healthy",
		zap.String("id", engine.ShortID(id)),
		zap.Duration("waited", time.Since(start)))
	return nil
}

// Top maps each process command in the container to its pid
func (m *Manager) Top(ctx context.Context, id string) (map[string]string, error) {
	top, err := m.api.ContainerTop(ctx, id, nil)
	if err != nil {
		return nil, &engine.EngineError{Op: "top", ID: id, Err: err}
	}

	pidCol, cmdCol := -1, -1
	for i, title := range top.Titles {
		switch title {
		case "PID":
			pidCol = i
		case "CMD", "COMMAND":
			cmdCol = i
		}
	}
	if pidCol < 0 || cmdCol < 0 {
		return nil, &engine.EngineError{
			Op:  "top",
			ID:  id,
			Err: fmt.Errorf("process table has no PID or CMD column: %v", top.Titles),
		}
	}

	processes := make(map[string]string, len(top.Processes))
	for _, row := range top.Processes {
		if pidCol >= len(row) || cmdCol >= len(row) {
			continue
		}
		processes[row[cmdCol]] = row[pidCol]
	}
	return processes, nil
}

// List returns every container carrying the test label, running or not
func (m *Manager) List(ctx context.Context) ([]container.Summary, error) {
	containers, err := m.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", engine.TestLabel)),
	})
	if err != nil {
		return nil, &engine.EngineError{Op: "list", Err: err}
	}
	return containers, nil
}

// Clean stops the container immediately if it is running, then force-removes it
func (m *Manager) Clean(ctx context.Context, id string) error {
	inspect, err := m.Inspect(ctx, id)
	if err != nil {
		return err
	}
	return m.clean(ctx, id, inspect)
}

func (m *Manager) clean(ctx context.Context, id string, inspect container.InspectResponse) error {
	if err := m.stopIfRunning(ctx, id, inspect, 0); err != nil {
		return err
	}
	return m.remove(ctx, id, true)
}
