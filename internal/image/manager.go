// Package image builds test images from local build directories.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/buildctx"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/metrics"
	"github.com/midoriiro/pipewire-client/testenv/pkg/types"
)

// DefaultDockerfile is the Dockerfile name looked up inside the build context
const DefaultDockerfile = "Dockerfile"

// Manager builds and inspects images
type Manager struct {
	api        engine.API
	logger     *zap.Logger
	metrics    *metrics.Metrics
	dockerfile string
	exclude    []string
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records build outcomes on mt
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithDockerfile overrides the Dockerfile path, relative to the build directory
func WithDockerfile(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.dockerfile = path
		}
	}
}

// WithExclude drops files with these base names from every build context
func WithExclude(names ...string) Option {
	return func(m *Manager) {
		m.exclude = append(m.exclude, names...)
	}
}

// NewManager creates an image manager on top of api
func NewManager(api engine.API, opts ...Option) *Manager {
	m := &Manager{
		api:        api,
		logger:     zap.NewNop(),
		dockerfile: DefaultDockerfile,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Assemble packages dir with the manager's exclusions
func (m *Manager) Assemble(dir string) (*buildctx.Context, error) {
	bc, err := buildctx.Assemble(dir, buildctx.WithExclude(m.exclude...))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble build context: %w", err)
	}
	return bc, nil
}

// Build assembles dir and builds it as ref, returning the context digest.
// It always builds; skipping on an unchanged digest is the caller's decision.
func (m *Manager) Build(ctx context.Context, dir string, ref types.ImageRef) (string, error) {
	bc, err := m.Assemble(dir)
	if err != nil {
		return "", err
	}
	if err := m.BuildContext(ctx, bc, ref); err != nil {
		return "", err
	}
	return bc.Digest, nil
}

// BuildContext sends an assembled context to the engine and waits for the
// build to finish. Error events from the build stream are fatal.
func (m *Manager) BuildContext(ctx context.Context, bc *buildctx.Context, ref types.ImageRef) (err error) {
	tag := ref.String()
	start := time.Now()
	defer func() {
		m.metrics.ObserveBuild(time.Since(start), err)
	}()

	m.logger.Info("building image",
		zap.String("image", tag),
		zap.String("digest", bc.Digest),
		zap.Int("context_bytes", len(bc.Archive)))

	resp, err := m.api.ImageBuild(ctx, bytes.NewReader(bc.Archive), build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  m.dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildID:     uuid.NewString(),
	})
	if err != nil {
		m.logger.Error("failed to start image build", zap.String("image", tag), zap.Error(err))
		return &engine.BuildError{Image: tag, Message: "failed to start build", Cause: err}
	}
	defer resp.Body.Close()

	if err := m.readBuildStream(resp.Body, tag); err != nil {
		m.logger.Error("image build failed", zap.String("image", tag), zap.Error(err))
		return err
	}

	m.logger.Info("image built",
		zap.String("image", tag),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// readBuildStream decodes build progress messages until EOF
func (m *Manager) readBuildStream(r io.Reader, tag string) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &engine.BuildError{Image: tag, Message: "failed to decode build output", Cause: err}
		}

		if msg.Error != nil {
			return &engine.BuildError{Image: tag, Message: msg.Error.Message}
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			m.logger.Debug("build output", zap.String("image", tag), zap.String("line", line))
		}
		if msg.Status != "" {
			m.logger.Debug("build status",
				zap.String("image", tag),
				zap.String("status", msg.Status),
				zap.String("id", msg.ID))
		}
	}
}

// Inspect returns the engine's view of an image
func (m *Manager) Inspect(ctx context.Context, ref types.ImageRef) (image.InspectResponse, error) {
	resp, err := m.api.ImageInspect(ctx, ref.String())
	if err != nil {
		return image.InspectResponse{}, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return resp, nil
}
