// Package digest records the last known build-context digest of every image
// and decides whether an image build is redundant.
package digest

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"
)

// Store persists the image name to digest mapping between runs
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, images map[string]string) error
}

// Registry maps image names to the digest of the context they were last built from.
// It is owned by a single goroutine for the duration of a test run.
type Registry struct {
	store  Store
	images map[string]string
	logger *zap.Logger
}

// Load reads the registry from store. A store that cannot be read yields an
// empty registry: the first run has no history.
func Load(ctx context.Context, store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	images, err := store.Load(ctx)
	if err != nil {
		logger.Warn("no usable image digest history, starting empty", zap.Error(err))
		images = nil
	}
	if images == nil {
		images = make(map[string]string)
	}

	logger.Debug("image digests loaded", zap.Int("count", len(images)))

	return &Registry{
		store:  store,
		images: images,
		logger: logger,
	}
}

// Push records digest for name, replacing any previous entry
func (r *Registry) Push(name, digest string) {
	r.images[name] = digest
}

// IsBuildNeeded returns false only when name was last built from exactly digest
func (r *Registry) IsBuildNeeded(name, digest string) bool {
	known, ok := r.images[name]
	return !ok || known != digest
}

// Digest returns the recorded digest for name
func (r *Registry) Digest(name string) (string, bool) {
	d, ok := r.images[name]
	return d, ok
}

// Len returns the number of recorded images
func (r *Registry) Len() int {
	return len(r.images)
}

// Persist writes every entry back to the store
func (r *Registry) Persist(ctx context.Context) error {
	for name := range r.images {
		r.logger.Info("registering image digest", zap.String("image", name))
	}

	if err := r.store.Save(ctx, maps.Clone(r.images)); err != nil {
		return fmt.Errorf("failed to persist image digests: %w", err)
	}
	return nil
}
