package fixture

import (
	"context"

	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/digest"
	"github.com/midoriiro/pipewire-client/testenv/internal/image"
	"github.com/midoriiro/pipewire-client/testenv/internal/metrics"
	"github.com/midoriiro/pipewire-client/testenv/pkg/types"
)

// Builder builds images only when their build context changed since the
// digest recorded in the registry
type Builder struct {
	images  *image.Manager
	digests *digest.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBuilder creates a builder. The registry is updated in memory only;
// persisting it is the owner's job.
func NewBuilder(images *image.Manager, digests *digest.Registry, logger *zap.Logger, mt *metrics.Metrics) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{images: images, digests: digests, logger: logger, metrics: mt}
}

// Images returns the image manager builds go through
func (b *Builder) Images() *image.Manager { return b.images }

// Digests returns the registry consulted for skip decisions
func (b *Builder) Digests() *digest.Registry { return b.digests }

// EnsureImage builds dir as ref unless the registry already holds the same
// content digest for ref.Name. force always builds. It reports whether a
// build ran.
func (b *Builder) EnsureImage(ctx context.Context, dir string, ref types.ImageRef, force bool) (bool, error) {
	bc, err := b.images.Assemble(dir)
	if err != nil {
		return false, err
	}

	if !force && !b.digests.IsBuildNeeded(ref.Name, bc.Digest) {
		b.logger.Info("image up to date, skipping build",
			zap.String("image", ref.String()),
			zap.String("digest", bc.Digest))
		b.metrics.BuildSkipped()
		return false, nil
	}

	if err := b.images.BuildContext(ctx, bc, ref); err != nil {
		return false, err
	}
	b.digests.Push(ref.Name, bc.Digest)
	return true, nil
}
