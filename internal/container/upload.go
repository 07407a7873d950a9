package container

import (
	"bytes"
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/buildctx"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

// Upload extracts a tar archive (optionally gzip-compressed) into path inside
// the container. Existing directories are never replaced by files.
func (m *Manager) Upload(ctx context.Context, id, path string, archive io.Reader) error {
	err := m.api.CopyToContainer(ctx, id, path, archive, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: false,
	})
	if err != nil {
		return &engine.EngineError{Op: "upload", ID: id, Err: err}
	}
	m.logger.Debug("uploaded archive to container",
		zap.String("id", engine.ShortID(id)),
		zap.String("path", path))
	return nil
}

// UploadDir archives the regular files under dir and extracts them into path
// inside the container
func (m *Manager) UploadDir(ctx context.Context, id, path, dir string) error {
	bc, err := buildctx.Assemble(dir)
	if err != nil {
		return err
	}
	return m.Upload(ctx, id, path, bytes.NewReader(bc.Archive))
}
