package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine/enginetest"
)

func TestManager_Logs(t *testing.T) {
	base := time.Date(2024, 11, 2, 10, 0, 0, 0, time.UTC)
	fake := enginetest.New()
	id := fake.AddContainer(&enginetest.Container{
		Running: true,
		Logs: []enginetest.LogEntry{
			{Time: base, Message: "starting pipewire"},
			{Time: base.Add(time.Second), Stderr: true, Message: "no session manager"},
			{Time: base.Add(2 * time.Second), Message: "ready"},
		},
	})
	m := newTestManager(t, fake)

	lines, err := m.Logs(context.Background(), id, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, LogLine{Timestamp: base, Stream: "stdout", Message: "starting pipewire"}, lines[0])
	assert.Equal(t, "stderr", lines[1].Stream)
	assert.Equal(t, "2024-11-02T10:00:01Z stderr: no session manager", lines[1].String())

	lines, err = m.Logs(context.Background(), id, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "ready", lines[0].Message)
}

func TestManager_LogsMissingContainer(t *testing.T) {
	m := newTestManager(t, enginetest.New())

	_, err := m.Logs(context.Background(), "missing", time.Time{}, 0)
	var engineErr *engine.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "logs", engineErr.Op)
	assert.True(t, engine.IsNotFound(err))
}

func TestParseLogs(t *testing.T) {
	var frames bytes.Buffer
	_, err := stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte("2024-01-01T00:00:00.5Z first\nnot-a-timestamp skipped\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&frames, stdcopy.Stderr).Write([]byte("2024-01-01T00:00:01Z second line\n"))
	require.NoError(t, err)

	lines, err := parseLogs(&frames)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0].Message)
	assert.Equal(t, 500*time.Millisecond, lines[0].Timestamp.Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "second line", lines[1].Message)
	assert.Equal(t, "stderr", lines[1].Stream)
}

func TestParseLogs_TruncatedFrame(t *testing.T) {
	var frames bytes.Buffer
	_, err := stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte("2024-01-01T00:00:00Z cut short\n"))
	require.NoError(t, err)
	data := frames.Bytes()[:frames.Len()-4]

	_, err = parseLogs(bytes.NewReader(data))
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestManager_WaitHealthyFailureCollectsLogs(t *testing.T) {
	fake := enginetest.New()
	id := fake.AddContainer(&enginetest.Container{
		Running: true,
		Logs:    []enginetest.LogEntry{{Time: time.Now(), Stderr: true, Message: "pipewire: failed to connect"}},
	})
	fake.InspectFunc = func(id string, _ int) (container.InspectResponse, error) {
		return healthResponse(id, "unhealthy"), nil
	}
	m := newTestManager(t, fake, WithHealthPolicy(fastPolicy(2)))

	require.Error(t, m.WaitHealthy(context.Background(), id))
	assert.Equal(t, 1, fake.CallCount("ContainerLogs"))
}

func TestManager_Upload(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	id := fake.AddContainer(&enginetest.Container{Running: true})
	m := newTestManager(t, fake)

	require.NoError(t, m.Upload(ctx, id, "/root", bytes.NewReader([]byte("archive"))))
	require.Len(t, fake.Uploads, 1)
	assert.Equal(t, "/root", fake.Uploads[0].Path)
	assert.Equal(t, []byte("archive"), fake.Uploads[0].Archive)
	assert.False(t, fake.Uploads[0].Options.AllowOverwriteDirWithFile)

	err := m.Upload(ctx, "missing", "/root", bytes.NewReader(nil))
	assert.True(t, engine.IsNotFound(err))

	fake.Fail["CopyToContainer"] = errors.New("read-only file system")
	err = m.Upload(ctx, id, "/root", bytes.NewReader(nil))
	assert.ErrorContains(t, err, "read-only file system")
}

func TestManager_UploadDir(t *testing.T) {
	ctx := context.Background()
	fake := enginetest.New()
	id := fake.AddContainer(&enginetest.Container{Running: true})
	m := newTestManager(t, fake)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.conf"), []byte("autospawn = no\n"), 0o644))

	require.NoError(t, m.UploadDir(ctx, id, "/etc/pulse", dir))
	require.Len(t, fake.Uploads, 1)

	zr, err := gzip.NewReader(bytes.NewReader(fake.Uploads[0].Archive))
	require.NoError(t, err)
	hdr, err := tar.NewReader(zr).Next()
	require.NoError(t, err)
	assert.Equal(t, "client.conf", hdr.Name)

	err = m.UploadDir(ctx, id, "/etc/pulse", filepath.Join(dir, "missing"))
	require.Error(t, err)
}
