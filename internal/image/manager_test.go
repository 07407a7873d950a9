package image

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
	"github.com/midoriiro/pipewire-client/testenv/internal/engine/enginetest"
	"github.com/midoriiro/pipewire-client/testenv/internal/metrics"
	"github.com/midoriiro/pipewire-client/testenv/pkg/types"
)

func buildDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".digests"), []byte("x=y\n"), 0o644))
	return dir
}

func TestManager_Build(t *testing.T) {
	fake := enginetest.New()
	reg := prometheus.NewRegistry()
	mt, err := metrics.New(reg)
	require.NoError(t, err)

	m := NewManager(fake, WithLogger(zaptest.NewLogger(t)), WithMetrics(mt))
	ref := types.ImageRef{Name: "pipewire-default", Tag: "latest"}

	digest, err := m.Build(context.Background(), buildDir(t), ref)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, digest)

	require.Len(t, fake.Builds, 1)
	opts := fake.Builds[0]
	assert.Equal(t, []string{"pipewire-default:latest"}, opts.Tags)
	assert.Equal(t, DefaultDockerfile, opts.Dockerfile)
	assert.True(t, opts.Remove)
	assert.NotEmpty(t, opts.BuildID)

	zr, err := gzip.NewReader(bytes.NewReader(fake.BuildContexts[0]))
	require.NoError(t, err)
	require.NoError(t, zr.Close())

	img, err := m.Inspect(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"pipewire-default:latest"}, img.RepoTags)

	expected := `
# HELP testenv_image_builds_total Image builds sent to the engine, by result.
# TYPE testenv_image_builds_total counter
testenv_image_builds_total{result="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "testenv_image_builds_total"))
}

func TestManager_BuildErrorEvent(t *testing.T) {
	fake := enginetest.New()
	fake.BuildOutput = `{"stream":"Step 1/2 : FROM missing\n"}
{"errorDetail":{"message":"pull access denied for missing"},"error":"pull access denied for missing"}
`
	m := NewManager(fake, WithDockerfile("docker/Dockerfile.test"))

	_, err := m.Build(context.Background(), buildDir(t), types.ImageRef{Name: "broken", Tag: "v1"})
	require.Error(t, err)

	var buildErr *engine.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "broken:v1", buildErr.Image)
	assert.Contains(t, buildErr.Message, "pull access denied")
	assert.Equal(t, "docker/Dockerfile.test", fake.Builds[0].Dockerfile)
	assert.Equal(t, 1, fake.CallCount("ImageBuild"), "build failures are not retried")
}

func TestManager_BuildMalformedStream(t *testing.T) {
	fake := enginetest.New()
	fake.BuildOutput = "{not json"
	m := NewManager(fake)

	_, err := m.Build(context.Background(), buildDir(t), types.ImageRef{Name: "x"})
	var buildErr *engine.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "failed to decode build output", buildErr.Message)
}

func TestManager_BuildRequestFailure(t *testing.T) {
	fake := enginetest.New()
	fake.Fail["ImageBuild"] = errors.New("daemon unavailable")
	m := NewManager(fake)

	_, err := m.Build(context.Background(), buildDir(t), types.ImageRef{Name: "x"})
	var buildErr *engine.BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.ErrorContains(t, err, "daemon unavailable")
}

func TestManager_BuildMissingDirectory(t *testing.T) {
	fake := enginetest.New()
	m := NewManager(fake)

	_, err := m.Build(context.Background(), filepath.Join(t.TempDir(), "absent"), types.ImageRef{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, 0, fake.CallCount("ImageBuild"))
}

func TestManager_WithExclude(t *testing.T) {
	dir := buildDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644))

	plain, err := NewManager(enginetest.New()).Assemble(dir)
	require.NoError(t, err)
	excluded, err := NewManager(enginetest.New(), WithExclude("notes.txt")).Assemble(dir)
	require.NoError(t, err)
	assert.NotEqual(t, plain.Digest, excluded.Digest)
}

func TestManager_InspectMissing(t *testing.T) {
	m := NewManager(enginetest.New())
	_, err := m.Inspect(context.Background(), types.ImageRef{Name: "absent"})
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}
