package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

func TestSpec_FinalizeRequiresImage(t *testing.T) {
	_, _, err := NewSpec(WithEnv("A", "1")).Finalize()

	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "image", cfgErr.Field)
}

func TestSpec_FinalizeInjectsTestLabel(t *testing.T) {
	cfg, _, err := NewSpec(WithImage("pipewire-default:latest"), WithLabel("role", "server")).Finalize()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"role":           "server",
		"test.container": "true",
	}, cfg.Labels)

	cfg, _, err = NewSpec(WithImage("x"), WithLabel("test.container", "false")).Finalize()
	require.NoError(t, err)
	assert.Equal(t, "true", cfg.Labels["test.container"])
}

func TestSpec_Finalize(t *testing.T) {
	spec := NewSpec(
		WithImage("pipewire-default:latest"),
		WithName("pipewire-server"),
		WithEnv("PIPEWIRE_RUNTIME_DIR", "/run/pipewire"),
		WithEnv("DISPLAY", ":0"),
		WithVolume("/tmp/socket", "/run/pipewire"),
		WithEntrypoint("bash", "-c", "pipewire"),
		WithHealthcheck("test", "-S", "/run/pipewire/pipewire-0"),
		WithHealthcheckTiming(time.Second, 2*time.Second, 3),
		WithCPUs(1.5),
		WithMemory(256*1024*1024),
		WithMemorySwap(512*1024*1024),
	)

	cfg, host, err := spec.Finalize()
	require.NoError(t, err)

	assert.Equal(t, "pipewire-server", spec.Name())
	assert.Equal(t, "pipewire-default:latest", cfg.Image)
	assert.Equal(t, []string{"DISPLAY=:0", "PIPEWIRE_RUNTIME_DIR=/run/pipewire"}, cfg.Env)
	assert.Equal(t, []string{"bash", "-c", "pipewire"}, []string(cfg.Entrypoint))
	require.NotNil(t, cfg.Healthcheck)
	assert.Equal(t, []string{"CMD", "test", "-S", "/run/pipewire/pipewire-0"}, cfg.Healthcheck.Test)
	assert.Equal(t, time.Second, cfg.Healthcheck.Interval)
	assert.Equal(t, 2*time.Second, cfg.Healthcheck.Timeout)
	assert.Equal(t, 3, cfg.Healthcheck.Retries)

	assert.Equal(t, []string{"/tmp/socket:/run/pipewire"}, host.Binds)
	assert.Equal(t, int64(1_500_000_000), host.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), host.Memory)
	assert.Equal(t, int64(512*1024*1024), host.MemorySwap)
}

func TestSpec_HealthcheckShell(t *testing.T) {
	cfg, _, err := NewSpec(WithImage("x"), WithHealthcheckShell("pw-cli info 0 || exit 1")).Finalize()
	require.NoError(t, err)
	assert.Equal(t, []string{"CMD-SHELL", "pw-cli info 0 || exit 1"}, cfg.Healthcheck.Test)

	cfg, _, err = NewSpec(WithImage("x")).Finalize()
	require.NoError(t, err)
	assert.Nil(t, cfg.Healthcheck)
	assert.Nil(t, cfg.Entrypoint)
}

func TestSpec_OptionsDoNotMutateReceiver(t *testing.T) {
	base := NewSpec(WithImage("x"), WithEnv("A", "1"), WithLabel("l", "1"))
	derived := base.With(WithEnv("A", "2"), WithEnv("B", "3"), WithLabel("l", "2"), WithImage("y"))

	baseCfg, _, err := base.Finalize()
	require.NoError(t, err)
	derivedCfg, _, err := derived.Finalize()
	require.NoError(t, err)

	assert.Equal(t, "x", baseCfg.Image)
	assert.Equal(t, []string{"A=1"}, baseCfg.Env)
	assert.Equal(t, "1", baseCfg.Labels["l"])
	assert.Equal(t, "y", derivedCfg.Image)
	assert.Equal(t, []string{"A=2", "B=3"}, derivedCfg.Env)
	assert.Equal(t, "2", derivedCfg.Labels["l"])
}

func TestSpec_EntrypointLine(t *testing.T) {
	spec := NewSpec(WithImage("x"), WithEntrypointLine(`bash -c 'pipewire & wireplumber' "$HOME"`))
	assert.Equal(t, []string{"bash", "-c", "pipewire & wireplumber", "$HOME"}, spec.Entrypoint())

	_, _, err := NewSpec(WithImage("x"), WithEntrypointLine(`bash -c 'unterminated`)).Finalize()
	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "entrypoint", cfgErr.Field)
}

func TestSpec_MemoryStrings(t *testing.T) {
	_, host, err := NewSpec(WithImage("x"), WithMemoryString("512m"), WithMemorySwapString("1g")).Finalize()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), host.Memory)
	assert.Equal(t, int64(1024*1024*1024), host.MemorySwap)

	_, host, err = NewSpec(WithImage("x"), WithMemorySwapString("-1")).Finalize()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), host.MemorySwap)

	_, _, err = NewSpec(WithImage("x"), WithMemoryString("lots")).Finalize()
	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "memory", cfgErr.Field)
}

func TestSpec_NegativeCPUs(t *testing.T) {
	_, _, err := NewSpec(WithImage("x"), WithCPUs(-1)).Finalize()
	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cpus", cfgErr.Field)
}
