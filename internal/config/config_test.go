package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".containers", cfg.Containers.Dir)
	assert.Equal(t, DigestBackendFile, cfg.Digests.Backend)
	assert.Equal(t, filepath.Join(".containers", DigestFileName), cfg.Digests.Path)
	assert.Equal(t, 300, cfg.Health.Attempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Health.Interval)
	assert.Equal(t, 5*time.Second, cfg.Docker.PingTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("TESTENV_CONTAINERS_DIR", "/srv/fixtures")
	t.Setenv("TESTENV_HEALTH_ATTEMPTS", "12")
	t.Setenv("TESTENV_DOCKER_HOST", "unix:///run/user/1000/docker.sock")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/srv/fixtures", cfg.Containers.Dir)
	assert.Equal(t, "/srv/fixtures/.digests", cfg.Digests.Path)
	assert.Equal(t, 12, cfg.Health.Attempts)
	assert.Equal(t, "unix:///run/user/1000/docker.sock", cfg.Docker.Host)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testenv.yaml")
	content := `
digests:
  backend: redis
redis:
  url: redis://cache:6379/2
  key: ci:digests
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DigestBackendRedis, cfg.Digests.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "ci:digests", cfg.Redis.Key)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Digests: DigestConfig{Backend: DigestBackendFile, Path: ".digests"},
			Redis:   RedisConfig{URL: "redis://localhost:6379", Key: "k"},
			Health:  HealthConfig{Attempts: 1, Interval: time.Millisecond},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		key    string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Digests.Backend = "s3" }, key: "digests.backend"},
		{name: "empty path", mutate: func(c *Config) { c.Digests.Path = "" }, key: "digests.path"},
		{name: "redis without url", mutate: func(c *Config) {
			c.Digests.Backend = DigestBackendRedis
			c.Redis.URL = ""
		}, key: "redis.url"},
		{name: "zero attempts", mutate: func(c *Config) { c.Health.Attempts = 0 }, key: "health.attempts"},
		{name: "zero interval", mutate: func(c *Config) { c.Health.Interval = 0 }, key: "health.interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.key == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.key, verr.Key)
		})
	}
}
