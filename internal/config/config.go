package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DigestBackendFile persists digests in a line-oriented file
	DigestBackendFile = "file"
	// DigestBackendRedis persists digests in a Redis hash
	DigestBackendRedis = "redis"

	// DigestFileName is the name of the persisted digest file. It is never part of a build context.
	DigestFileName = ".digests"
)

// Config holds the test environment configuration
type Config struct {
	Docker     DockerConfig
	Containers ContainersConfig
	Digests    DigestConfig
	Redis      RedisConfig
	Health     HealthConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

// DockerConfig holds Docker daemon settings
type DockerConfig struct {
	Host        string
	APIVersion  string
	PingTimeout time.Duration
}

// ContainersConfig locates the container build directories
type ContainersConfig struct {
	Dir string
}

// DigestConfig selects where image digests are persisted
type DigestConfig struct {
	Backend string
	Path    string
}

// RedisConfig holds Redis connection settings for the redis digest backend
type RedisConfig struct {
	URL string
	Key string
}

// HealthConfig controls health polling
type HealthConfig struct {
	Attempts int
	Interval time.Duration
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level       string
	Development bool
}

// MetricsConfig controls metrics export at teardown
type MetricsConfig struct {
	Textfile string
}

// Load loads configuration from TESTENV_* environment variables, an optional
// config file and defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TESTENV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.apiversion", "")
	v.SetDefault("docker.pingtimeout", "5s")
	v.SetDefault("containers.dir", ".containers")
	v.SetDefault("digests.backend", DigestBackendFile)
	v.SetDefault("digests.path", "")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key", "testenv:digests")
	v.SetDefault("health.attempts", 300)
	v.SetDefault("health.interval", "100ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.textfile", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Docker: DockerConfig{
			Host:        v.GetString("docker.host"),
			APIVersion:  v.GetString("docker.apiversion"),
			PingTimeout: v.GetDuration("docker.pingtimeout"),
		},
		Containers: ContainersConfig{
			Dir: v.GetString("containers.dir"),
		},
		Digests: DigestConfig{
			Backend: v.GetString("digests.backend"),
			Path:    v.GetString("digests.path"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
			Key: v.GetString("redis.key"),
		},
		Health: HealthConfig{
			Attempts: v.GetInt("health.attempts"),
			Interval: v.GetDuration("health.interval"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Metrics: MetricsConfig{
			Textfile: v.GetString("metrics.textfile"),
		},
	}

	if cfg.Digests.Path == "" {
		cfg.Digests.Path = filepath.Join(cfg.Containers.Dir, DigestFileName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError reports an invalid configuration key
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// Validate checks the configuration for values no component can work with
func (c *Config) Validate() error {
	switch c.Digests.Backend {
	case DigestBackendFile:
		if c.Digests.Path == "" {
			return &ValidationError{Key: "digests.path", Reason: "must not be empty"}
		}
	case DigestBackendRedis:
		if c.Redis.URL == "" {
			return &ValidationError{Key: "redis.url", Reason: "required by the redis digest backend"}
		}
		if c.Redis.Key == "" {
			return &ValidationError{Key: "redis.key", Reason: "required by the redis digest backend"}
		}
	default:
		return &ValidationError{Key: "digests.backend", Reason: fmt.Sprintf("unknown backend %q", c.Digests.Backend)}
	}

	if c.Health.Attempts <= 0 {
		return &ValidationError{Key: "health.attempts", Reason: "must be positive"}
	}
	if c.Health.Interval <= 0 {
		return &ValidationError{Key: "health.interval", Reason: "must be positive"}
	}
	return nil
}
