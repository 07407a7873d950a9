package container

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
	"mvdan.cc/sh/v3/shell"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

// Healthcheck test forms understood by the engine
const (
	HealthcheckExec  = "CMD"
	HealthcheckShell = "CMD-SHELL"
)

// Spec describes a container to create. It is an immutable value: every
// Option returns a modified copy and never touches its input.
type Spec struct {
	image      string
	name       string
	env        map[string]string
	volumes    map[string]string
	labels     map[string]string
	entrypoint []string

	healthcheck []string
	hcInterval  time.Duration
	hcTimeout   time.Duration
	hcRetries   int

	nanoCPUs   int64
	memory     int64
	memorySwap int64

	err error
}

// Option transforms a Spec
type Option func(Spec) Spec

// NewSpec applies opts to an empty spec
func NewSpec(opts ...Option) Spec {
	return Spec{}.With(opts...)
}

// With returns a copy of s with opts applied
func (s Spec) With(opts ...Option) Spec {
	for _, opt := range opts {
		s = opt(s)
	}
	return s
}

// Image returns the image reference
func (s Spec) Image() string { return s.image }

// Name returns the requested container name, empty for an engine-assigned one
func (s Spec) Name() string { return s.name }

// HasHealthcheck reports whether a healthcheck is configured
func (s Spec) HasHealthcheck() bool { return len(s.healthcheck) > 0 }

// Entrypoint returns a copy of the entrypoint tokens
func (s Spec) Entrypoint() []string { return slices.Clone(s.entrypoint) }

func with(m map[string]string, key, value string) map[string]string {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[key] = value
	return out
}

// fail records the first configuration error; Finalize reports it
func (s Spec) fail(field, format string, args ...any) Spec {
	if s.err == nil {
		s.err = &engine.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}
	return s
}

// WithImage sets the image reference; it is required
func WithImage(image string) Option {
	return func(s Spec) Spec {
		s.image = image
		return s
	}
}

// WithName sets the container name; empty lets the engine pick one
func WithName(name string) Option {
	return func(s Spec) Spec {
		s.name = name
		return s
	}
}

// WithEnv sets one environment variable; a later value for the same key wins
func WithEnv(key, value string) Option {
	return func(s Spec) Spec {
		s.env = with(s.env, key, value)
		return s
	}
}

// WithVolume bind-mounts hostPath at containerPath
func WithVolume(hostPath, containerPath string) Option {
	return func(s Spec) Spec {
		s.volumes = with(s.volumes, hostPath, containerPath)
		return s
	}
}

// WithLabel sets one container label
func WithLabel(key, value string) Option {
	return func(s Spec) Spec {
		s.labels = with(s.labels, key, value)
		return s
	}
}

// WithEntrypoint replaces the image entrypoint with tokens
func WithEntrypoint(tokens ...string) Option {
	return func(s Spec) Spec {
		s.entrypoint = slices.Clone(tokens)
		return s
	}
}

// WithEntrypointLine splits line into words using shell quoting rules.
// Variable references are kept literally.
func WithEntrypointLine(line string) Option {
	return func(s Spec) Spec {
		tokens, err := shell.Fields(line, func(name string) string { return "$" + name })
		if err != nil {
			return s.fail("entrypoint", "cannot split %q: %v", line, err)
		}
		s.entrypoint = tokens
		return s
	}
}

// WithHealthcheck runs args directly, without a shell
func WithHealthcheck(args ...string) Option {
	return func(s Spec) Spec {
		s.healthcheck = append([]string{HealthcheckExec}, args...)
		return s
	}
}

// WithHealthcheckShell runs cmd through the container's default shell
func WithHealthcheckShell(cmd string) Option {
	return func(s Spec) Spec {
		s.healthcheck = []string{HealthcheckShell, cmd}
		return s
	}
}

// WithHealthcheckTiming tunes the healthcheck. Zero values keep engine defaults.
func WithHealthcheckTiming(interval, timeout time.Duration, retries int) Option {
	return func(s Spec) Spec {
		s.hcInterval = interval
		s.hcTimeout = timeout
		s.hcRetries = retries
		return s
	}
}

// WithCPUs limits the container to a fractional number of cores
func WithCPUs(cpus float64) Option {
	return func(s Spec) Spec {
		if cpus < 0 {
			return s.fail("cpus", "must not be negative, got %g", cpus)
		}
		s.nanoCPUs = int64(cpus * 1e9)
		return s
	}
}

// WithMemory sets the memory limit in bytes
func WithMemory(bytes int64) Option {
	return func(s Spec) Spec {
		s.memory = bytes
		return s
	}
}

// WithMemorySwap sets the memory plus swap limit in bytes; -1 is unlimited swap
func WithMemorySwap(bytes int64) Option {
	return func(s Spec) Spec {
		s.memorySwap = bytes
		return s
	}
}

// WithMemoryString parses a human size such as "512m" or "1g"
func WithMemoryString(size string) Option {
	return func(s Spec) Spec {
		n, err := units.RAMInBytes(size)
		if err != nil {
			return s.fail("memory", "%v", err)
		}
		s.memory = n
		return s
	}
}

// WithMemorySwapString parses a human size; "-1" means unlimited swap
func WithMemorySwapString(size string) Option {
	return func(s Spec) Spec {
		if size == "-1" {
			s.memorySwap = -1
			return s
		}
		n, err := units.RAMInBytes(size)
		if err != nil {
			return s.fail("memory_swap", "%v", err)
		}
		s.memorySwap = n
		return s
	}
}

// Finalize converts the spec into engine configuration. The test label is
// always set so leftovers can be swept by a later run.
func (s Spec) Finalize() (*container.Config, *container.HostConfig, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	if s.image == "" {
		return nil, nil, &engine.ConfigError{Field: "image", Reason: "an image is required"}
	}

	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}

	binds := make([]string, 0, len(s.volumes))
	for _, host := range slices.Sorted(maps.Keys(s.volumes)) {
		binds = append(binds, host+":"+s.volumes[host])
	}

	labels := with(s.labels, engine.TestLabelKey, engine.TestLabelValue)

	cfg := &container.Config{
		Image:  s.image,
		Env:    env,
		Labels: labels,
	}
	if len(s.entrypoint) > 0 {
		cfg.Entrypoint = slices.Clone(s.entrypoint)
	}
	if s.HasHealthcheck() {
		cfg.Healthcheck = &container.HealthConfig{
			Test:     slices.Clone(s.healthcheck),
			Interval: s.hcInterval,
			Timeout:  s.hcTimeout,
			Retries:  s.hcRetries,
		}
	}

	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs:   s.nanoCPUs,
			Memory:     s.memory,
			MemorySwap: s.memorySwap,
		},
	}

	return cfg, hostCfg, nil
}
