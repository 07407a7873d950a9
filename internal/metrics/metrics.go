// Package metrics exposes prometheus collectors for image builds, health
// waits, exec calls and container cleanup. A nil *Metrics is a valid no-op.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "testenv"

// Result label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Cleanup phase label values
const (
	PhaseSweep    = "sweep"
	PhaseTeardown = "teardown"
)

// Metrics groups the collectors recorded by the managers
type Metrics struct {
	imageBuilds       *prometheus.CounterVec
	imageBuildSkips   prometheus.Counter
	imageBuildSeconds prometheus.Histogram
	containersCreated prometheus.Counter
	containersCleaned *prometheus.CounterVec
	healthWaitSeconds *prometheus.HistogramVec
	execs             *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		imageBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_builds_total",
			Help:      "Image builds sent to the engine, by result.",
		}, []string{"result"}),
		imageBuildSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_build_skips_total",
			Help:      "Image builds skipped because the build context digest was unchanged.",
		}),
		imageBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_build_duration_seconds",
			Help:      "Duration of image builds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		containersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "containers_created_total",
			Help:      "Containers created by the test environment.",
		}),
		containersCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "containers_cleaned_total",
			Help:      "Containers stopped and removed, by cleanup phase.",
		}, []string{"phase"}),
		healthWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_wait_seconds",
			Help:      "Time spent waiting for containers to report healthy.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"result"}),
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_total",
			Help:      "Commands executed in containers, by result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.imageBuilds, m.imageBuildSkips, m.imageBuildSeconds,
		m.containersCreated, m.containersCleaned, m.healthWaitSeconds, m.execs,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// ObserveBuild records an image build sent to the engine
func (m *Metrics) ObserveBuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.imageBuilds.WithLabelValues(result(err)).Inc()
	m.imageBuildSeconds.Observe(d.Seconds())
}

// BuildSkipped records a build avoided by an unchanged digest
func (m *Metrics) BuildSkipped() {
	if m == nil {
		return
	}
	m.imageBuildSkips.Inc()
}

// ContainerCreated records a container creation
func (m *Metrics) ContainerCreated() {
	if m == nil {
		return
	}
	m.containersCreated.Inc()
}

// ContainerCleaned records a container removed during phase
func (m *Metrics) ContainerCleaned(phase string) {
	if m == nil {
		return
	}
	m.containersCleaned.WithLabelValues(phase).Inc()
}

// ObserveHealthWait records the outcome of a health wait
func (m *Metrics) ObserveHealthWait(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.healthWaitSeconds.WithLabelValues(result(err)).Observe(d.Seconds())
}

// ObserveExec records the outcome of an exec
func (m *Metrics) ObserveExec(err error) {
	if m == nil {
		return
	}
	m.execs.WithLabelValues(result(err)).Inc()
}

// WriteTextfile writes every metric of g to path in the text exposition
// format, for the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
