package types

// HealthStatus is the healthcheck state reported by the engine for a container
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthNone      HealthStatus = "none"
)

// ParseHealthStatus maps an engine health string. Empty or unknown values
// map to HealthNone.
func ParseHealthStatus(s string) HealthStatus {
	switch HealthStatus(s) {
	case HealthHealthy, HealthUnhealthy, HealthStarting:
		return HealthStatus(s)
	default:
		return HealthNone
	}
}

// IsHealthy reports whether the status is HealthHealthy
func (s HealthStatus) IsHealthy() bool {
	return s == HealthHealthy
}

// ContainerState is the engine's lifecycle state string for a container
type ContainerState string

const (
	ContainerStateCreated    ContainerState = "created"
	ContainerStateRunning    ContainerState = "running"
	ContainerStatePaused     ContainerState = "paused"
	ContainerStateRestarting ContainerState = "restarting"
	ContainerStateExited     ContainerState = "exited"
	ContainerStateDead       ContainerState = "dead"
)

// IsActive reports whether a container in this state holds live processes
// that a stop would terminate
func (s ContainerState) IsActive() bool {
	switch s {
	case ContainerStateRunning, ContainerStatePaused, ContainerStateRestarting:
		return true
	default:
		return false
	}
}
