package engine

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// EngineError wraps a transport or engine failure for an operation
type EngineError struct {
	Op  string
	ID  string
	Err error
}

func (e *EngineError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("engine error: %s %s: %v", e.Op, ShortID(e.ID), e.Err)
	}
	return fmt.Sprintf("engine error: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid or incomplete specification. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// BuildError is an engine-reported image build failure
type BuildError struct {
	Image   string
	Message string
	Cause   error
}

func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("build error: %s: %s (cause: %v)", e.Image, e.Message, e.Cause)
	}
	return fmt.Sprintf("build error: %s: %s", e.Image, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}

// ExitCodeError is returned when an exec finishes with an unexpected exit code
type ExitCodeError struct {
	ID       string
	Command  []string
	Expected int
	Actual   int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("unexpected exit code: %d (expected %d) for %q in container %s",
		e.Actual, e.Expected, strings.Join(e.Command, " "), ShortID(e.ID))
}

// IsNotFound reports whether err means the engine no longer knows the object.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// ShortID truncates an engine identifier for logs and messages.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
