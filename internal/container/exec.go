package container

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

// Exec runs cmd inside the container. Unless detached, it waits for the
// command to finish, copies its stderr to the manager's stderr writer as it
// arrives and returns stdout split into trimmed lines. The command must exit
// with expectedExitCode; detached commands skip that check and return no output.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string, detach bool, expectedExitCode int) (lines []string, err error) {
	defer func() {
		m.metrics.ObserveExec(err)
	}()

	m.logger.Debug("executing command",
		zap.String("id", engine.ShortID(id)),
		zap.Strings("cmd", cmd),
		zap.Bool("detach", detach))

	created, err := m.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: !detach,
		AttachStderr: !detach,
		Detach:       detach,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", engine.ShortID(id), err)
	}

	if detach {
		if err := m.api.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
			return nil, fmt.Errorf("failed to start exec in container %s: %w", engine.ShortID(id), err)
		}
		return nil, nil
	}

	stdout, err := m.attach(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read exec output in container %s: %w", engine.ShortID(id), err)
	}

	inspect, err := m.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec in container %s: %w", engine.ShortID(id), err)
	}
	if inspect.ExitCode != expectedExitCode {
		m.logger.Error("unexpected exit code",
			zap.String("id", engine.ShortID(id)),
			zap.Strings("cmd", cmd),
			zap.Int("expected", expectedExitCode),
			zap.Int("actual", inspect.ExitCode))
		return nil, &engine.ExitCodeError{
			ID:       id,
			Command:  cmd,
			Expected: expectedExitCode,
			Actual:   inspect.ExitCode,
		}
	}

	return splitLines(stdout), nil
}

// attach demultiplexes the exec stream until the command closes it
func (m *Manager) attach(ctx context.Context, execID string) (string, error) {
	resp, err := m.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return "", err
	}
	defer resp.Close()

	var stdout bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, m.stderr, resp.Reader); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

// splitLines splits on newlines and trims each line. The empty element after
// a final newline is dropped; blank lines inside the output are kept.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = strings.TrimSpace(p)
	}
	return lines
}
