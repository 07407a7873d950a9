package container

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

// failureLogTail is how many lines of output are logged for a container
// that failed to become healthy
const failureLogTail = 20

// LogLine is one timestamped line of container output
type LogLine struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Message   string
}

func (l LogLine) String() string {
	return fmt.Sprintf("%s %s: %s", l.Timestamp.Format(time.RFC3339Nano), l.Stream, l.Message)
}

// Logs returns the output a container produced since the given time, in
// arrival order. A zero since returns everything; tail > 0 keeps only the
// last tail lines.
func (m *Manager) Logs(ctx context.Context, id string, since time.Time, tail int) ([]LogLine, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = since.Format(time.RFC3339Nano)
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	rc, err := m.api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, &engine.EngineError{Op: "logs", ID: id, Err: err}
	}
	defer rc.Close()

	lines, err := parseLogs(rc)
	if err != nil {
		return nil, &engine.EngineError{Op: "logs", ID: id, Err: err}
	}
	return lines, nil
}

// parseLogs reads multiplexed log frames. Lines without a valid timestamp
// are skipped.
func parseLogs(r io.Reader) ([]LogLine, error) {
	var lines []LogLine
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read log header: %w", err)
		}

		size := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("failed to read log message: %w", err)
		}

		stream := "stdout"
		if stdcopy.StdType(header[0]) == stdcopy.Stderr {
			stream = "stderr"
		}
		for _, raw := range splitLines(string(payload)) {
			line, ok := parseLogLine(raw, stream)
			if ok {
				lines = append(lines, line)
			}
		}
	}
	return lines, nil
}

// parseLogLine splits "2024-01-01T00:00:00.000000000Z message"
func parseLogLine(raw, stream string) (LogLine, bool) {
	ts, msg, ok := strings.Cut(raw, " ")
	if !ok {
		return LogLine{}, false
	}
	timestamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return LogLine{}, false
	}
	return LogLine{Timestamp: timestamp, Stream: stream, Message: msg}, true
}

// logTail writes the last lines of a container's output to the logger. It is
// used when a container fails to come up; errors are only logged.
func (m *Manager) logTail(ctx context.Context, id string, tail int) {
	lines, err := m.Logs(ctx, id, time.Time{}, tail)
	if err != nil {
		m.logger.Debug("failed to collect container logs", zap.String("id", engine.ShortID(id)), zap.Error(err))
		return
	}
	if len(lines) == 0 {
		return
	}
	formatted := make([]string, 0, len(lines))
	for _, l := range lines {
		formatted = append(formatted, l.String())
	}
	m.logger.Warn("container output",
		zap.String("id", engine.ShortID(id)),
		zap.Strings("lines", formatted))
}
