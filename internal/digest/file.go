package digest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FileStore keeps digests in a UTF-8 file with one name=digest line per image
type FileStore struct {
	Path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load parses the file. Blank lines and lines without '=' are skipped.
func (s *FileStore) Load(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read digest file: %w", err)
	}

	images := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, digest, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			continue
		}
		images[name] = digest
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse digest file: %w", err)
	}

	return images, nil
}

// Save truncates the file and rewrites every entry, sorted by image name
func (s *FileStore) Save(_ context.Context, images map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create digest directory: %w", err)
	}

	var buf bytes.Buffer
	for _, name := range slices.Sorted(maps.Keys(images)) {
		fmt.Fprintf(&buf, "%s=%s\n", name, images[name])
	}

	if err := os.WriteFile(s.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write digest file: %w", err)
	}
	return nil
}
