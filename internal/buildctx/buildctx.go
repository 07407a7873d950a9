// Package buildctx packages a build directory into a gzip-compressed tar
// archive and computes a content digest over the same files.
//
// The digest covers file contents only, visited in lexicographic order of
// their slash-separated relative paths, so it is stable across runs and
// platforms and insensitive to metadata such as modification times. The
// digest file itself is never hashed nor archived.
package buildctx

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/midoriiro/pipewire-client/testenv/internal/config"
)

// Context is a compressed build context and the digest of its file contents
type Context struct {
	Archive []byte
	Digest  string
}

type options struct {
	exclude map[string]struct{}
}

// Option configures the assembler
type Option func(*options)

// WithExclude skips files whose base name is one of names
func WithExclude(names ...string) Option {
	return func(o *options) {
		for _, n := range names {
			o.exclude[n] = struct{}{}
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{exclude: map[string]struct{}{config.DigestFileName: {}}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type entry struct {
	path string
	rel  string
	info fs.FileInfo
}

// Assemble walks dir and returns its compressed archive and content digest.
// Any I/O error aborts the whole operation.
func Assemble(dir string, opts ...Option) (*Context, error) {
	o := newOptions(opts)

	entries, err := collect(dir, o)
	if err != nil {
		return nil, err
	}

	digester := digest.SHA256.Digester()
	var uncompressed bytes.Buffer
	tw := tar.NewWriter(&uncompressed)

	for _, e := range entries {
		if err := appendFile(tw, digester.Hash(), e); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize build context archive: %w", err)
	}

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	if _, err := zw.Write(uncompressed.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress build context: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress build context: %w", err)
	}

	return &Context{
		Archive: compressed.Bytes(),
		Digest:  digester.Digest().String(),
	}, nil
}

// Digest computes the content digest of dir without building an archive
func Digest(dir string, opts ...Option) (string, error) {
	o := newOptions(opts)

	entries, err := collect(dir, o)
	if err != nil {
		return "", err
	}

	digester := digest.SHA256.Digester()
	for _, e := range entries {
		if err := hashFile(digester.Hash(), e.path); err != nil {
			return "", err
		}
	}
	return digester.Digest().String(), nil
}

// collect lists the regular files under dir, sorted by relative path
func collect(dir string, o *options) ([]entry, error) {
	var entries []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if _, skip := o.exclude[d.Name()]; skip {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: path, rel: filepath.ToSlash(rel), info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk build directory %s: %w", dir, err)
	}

	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.rel < b.rel:
			return -1
		case a.rel > b.rel:
			return 1
		}
		return 0
	})
	return entries, nil
}

// appendFile streams one file into both the hash and the archive
func appendFile(tw *tar.Writer, h io.Writer, e entry) error {
	f, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.rel, err)
	}
	defer func() { _ = f.Close() }() // Read-only file; close error non-critical

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     e.rel,
		Size:     e.info.Size(),
		Mode:     int64(e.info.Mode().Perm()),
		ModTime:  e.info.ModTime(),
		Format:   tar.FormatGNU,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write archive header for %s: %w", e.rel, err)
	}

	n, err := io.Copy(io.MultiWriter(tw, h), f)
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", e.rel, err)
	}
	if n != e.info.Size() {
		return fmt.Errorf("failed to archive %s: size changed while reading (%d != %d)", e.rel, n, e.info.Size())
	}
	return nil
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return nil
}
