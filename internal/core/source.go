package core

// source.go abstracts where dataset files come from. The loader resolves
// each table's csv url against a SourceSet, so the same code serves
// directories on disk and in-memory uploads.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SourceSet resolves the csv urls declared in a schema to readable streams.
// Open returns the stream and its size in bytes, or -1 when unknown.
type SourceSet interface {
	Open(name string) (io.ReadCloser, int64, error)
}

// DirSource reads dataset files from a directory on disk.
type DirSource struct {
	dir string
}

// NewDirSource returns a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Open resolves name inside the root directory. Names that escape the root
// are rejected.
func (s *DirSource) Open(name string) (io.ReadCloser, int64, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, 0, fmt.Errorf("source %q escapes dataset directory", name)
	}

	path := filepath.Join(s.dir, clean)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open source %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat source %q: %w", name, err)
	}
	return f, info.Size(), nil
}

// MapSource serves dataset files from memory. It backs uploaded datasets
// and tests.
type MapSource map[string][]byte

// Open returns a reader over the named file's bytes.
func (s MapSource) Open(name string) (io.ReadCloser, int64, error) {
	data, ok := s[name]
	if !ok {
		return nil, 0, fmt.Errorf("source %q not found in upload", name)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}
