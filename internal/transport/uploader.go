package transport

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// Uploader is the write side of a release target. Implementations exist for
// FTP and SFTP; Memory backs tests. Paths are slash-separated and relative to
// the deployment path the uploader was opened with.
type Uploader interface {
	// MkdirAll creates dir and any missing parents. Creating a directory
	// that already exists is not an error.
	MkdirAll(ctx context.Context, dir string) error

	// Upload writes the contents of r to the file at path, replacing any
	// existing file.
	Upload(ctx context.Context, path string, r io.Reader) error

	// Remove deletes the file at path
	Remove(ctx context.Context, path string) error

	// List returns every file under dir, recursively, as slash-separated
	// paths relative to dir. A missing directory yields an empty listing.
	List(ctx context.Context, dir string) ([]string, error)

	// Close releases the underlying connection
	Close() error
}

// Memory is an in-memory Uploader. It records every write so tests can
// assert on exactly what a deployment would have pushed to the remote side.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	fail  map[string]error
}

// NewMemory returns an empty in-memory uploader
func NewMemory() *Memory {
	return &Memory{
		files: map[string][]byte{},
		dirs:  map[string]bool{},
		fail:  map[string]error{},
	}
}

// FailWith makes the next operation touching path return err
func (m *Memory) FailWith(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[path] = err
}

func (m *Memory) MkdirAll(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[dir]; ok {
		return err
	}
	m.dirs[dir] = true
	return nil
}

func (m *Memory) Upload(_ context.Context, p string, r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[p]; ok {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.files[p] = data
	if dir := path.Dir(p); dir != "." {
		m.dirs[dir] = true
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[p]; ok {
		return err
	}
	delete(m.files, p)
	return nil
}

func (m *Memory) List(_ context.Context, dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[dir]; ok {
		return nil, err
	}

	var out []string
	prefix := ""
	if dir != "" {
		prefix = strings.TrimSuffix(dir, "/") + "/"
	}
	for p := range m.files {
		if prefix == "" {
			out = append(out, p)
		} else if strings.HasPrefix(p, prefix) {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

// File returns the uploaded contents of path, if present
func (m *Memory) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return data, ok
}

// Paths returns every uploaded file path in sorted order
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasDir reports whether MkdirAll was called for dir (directly or implied)
func (m *Memory) HasDir(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[dir]
}
