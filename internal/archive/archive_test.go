package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/savaki/ftp-deployer/internal/manifest"
	"github.com/stretchr/testify/assert"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func scanTree(t *testing.T, root string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Scan(root, manifest.MustExcludeSet(nil))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestBuildExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"index.php":           "<?php echo 'hi';",
		"app/Models/User.php": "<?php class User {}",
		"public/app.css":      "body { margin: 0 }",
	}
	writeTree(t, src, files)
	m := scanTree(t, src)

	var buf bytes.Buffer
	err := Build(context.Background(), src, m, &buf)
	assert.NoError(t, err)

	dest := t.TempDir()
	err = Extract(bytes.NewReader(buf.Bytes()), dest)
	assert.NoError(t, err)

	for path, content := range files {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(path)))
		assert.NoError(t, err)
		assert.Equal(t, content, string(data), path)
	}
}

func TestBuildFileChangedSinceScan(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"index.php": "v1"})
	m := scanTree(t, src)

	writeTree(t, src, map[string]string{"index.php": "version two"})

	err := Build(context.Background(), src, m, &bytes.Buffer{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "changed since scan")
}

func TestBuildMissingFile(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"index.php": "v1"})
	m := scanTree(t, src)

	if err := os.Remove(filepath.Join(src, "index.php")); err != nil {
		t.Fatal(err)
	}

	err := Build(context.Background(), src, m, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestBuildCancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"index.php": "v1"})
	m := scanTree(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Build(ctx, src, m, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("owned")
	err := tw.WriteHeader(&tar.Header{
		Name: "../evil.txt",
		Mode: 0o644,
		Size: int64(len(content)),
	})
	assert.NoError(t, err)
	_, err = tw.Write(content)
	assert.NoError(t, err)
	assert.NoError(t, tw.Close())
	assert.NoError(t, gz.Close())

	dest := t.TempDir()
	err = Extract(bytes.NewReader(buf.Bytes()), dest)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the destination")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractNotGzip(t *testing.T) {
	err := Extract(bytes.NewReader([]byte("not an archive")), t.TempDir())
	assert.Error(t, err)
}
