package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/savaki/ftp-deployer/internal/manifest"
)

// Build writes a tar.gz of exactly the manifest's file set, in manifest
// order, resolving each path against root. A file whose size changed since
// the scan fails the build; the archive must reproduce the manifest it is
// stored next to.
func Build(ctx context.Context, root string, m *manifest.Manifest, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(tw, root, f); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, root string, f manifest.File) error {
	path := filepath.Join(root, filepath.FromSlash(f.Path))

	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Path, err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", f.Path, err)
	}
	if info.Size() != f.Size {
		return fmt.Errorf("file %s changed since scan (%d bytes, manifest records %d)", f.Path, info.Size(), f.Size)
	}

	hdr := &tar.Header{
		Name:    f.Path,
		Mode:    int64(info.Mode().Perm()),
		Size:    f.Size,
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write archive header for %s: %w", f.Path, err)
	}
	if _, err := io.Copy(tw, fh); err != nil {
		return fmt.Errorf("failed to archive %s: %w", f.Path, err)
	}
	return nil
}

// Extract unpacks a tar.gz stream into dest. Entries that would escape dest
// are rejected; non-regular entries are skipped, matching what Build emits.
func Extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes the destination", hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}
			if err := writeFile(target, hdr, tr); err != nil {
				return err
			}
		default:
			// Build never emits anything else.
		}
	}
}

func writeFile(target string, hdr *tar.Header, tr *tar.Reader) error {
	fh, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(fh, tr); err != nil {
		fh.Close()
		return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
	}
	return nil
}
