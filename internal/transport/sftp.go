package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTP implements Uploader over an SFTP subsystem channel. The underlying
// *ssh.Client is owned by the caller so the same connection can also run
// post-deployment commands; Close only tears down the SFTP channel.
type SFTP struct {
	client *sftp.Client
	base   string
}

// NewSFTP opens an SFTP channel on an established SSH connection
func NewSFTP(conn *ssh.Client, basePath string) (*SFTP, error) {
	client, err := sftp.NewClient(conn, sftp.UseConcurrentWrites(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp channel: %w", err)
	}
	return &SFTP{
		client: client,
		base:   strings.TrimSuffix(basePath, "/"),
	}, nil
}

func (u *SFTP) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.client.MkdirAll(u.join(dir)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
	}
	return nil
}

func (u *SFTP) Upload(ctx context.Context, p string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remote := u.join(p)
	f, err := u.client.Create(remote)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", p, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to upload %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", p, err)
	}
	return nil
}

// Remove deletes the remote file, treating a missing file as success
func (u *SFTP) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.client.Remove(u.join(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// List walks the remote tree under dir, treating a missing directory as an
// empty listing
func (u *SFTP) List(ctx context.Context, dir string) ([]string, error) {
	var files []string
	if err := u.list(ctx, dir, "", &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (u *SFTP) list(ctx context.Context, root, rel string, out *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := u.client.ReadDir(u.join(path.Join(root, rel)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", path.Join(root, rel), err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			if err := u.list(ctx, root, path.Join(rel, entry.Name()), out); err != nil {
				return err
			}
			continue
		}
		if entry.Mode().IsRegular() {
			*out = append(*out, path.Join(rel, entry.Name()))
		}
	}
	return nil
}

func (u *SFTP) Close() error {
	return u.client.Close()
}

func (u *SFTP) join(p string) string {
	if u.base == "" {
		return p
	}
	return path.Join(u.base, p)
}
