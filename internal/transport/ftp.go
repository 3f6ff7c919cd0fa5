package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

const defaultDialTimeout = 30 * time.Second

// FTPConfig holds everything needed to open an FTP session against a shared
// hosting account.
type FTPConfig struct {
	Addr     string // host or host:port; port defaults to 21
	Username string
	Password string
	BasePath string      // remote deployment path all uploads are relative to
	Timeout  time.Duration
	TLS      *tls.Config // when set, upgrade the control connection via AUTH TLS
}

// FTP implements Uploader over a single FTP control connection
type FTP struct {
	conn    *ftp.ServerConn
	base    string
	created map[string]bool
}

// DialFTP connects and authenticates against the configured server
func DialFTP(ctx context.Context, config FTPConfig) (*FTP, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
	}
	if config.TLS != nil {
		opts = append(opts, ftp.DialWithExplicitTLS(config.TLS))
	}

	conn, err := ftp.Dial(ensurePort(config.Addr, "21"), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ftp server %s: %w", config.Addr, err)
	}

	if err := conn.Login(config.Username, config.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login failed for user %s: %w", config.Username, err)
	}

	return &FTP{
		conn:    conn,
		base:    strings.TrimSuffix(config.BasePath, "/"),
		created: map[string]bool{},
	}, nil
}

// MkdirAll creates each missing segment of dir beneath the base path. The
// base path itself must already exist on the server.
func (u *FTP) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cur := u.base
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" || seg == "." {
			continue
		}
		cur = path.Join(cur, seg)
		if u.created[cur] {
			continue
		}
		if err := u.conn.MakeDir(cur); err != nil && !isFileUnavailable(err) {
			return fmt.Errorf("failed to create remote directory %s: %w", cur, err)
		}
		// 550 means the directory already exists on most servers; if it
		// signalled a real failure the next STOR reports it.
		u.created[cur] = true
	}
	return nil
}

func (u *FTP) Upload(ctx context.Context, p string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.conn.Stor(u.join(p), r); err != nil {
		return fmt.Errorf("failed to upload %s: %w", p, err)
	}
	return nil
}

// Remove deletes the remote file. Removing a file that is already gone is
// treated as success so pruning stays idempotent.
func (u *FTP) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.conn.Delete(u.join(p)); err != nil && !isFileUnavailable(err) {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// List walks the remote tree under dir. Servers answer 550 for directories
// that do not exist; that reads as an empty listing so a first deploy can
// diff against nothing.
func (u *FTP) List(ctx context.Context, dir string) ([]string, error) {
	var files []string
	if err := u.list(ctx, dir, "", &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (u *FTP) list(ctx context.Context, root, rel string, out *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := u.conn.List(u.join(path.Join(root, rel)))
	if err != nil {
		if isFileUnavailable(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", path.Join(root, rel), err)
	}

	for _, entry := range entries {
		switch entry.Type {
		case ftp.EntryTypeFile:
			*out = append(*out, path.Join(rel, entry.Name))
		case ftp.EntryTypeFolder:
			if entry.Name == "." || entry.Name == ".." {
				continue
			}
			if err := u.list(ctx, root, path.Join(rel, entry.Name), out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *FTP) Close() error {
	return u.conn.Quit()
}

func (u *FTP) join(p string) string {
	if u.base == "" {
		return p
	}
	return path.Join(u.base, p)
}

func isFileUnavailable(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

// ensurePort appends the default port when addr carries none
func ensurePort(addr, port string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":" + port
}
