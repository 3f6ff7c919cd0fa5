package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/savaki/ftp-deployer/internal/dao/sitedao"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/secrets"
	"github.com/savaki/ftp-deployer/internal/transport"
	"golang.org/x/crypto/ssh"
)

// CommandRunner executes the post-deployment commands on the remote host
type CommandRunner interface {
	Run(ctx context.Context, command string) (transport.CommandResult, error)
}

// Conn bundles the connections one release deploys through. Runner is nil
// when the site has no SSH access.
type Conn struct {
	Uploader transport.Uploader
	Runner   CommandRunner

	closeFn func() error
}

// NewConn wraps an uploader and a runner with a close hook. Tests pass nil
// for closeFn.
func NewConn(uploader transport.Uploader, runner CommandRunner, closeFn func() error) *Conn {
	return &Conn{Uploader: uploader, Runner: runner, closeFn: closeFn}
}

// Close tears down the underlying connections
func (c *Conn) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Dialer opens the remote side of a deployment from resolved credentials.
// deployPath is the remote directory all uploads are relative to.
type Dialer interface {
	Dial(ctx context.Context, site sitedao.Record, creds map[string]string, deployPath string) (*Conn, error)
}

// NetDialer is the production Dialer: FTP or SFTP for file transfer, plus a
// command runner on the same SSH connection when SSH credentials are
// configured.
type NetDialer struct {
	KnownHostsFile  string
	InsecureHostKey bool
	DialTimeout     time.Duration
	CommandTimeout  time.Duration
}

func (d *NetDialer) Dial(ctx context.Context, site sitedao.Record, creds map[string]string, deployPath string) (*Conn, error) {
	var client *ssh.Client
	if creds[secrets.NameSSHHost] != "" {
		c, err := transport.DialSSH(ctx, transport.SSHConfig{
			Host:            creds[secrets.NameSSHHost],
			User:            creds[secrets.NameSSHUser],
			PrivateKey:      []byte(creds[secrets.NameSSHPrivateKey]),
			Passphrase:      creds[secrets.NameSSHPassphrase],
			KnownHostsFile:  d.KnownHostsFile,
			InsecureHostKey: d.InsecureHostKey,
			Timeout:         d.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}

	uploader, err := d.dialUploader(ctx, site, creds, deployPath, client)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}

	var runner CommandRunner
	if client != nil {
		runner = transport.NewRunner(client, d.CommandTimeout)
	}

	return NewConn(uploader, runner, func() error {
		err := uploader.Close()
		if client != nil {
			if cerr := client.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}), nil
}

func (d *NetDialer) dialUploader(ctx context.Context, site sitedao.Record, creds map[string]string, deployPath string, client *ssh.Client) (transport.Uploader, error) {
	switch site.Protocol {
	case sitedao.ProtocolSFTP:
		if client == nil {
			return nil, fmt.Errorf("%w: sftp protocol needs SSH credentials", errors.ErrSSHNotConfigured)
		}
		return transport.NewSFTP(client, deployPath)
	default:
		return transport.DialFTP(ctx, transport.FTPConfig{
			Addr:     creds[secrets.NameFTPServer],
			Username: creds[secrets.NameFTPUsername],
			Password: creds[secrets.NameFTPPassword],
			BasePath: deployPath,
			Timeout:  d.DialTimeout,
		})
	}
}
