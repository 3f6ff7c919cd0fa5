package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds everything needed to reach the hosting account over SSH.
// PrivateKey carries the PEM content itself rather than a path; deployment
// credentials arrive from the secret source, never from local files.
type SSHConfig struct {
	Host            string // host or host:port; port defaults to 22
	User            string
	Password        string // optional fallback when no key is configured
	PrivateKey      []byte // PEM-encoded private key
	Passphrase      string // decrypts PrivateKey when set
	KnownHostsFile  string // defaults to ~/.ssh/known_hosts
	InsecureHostKey bool   // skip host key verification
	Timeout         time.Duration
}

// DialSSH establishes an authenticated SSH connection. Auth methods are
// tried in order: configured private key, password, then any local agent.
func DialSSH(ctx context.Context, config SSHConfig) (*ssh.Client, error) {
	var auths []ssh.AuthMethod

	if len(config.PrivateKey) > 0 {
		signer, err := ParseSigner(config.PrivateKey, config.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		auths = append(auths, ssh.Password(config.Password))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(auths) == 0 {
		return nil, errors.New("no ssh auth methods available; configure a private key or password")
	}

	hostKeyCB, err := hostKeyCallback(config)
	if err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	addr := ensurePort(config.Host, "22")
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh server %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            config.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         timeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return ssh.NewClient(c, chans, reqs), nil
}

// hostKeyCallback fails closed: without a known_hosts file the connection is
// refused unless verification was explicitly disabled.
func hostKeyCallback(config SSHConfig) (ssh.HostKeyCallback, error) {
	if config.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := config.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate home directory for known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("known_hosts file not found at %s; add the host key or disable host key verification", path)
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse known_hosts: %w", err)
	}
	return cb, nil
}

// ParseSigner parses a PEM private key, decrypting it when a passphrase is
// provided.
func ParseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, errors.New("private key is encrypted; provide the ssh passphrase secret")
	}
	return nil, err
}

// session is the slice of *ssh.Session the runner needs
type session interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// sessionClient opens command sessions; *ssh.Client satisfies it through
// clientAdapter.
type sessionClient interface {
	NewSession() (session, error)
}

type clientAdapter struct {
	c *ssh.Client
}

func (a clientAdapter) NewSession() (session, error) {
	sess, err := a.c.NewSession()
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CommandResult captures one remote command execution
type CommandResult struct {
	Command  string
	Output   string // combined stdout and stderr
	ExitCode int    // -1 when no exit status could be determined
	Duration time.Duration
}

// Runner executes commands over an established SSH connection, one session
// per command.
type Runner struct {
	client  sessionClient
	timeout time.Duration
}

// NewRunner wraps an SSH connection. A timeout of zero means commands may
// run indefinitely.
func NewRunner(conn *ssh.Client, timeout time.Duration) *Runner {
	return newRunner(clientAdapter{c: conn}, timeout)
}

func newRunner(client sessionClient, timeout time.Duration) *Runner {
	return &Runner{client: client, timeout: timeout}
}

// Run executes a single command and returns its combined output and exit
// status. A non-zero exit is reported as an error; the result still carries
// whatever output the command produced.
func (r *Runner) Run(ctx context.Context, command string) (CommandResult, error) {
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("command", command).Msg("executing remote command")

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := r.client.NewSession()
		if err != nil {
			ch <- result{nil, fmt.Errorf("failed to open ssh session: %w", err)}
			return
		}
		defer sess.Close()
		out, err := sess.CombinedOutput(command)
		ch <- result{out, err}
	}()

	select {
	case res := <-ch:
		cr := CommandResult{
			Command:  command,
			Output:   string(res.out),
			ExitCode: exitStatus(res.err),
			Duration: time.Since(start),
		}
		if res.err != nil {
			return cr, fmt.Errorf("remote command %q failed: %w", command, res.err)
		}
		return cr, nil

	case <-ctx.Done():
		// The session goroutine is abandoned; the connection teardown at
		// the end of the deployment reaps it.
		cr := CommandResult{
			Command:  command,
			ExitCode: -1,
			Duration: time.Since(start),
		}
		return cr, fmt.Errorf("remote command %q timed out: %w", command, ctx.Err())
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// ShellQuote quotes s for a POSIX shell. Strings made only of safe
// characters pass through untouched; anything else is single-quoted with
// embedded single quotes escaped.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return true
		}
		switch r {
		case '-', '_', '.', '/', '@', ':', ',', '+', '=':
			return true
		}
		return false
	}
	if !strings.ContainsFunc(s, func(r rune) bool { return !safe(r) }) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
