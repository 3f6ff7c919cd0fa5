package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const testPassword = "hunter2"

type execResult struct {
	output string
	code   int
}

type sshServer struct {
	addr    string
	hostKey ssh.PublicKey
}

// startSSHServer runs an in-process SSH server on an ephemeral port. Exec
// requests are answered from the handlers map; unknown commands exit 127.
// Public key auth accepts clientKey (when non-nil), password auth accepts
// testPassword.
func startSSHServer(t *testing.T, clientKey ssh.PublicKey, handlers map[string]execResult) *sshServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if clientKey != nil && bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == testPassword {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, config, handlers)
		}
	}()

	return &sshServer{addr: ln.Addr().String(), hostKey: hostSigner.PublicKey()}
}

func serveSSHConn(raw net.Conn, config *ssh.ServerConfig, handlers map[string]execResult) {
	sconn, chans, reqs, err := ssh.NewServerConn(raw, config)
	if err != nil {
		_ = raw.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests, handlers)
	}
}

func serveSession(ch ssh.Channel, in <-chan *ssh.Request, handlers map[string]execResult) {
	defer ch.Close()
	for req := range in {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		res, ok := handlers[payload.Command]
		if !ok {
			res = execResult{output: "sh: " + payload.Command + ": command not found\n", code: 127}
		}
		_, _ = ch.Write([]byte(res.output))
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(res.code)}))
		return
	}
}

func testClientKey(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(block), sshPub
}

func TestDialSSH(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	ctx := context.Background()

	handlers := map[string]execResult{
		"php artisan config:cache":    {output: "Configuration cached successfully.\n", code: 0},
		"php artisan migrate --force": {output: "SQLSTATE[HY000]: General error\n", code: 1},
	}

	t.Run("key auth", func(t *testing.T) {
		keyPEM, pub := testClientKey(t)
		server := startSSHServer(t, pub, handlers)

		conn, err := DialSSH(ctx, SSHConfig{
			Host:            server.addr,
			User:            "deploy",
			PrivateKey:      keyPEM,
			InsecureHostKey: true,
		})
		require.NoError(t, err)
		defer conn.Close()

		runner := NewRunner(conn, 0)

		result, err := runner.Run(ctx, "php artisan config:cache")
		assert.Nil(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "Configuration cached successfully.\n", result.Output)

		// one session per command; the failing command still reports output
		result, err = runner.Run(ctx, "php artisan migrate --force")
		assert.NotNil(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, "SQLSTATE[HY000]: General error\n", result.Output)
	})

	t.Run("password auth", func(t *testing.T) {
		server := startSSHServer(t, nil, handlers)

		conn, err := DialSSH(ctx, SSHConfig{
			Host:            server.addr,
			User:            "deploy",
			Password:        testPassword,
			InsecureHostKey: true,
		})
		require.NoError(t, err)
		defer conn.Close()

		result, err := NewRunner(conn, 0).Run(ctx, "php artisan config:cache")
		assert.Nil(t, err)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		keyPEM, _ := testClientKey(t)
		_, otherPub := testClientKey(t)
		server := startSSHServer(t, otherPub, nil)

		_, err := DialSSH(ctx, SSHConfig{
			Host:            server.addr,
			User:            "deploy",
			PrivateKey:      keyPEM,
			InsecureHostKey: true,
		})
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "handshake")
	})

	t.Run("known hosts pins the host key", func(t *testing.T) {
		keyPEM, pub := testClientKey(t)
		server := startSSHServer(t, pub, handlers)

		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{server.addr}, server.hostKey)
		require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

		conn, err := DialSSH(ctx, SSHConfig{
			Host:           server.addr,
			User:           "deploy",
			PrivateKey:     keyPEM,
			KnownHostsFile: path,
		})
		require.NoError(t, err)
		defer conn.Close()
	})

	t.Run("known hosts rejects a changed key", func(t *testing.T) {
		keyPEM, pub := testClientKey(t)
		server := startSSHServer(t, pub, handlers)

		// pin a different host key than the one the server presents
		_, imposter := testClientKey(t)
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{server.addr}, imposter)
		require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

		_, err := DialSSH(ctx, SSHConfig{
			Host:           server.addr,
			User:           "deploy",
			PrivateKey:     keyPEM,
			KnownHostsFile: path,
		})
		assert.NotNil(t, err)

		var keyErr *knownhosts.KeyError
		assert.True(t, errors.As(err, &keyErr))
	})

	t.Run("missing known hosts file", func(t *testing.T) {
		keyPEM, _ := testClientKey(t)

		_, err := DialSSH(ctx, SSHConfig{
			Host:           "127.0.0.1:2222",
			User:           "deploy",
			PrivateKey:     keyPEM,
			KnownHostsFile: filepath.Join(t.TempDir(), "absent"),
		})
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "known_hosts")
	})

	t.Run("no auth configured", func(t *testing.T) {
		_, err := DialSSH(ctx, SSHConfig{
			Host:            "127.0.0.1:2222",
			User:            "deploy",
			InsecureHostKey: true,
		})
		assert.NotNil(t, err)
		assert.Contains(t, err.Error(), "no ssh auth methods")
	})
}
