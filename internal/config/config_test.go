package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", c.Addr)
	assert.Equal(t, 30*time.Second, c.DialTimeout)
	assert.Equal(t, 10*time.Minute, c.CommandTimeout)
	assert.Equal(t, "releases", c.ArchivePrefix)
	assert.True(t, strings.HasSuffix(c.Home, ".ftp-deployer"))
	assert.False(t, c.ArchiveConfig().Enabled())
}

func TestLoad_Environment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FTP_DEPLOYER_HOME", dir)
	t.Setenv("FTP_DEPLOYER_ADDR", "0.0.0.0:9000")
	t.Setenv("FTP_DEPLOYER_DIAL_TIMEOUT", "5s")
	t.Setenv("FTP_DEPLOYER_ALLOWED_EMAILS", "ops@example.com,dev@example.com")
	t.Setenv("FTP_DEPLOYER_ARCHIVE_BUCKET", "releases")
	t.Setenv("FTP_DEPLOYER_ARCHIVE_ENDPOINT", "http://127.0.0.1:9090")
	t.Setenv("FTP_DEPLOYER_ARCHIVE_PATH_STYLE", "true")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, c.Home)
	assert.Equal(t, "0.0.0.0:9000", c.Addr)
	assert.Equal(t, 5*time.Second, c.DialTimeout)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, c.AllowedEmails)
	assert.Equal(t, filepath.Join(dir, "deployer.db"), c.DBPath())
	assert.Equal(t, filepath.Join(dir, "vault.json"), c.VaultPath())

	ac := c.ArchiveConfig()
	assert.True(t, ac.Enabled())
	assert.Equal(t, "releases", ac.Bucket)
	assert.Equal(t, "http://127.0.0.1:9090", ac.Endpoint)
	assert.True(t, ac.UsePathStyle)
}

func TestCallbackURL(t *testing.T) {
	testCases := map[string]struct {
		addr    string
		baseURL string
		want    string
	}{
		"default addr": {
			addr: "127.0.0.1:8080",
			want: "http://127.0.0.1:8080/oauth/callback",
		},
		"base url": {
			addr:    "127.0.0.1:8080",
			baseURL: "https://deploy.example.com",
			want:    "https://deploy.example.com/oauth/callback",
		},
		"base url with trailing slash": {
			addr:    "127.0.0.1:8080",
			baseURL: "https://deploy.example.com/",
			want:    "https://deploy.example.com/oauth/callback",
		},
	}

	for label, tc := range testCases {
		t.Run(label, func(t *testing.T) {
			c := Config{Addr: tc.addr, BaseURL: tc.baseURL}
			assert.Equal(t, tc.want, c.CallbackURL())
		})
	}
}
