package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savaki/ftp-deployer/internal/secrets"
)

func newVault(t *testing.T) *secrets.Vault {
	t.Helper()
	vault, err := secrets.Init(filepath.Join(t.TempDir(), "vault.json"), []byte("passphrase"))
	require.NoError(t, err)
	return vault
}

func TestRotateSessionKeys(t *testing.T) {
	vault := newVault(t)

	versions, err := RotateSessionKeys(vault)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	for i := 0; i < 3; i++ {
		versions, err = RotateSessionKeys(vault)
		require.NoError(t, err)
	}
	assert.Len(t, versions, 3)

	svc := NewSessionKeyService(secrets.NewVaultSource(vault))
	keys, err := svc.GetSessionKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, key := range keys {
		assert.Len(t, key, 32)
	}

	// newest key comes first
	newest, err := base64.StdEncoding.DecodeString(versions[0].Secret)
	require.NoError(t, err)
	assert.Equal(t, newest, keys[0])
}

func TestRotateSessionKeys_DiscardsInvalid(t *testing.T) {
	vault := newVault(t)

	valid := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	seed := fmt.Sprintf(`[{"secret":"not base64!","timestamp":"t0"},{"secret":%q,"timestamp":"t1"},{"secret":"c2hvcnQ=","timestamp":"t2"}]`, valid)
	require.NoError(t, vault.Set(SessionKeysName, seed))

	versions, err := RotateSessionKeys(vault)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, valid, versions[1].Secret)
	assert.Equal(t, "t1", versions[1].Timestamp)
}

func TestSessionKeyService_MissingSecret(t *testing.T) {
	vault := newVault(t)

	svc := NewSessionKeyService(secrets.NewVaultSource(vault))
	_, err := svc.GetSessionKeys(context.Background())
	assert.Error(t, err)
}
