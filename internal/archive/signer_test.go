package archive

import (
	"testing"

	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestSignerRoundTrip(t *testing.T) {
	seed, err := GenerateSeed()
	assert.NoError(t, err)

	signer, err := NewSigner(seed)
	assert.NoError(t, err)

	data := []byte(`{"files":[{"path":"index.php"}]}`)
	sig := signer.Sign(data)

	err = Verify(signer.PublicKey(), data, sig)
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	seed, err := GenerateSeed()
	assert.NoError(t, err)
	signer, err := NewSigner(seed)
	assert.NoError(t, err)

	data := []byte("original manifest")
	sig := signer.Sign(data)

	err = Verify(signer.PublicKey(), []byte("tampered manifest"), sig)
	assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	seedA, err := GenerateSeed()
	assert.NoError(t, err)
	seedB, err := GenerateSeed()
	assert.NoError(t, err)

	signerA, err := NewSigner(seedA)
	assert.NoError(t, err)
	signerB, err := NewSigner(seedB)
	assert.NoError(t, err)

	data := []byte("manifest")
	sig := signerA.Sign(data)

	err = Verify(signerB.PublicKey(), data, sig)
	assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
}

func TestNewSignerSeedLength(t *testing.T) {
	_, err := NewSigner([]byte("short"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestVerifyBadKeyLength(t *testing.T) {
	err := Verify([]byte("stub"), []byte("data"), []byte("sig"))
	assert.Error(t, err)
}

func TestSignerDeterministicKey(t *testing.T) {
	seed, err := GenerateSeed()
	assert.NoError(t, err)

	a, err := NewSigner(seed)
	assert.NoError(t, err)
	b, err := NewSigner(seed)
	assert.NoError(t, err)

	// The seed lives in the vault; re-deriving the key must be stable across
	// process restarts.
	assert.Equal(t, a.PublicKey(), b.PublicKey())
}
