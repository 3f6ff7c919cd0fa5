package archive

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/savaki/ftp-deployer/internal/errors"
)

// SigningKeyName is the vault entry holding the base64-encoded signing seed
const SigningKeyName = "server/ARCHIVE_SIGNING_KEY"

// Signer signs release manifests so a rollback can prove the archive it is
// about to restore is the one the release recorded.
type Signer struct {
	priv ed25519.PrivateKey
}

// GenerateSeed returns a fresh signing seed, suitable for storing in the
// vault.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	return seed, nil
}

// NewSigner derives the signing key from a seed
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign signs the encoded manifest
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// PublicKey returns the verification key
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Verify checks a manifest signature against the verification key
func Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("verification key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if !ed25519.Verify(pub, data, sig) {
		return errors.ErrSignatureMismatch
	}
	return nil
}
