package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/secrets"
)

// SessionKeysName is the vault entry holding the rotated session keys. The
// value is a JSON array of versions ordered newest first.
const SessionKeysName = "server/SESSION_KEYS"

// maxSessionKeyVersions bounds the rotation list: the newest key signs new
// session cookies, the older ones keep previously issued cookies readable.
const maxSessionKeyVersions = 3

// SecretVersion represents a single rotated key version
type SecretVersion struct {
	Secret    string `json:"secret"`
	Timestamp string `json:"timestamp"`
}

// SessionKeyService provides session encryption keys from the secrets vault
type SessionKeyService struct {
	source   secrets.Source
	onceFunc func() ([][]byte, error)
}

// NewSessionKeyService creates a new session key service
func NewSessionKeyService(source secrets.Source) *SessionKeyService {
	s := &SessionKeyService{source: source}

	// Keys are fetched once per process; restarting the server picks up
	// rotated keys.
	s.onceFunc = sync.OnceValues(func() ([][]byte, error) {
		return s.fetchSessionKeys(context.Background())
	})

	return s
}

// GetSessionKeys returns the current session encryption keys, newest first
func (s *SessionKeyService) GetSessionKeys(ctx context.Context) ([][]byte, error) {
	return s.onceFunc()
}

func (s *SessionKeyService) fetchSessionKeys(ctx context.Context) ([][]byte, error) {
	logger := zerolog.Ctx(ctx)

	value, err := s.source.GetSecret(ctx, SessionKeysName)
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", SessionKeysName, err)
	}

	// Parse the secret JSON (array of versions)
	var versions []SecretVersion
	if err := json.Unmarshal([]byte(value), &versions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret versions: %w", err)
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("no secret versions found in %s", SessionKeysName)
	}

	keys := make([][]byte, 0, len(versions))
	for i, version := range versions {
		decoded, err := base64.StdEncoding.DecodeString(version.Secret)
		if err != nil {
			logger.Warn().
				Int("index", i).
				Str("timestamp", version.Timestamp).
				Err(err).
				Msg("Failed to decode secret version, skipping")
			continue
		}

		// Validate key length (should be 32 bytes for AES-256)
		if len(decoded) != 32 {
			logger.Warn().
				Int("index", i).
				Int("length", len(decoded)).
				Str("timestamp", version.Timestamp).
				Msg("Secret version has invalid length, skipping")
			continue
		}

		keys = append(keys, decoded)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no valid session keys found in %s", SessionKeysName)
	}

	logger.Info().Int("key_count", len(keys)).Msg("Loaded session keys")

	return keys, nil
}

// RotateSessionKeys generates a fresh 256-bit key and prepends it to the
// rotation list in the vault. Existing entries that are not valid base64 or
// not 32 bytes are discarded, and only the newest versions are kept, so
// sessions bound to retired keys expire naturally.
func RotateSessionKeys(vault *secrets.Vault) ([]SecretVersion, error) {
	newSecret, err := generateSessionKey()
	if err != nil {
		return nil, err
	}

	var versions []SecretVersion
	current, err := vault.Get(SessionKeysName)
	switch {
	case errors.Is(err, errors.ErrSecretNotFound):
		// first rotation starts fresh
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal([]byte(current), &versions); err != nil {
			// corrupt value gets overwritten
			versions = nil
		}
	}

	valid := versions[:0]
	for _, v := range versions {
		decoded, err := base64.StdEncoding.DecodeString(v.Secret)
		if err != nil || len(decoded) != 32 {
			continue
		}
		valid = append(valid, v)
	}

	versions = append([]SecretVersion{{
		Secret:    newSecret,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}, valid...)
	if len(versions) > maxSessionKeyVersions {
		versions = versions[:maxSessionKeyVersions]
	}

	data, err := json.Marshal(versions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secret versions: %w", err)
	}
	if err := vault.Set(SessionKeysName, string(data)); err != nil {
		return nil, err
	}

	return versions, nil
}

func generateSessionKey() (string, error) {
	// 256 bits (32 bytes) of secure random data
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
