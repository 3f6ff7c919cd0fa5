package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKeyName is the vault entry holding the deploy token signing key.
// It lives under the reserved "server" scope so it never collides with
// per-site secrets.
const TokenKeyName = "server/DEPLOY_TOKEN_KEY"

const tokenIssuerClaim = "ftp-deployer"

// TokenIssuer mints and verifies bearer deploy tokens. CI systems that
// cannot complete a browser login authenticate API calls with these
// instead of a session cookie.
type TokenIssuer struct {
	key []byte
}

// NewTokenIssuer wraps an HS256 signing key. Keys shorter than 32 bytes
// are rejected.
func NewTokenIssuer(key []byte) (*TokenIssuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("deploy token key must be at least 32 bytes, got %d", len(key))
	}
	return &TokenIssuer{key: key}, nil
}

// Issue signs a token for subject, valid for ttl from now.
func (t *TokenIssuer) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuerClaim,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign deploy token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer, and expiry, and returns the token
// subject.
func (t *TokenIssuer) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(token *jwt.Token) (interface{}, error) {
			return t.key, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuerClaim),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid deploy token: %w", err)
	}
	return claims.Subject, nil
}

// BearerToken extracts the bearer token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
