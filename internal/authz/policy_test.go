package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmailAllowlistPolicy(t *testing.T) {
	policy := &EmailAllowlistPolicy{Allowed: []string{"ops@example.com", "dev@example.com"}}

	t.Run("Allowed email", func(t *testing.T) {
		err := policy.Authorize(Profile{Sub: "auth0|123", Email: "ops@example.com"})
		assert.NoError(t, err)
	})

	t.Run("Case insensitive", func(t *testing.T) {
		err := policy.Authorize(Profile{Email: "Ops@Example.COM"})
		assert.NoError(t, err)
	})

	t.Run("Unknown email denied", func(t *testing.T) {
		err := policy.Authorize(Profile{Email: "intruder@example.com"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "intruder@example.com")
	})

	t.Run("Missing email denied", func(t *testing.T) {
		err := policy.Authorize(Profile{Sub: "auth0|123"})
		assert.Error(t, err)
	})
}

func TestAuthorizer(t *testing.T) {
	t.Run("Disabled allows everyone", func(t *testing.T) {
		authorizer := NewEmailAllowlistAuthorizer(false, "ops@example.com")
		err := authorizer.Authorize(Profile{Email: "anyone@example.com"})
		assert.NoError(t, err)
	})

	t.Run("Enabled enforces the policy", func(t *testing.T) {
		authorizer := NewEmailAllowlistAuthorizer(true, "ops@example.com")

		assert.NoError(t, authorizer.Authorize(Profile{Email: "ops@example.com"}))

		err := authorizer.Authorize(Profile{Email: "anyone@example.com"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "EmailAllowlist")
	})

	t.Run("Empty allowlist denies everyone", func(t *testing.T) {
		authorizer := NewEmailAllowlistAuthorizer(true)
		err := authorizer.Authorize(Profile{Email: "ops@example.com"})
		assert.Error(t, err)
	})
}
