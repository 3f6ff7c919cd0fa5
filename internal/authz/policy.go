package authz

import (
	"fmt"
	"strings"
)

// Profile represents user information needed for authorization.
// This mirrors the auth.Profile struct but keeps packages decoupled.
type Profile struct {
	Sub   string
	Name  string
	Email string
}

// Policy defines an authorization rule that can allow or deny access.
type Policy interface {
	// Authorize returns nil if the user is authorized, or an error if denied.
	Authorize(profile Profile) error
	// Name returns a human-readable name for this policy.
	Name() string
}

// EmailAllowlistPolicy restricts access to a fixed set of email addresses.
// A deployer for a handful of shared-hosting sites rarely needs more than a
// short operator list; identities resolving to an email outside the list are
// denied regardless of which OIDC provider they signed in with.
type EmailAllowlistPolicy struct {
	Allowed []string
}

// Name returns the policy name.
func (p *EmailAllowlistPolicy) Name() string {
	return "EmailAllowlist"
}

// Authorize checks the profile email against the allowlist, ignoring case.
func (p *EmailAllowlistPolicy) Authorize(profile Profile) error {
	if profile.Email == "" {
		return fmt.Errorf("access denied: identity has no email claim")
	}
	for _, allowed := range p.Allowed {
		if strings.EqualFold(profile.Email, allowed) {
			return nil
		}
	}
	return fmt.Errorf("access denied: email %s is not authorized", profile.Email)
}

// Authorizer manages a collection of authorization policies.
type Authorizer struct {
	policies []Policy
	enabled  bool
}

// NewAuthorizer creates a new authorizer with the given policies.
func NewAuthorizer(enabled bool, policies ...Policy) *Authorizer {
	return &Authorizer{
		policies: policies,
		enabled:  enabled,
	}
}

// Authorize runs all policies and returns an error if any policy denies access.
func (a *Authorizer) Authorize(profile Profile) error {
	if !a.enabled {
		return nil
	}

	for _, policy := range a.policies {
		if err := policy.Authorize(profile); err != nil {
			return fmt.Errorf("authorization policy %s failed: %w", policy.Name(), err)
		}
	}
	return nil
}

// NewEmailAllowlistAuthorizer creates a preconfigured authorizer for the
// common case of a plain operator email list. An enabled authorizer with an
// empty list denies everyone.
func NewEmailAllowlistAuthorizer(enabled bool, emails ...string) *Authorizer {
	return NewAuthorizer(enabled, &EmailAllowlistPolicy{Allowed: emails})
}
