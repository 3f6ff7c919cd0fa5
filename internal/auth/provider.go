package auth

// Provider defines the interface for OAuth/OIDC providers. Different
// providers (Auth0, a generic OIDC issuer, etc.) implement this interface
// to supply provider-specific configuration and behavior.
type Provider interface {
	// GetIssuerURL returns the OIDC issuer URL for this provider.
	// This is used to discover the provider's OAuth2 endpoints.
	GetIssuerURL() string

	// GetLogoutURL returns the provider-specific logout URL.
	// clientID: OAuth client identifier
	// returnTo: URL to redirect to after logout
	GetLogoutURL(clientID, returnTo string) string

	// GetProviderType returns the provider type identifier (e.g., "auth0", "oidc").
	GetProviderType() string
}
