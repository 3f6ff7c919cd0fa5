package auth

// OIDCProvider implements the Provider interface for any standards-compliant
// OIDC issuer (Keycloak, Dex, Authentik, ...). Endpoints come entirely from
// the issuer's discovery document.
type OIDCProvider struct {
	Issuer string // issuer URL, e.g. "https://id.example.com/realms/deploy"
}

// GetIssuerURL returns the configured issuer URL verbatim. Discovery
// requires it to match the document's issuer field exactly, trailing slash
// included.
func (p *OIDCProvider) GetIssuerURL() string {
	return p.Issuer
}

// GetLogoutURL returns the post-logout redirect. Plain OIDC has no
// universally supported logout endpoint, so the session is cleared locally
// and the user lands back on the app.
func (p *OIDCProvider) GetLogoutURL(clientID, returnTo string) string {
	return returnTo
}

// GetProviderType returns "oidc".
func (p *OIDCProvider) GetProviderType() string {
	return "oidc"
}
