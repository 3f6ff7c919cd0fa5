package auth

// NewNoOpAuthenticator creates an Authenticator that bypasses all
// authentication. Only meant for local development; the nil oidcProvider
// doubles as the NoOp marker.
func NewNoOpAuthenticator() *Authenticator {
	return &Authenticator{}
}

// IsNoOp returns true if this is a NoOp authenticator
func (a *Authenticator) IsNoOp() bool {
	return a.oidcProvider == nil && a.oauthProvider == nil
}
