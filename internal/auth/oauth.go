package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/authz"
	"golang.org/x/oauth2"
)

const (
	sessionName = "deployer-session"
	stateKey    = "state"
	profileKey  = "profile" // stores full profile JSON
)

// Authenticator handles browser login against an OIDC provider and keeps the
// resulting profile in an encrypted session cookie.
type Authenticator struct {
	oidcProvider  *oidc.Provider
	oauthProvider Provider
	oauth2Config  oauth2.Config
	sessionStore  *sessions.CookieStore
	callbackURL   string
	authorizer    *authz.Authorizer // optional authorization policy enforcement
}

// Profile holds the identity claims the deployer cares about.
type Profile struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type AuthenticatorInput struct {
	Provider     Provider
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Authorizer   *authz.Authorizer
	SessionKeys  [][]byte
	IsLocalDev   bool // disables the Secure cookie flag for http://localhost
}

// NewAuthenticator discovers the provider's OAuth2 endpoints and prepares
// the session store. It fails when OIDC discovery against the issuer fails.
func NewAuthenticator(ctx context.Context, input AuthenticatorInput) (*Authenticator, error) {
	logger := zerolog.Ctx(ctx)

	issuerURL := input.Provider.GetIssuerURL()
	logger.Info().
		Str("provider_type", input.Provider.GetProviderType()).
		Str("issuer_url", issuerURL).
		Msg("Initializing OIDC provider")

	oidcProvider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider for %s: %w", issuerURL, err)
	}

	oauth2Config := oauth2.Config{
		ClientID:     input.ClientID,
		ClientSecret: input.ClientSecret,
		RedirectURL:  input.CallbackURL,
		Endpoint:     oidcProvider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	// Session keys rotate: the newest key encrypts, older keys still decrypt.
	sessionKeys := input.SessionKeys
	if len(sessionKeys) == 0 {
		logger.Warn().Msg("No session keys provided, generating ephemeral fallback key")
		fallbackKey := make([]byte, 32)
		if _, err := rand.Read(fallbackKey); err != nil {
			return nil, fmt.Errorf("failed to generate fallback session key: %w", err)
		}
		sessionKeys = [][]byte{fallbackKey}
	}
	sessionStore := sessions.NewCookieStore(sessionKeys...)

	// Secure cookies break plain-http local development
	isSecure := !input.IsLocalDev
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7, // 7 days
		HttpOnly: true,
		Secure:   isSecure,
		SameSite: http.SameSiteLaxMode,
	}

	logger.Info().
		Int("session_key_count", len(sessionKeys)).
		Str("provider_type", input.Provider.GetProviderType()).
		Bool("secure_cookies", isSecure).
		Msg("Authenticator initialized")

	return &Authenticator{
		oidcProvider:  oidcProvider,
		oauthProvider: input.Provider,
		oauth2Config:  oauth2Config,
		sessionStore:  sessionStore,
		callbackURL:   input.CallbackURL,
		authorizer:    input.Authorizer,
	}, nil
}

// generateState creates a random state value for CSRF protection
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HandleLogin redirects to the OAuth provider for authentication
func (a *Authenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if a.IsNoOp() {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	state, err := generateState()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to generate state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// A stale or undecryptable cookie just means a fresh session here
	session, _ := a.sessionStore.Get(r, sessionName)
	session.Values[stateKey] = state
	if err := session.Save(r, w); err != nil {
		logger.Error().Err(err).Msg("Failed to save session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	authURL := a.oauth2Config.AuthCodeURL(state)
	logger.Info().
		Str("provider", a.oauthProvider.GetProviderType()).
		Msg("Redirecting to OAuth provider for login")
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback handles the OAuth2 callback from the OAuth provider
func (a *Authenticator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if a.IsNoOp() {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	session, err := a.sessionStore.Get(r, sessionName)
	if err != nil {
		logger.Warn().Err(err).Msg("Session cookie error in callback, redirecting to login")
		http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
		return
	}

	storedState, ok := session.Values[stateKey].(string)
	if !ok || storedState == "" {
		logger.Error().Msg("State not found in session")
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != storedState {
		logger.Error().Msg("State mismatch")
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		logger.Error().Msg("Code not found in callback")
		http.Error(w, "Code not found", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), code)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to exchange code for token")
		http.Error(w, "Failed to exchange token", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		logger.Error().Msg("No id_token in token response")
		http.Error(w, "No id_token", http.StatusInternalServerError)
		return
	}

	verifier := a.oidcProvider.Verifier(&oidc.Config{ClientID: a.oauth2Config.ClientID})
	idToken, err := verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to verify ID token")
		http.Error(w, "Failed to verify token", http.StatusInternalServerError)
		return
	}

	var profile Profile
	if err := idToken.Claims(&profile); err != nil {
		logger.Error().Err(err).Msg("Failed to extract claims")
		http.Error(w, "Failed to extract profile", http.StatusInternalServerError)
		return
	}

	if a.authorizer != nil {
		authzProfile := authz.Profile{
			Sub:   profile.Sub,
			Name:  profile.Name,
			Email: profile.Email,
		}
		if err := a.authorizer.Authorize(authzProfile); err != nil {
			logger.Warn().
				Str("sub", profile.Sub).
				Str("email", profile.Email).
				Err(err).
				Msg("User authorization failed")
			http.Error(w, fmt.Sprintf("Access denied: %v", err), http.StatusForbidden)
			return
		}
	}

	profileJSON, err := json.Marshal(profile)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal profile")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	session.Values[profileKey] = string(profileJSON)
	delete(session.Values, stateKey)

	if err := session.Save(r, w); err != nil {
		logger.Error().Err(err).Msg("Failed to save session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	logger.Info().Str("sub", profile.Sub).Str("email", profile.Email).Msg("User authenticated successfully")
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// HandleLogout clears the session and redirects to the provider logout when
// the provider has one.
func (a *Authenticator) HandleLogout(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if a.IsNoOp() {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	session, _ := a.sessionStore.Get(r, sessionName)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		logger.Error().Err(err).Msg("Failed to clear session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	callbackURL, err := url.Parse(a.callbackURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to parse callback URL")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	returnTo := fmt.Sprintf("%s://%s", callbackURL.Scheme, callbackURL.Host)

	logoutURL := a.oauthProvider.GetLogoutURL(a.oauth2Config.ClientID, returnTo)
	logger.Info().
		Str("provider", a.oauthProvider.GetProviderType()).
		Msg("Logging out user")
	http.Redirect(w, r, logoutURL, http.StatusTemporaryRedirect)
}

// SessionProfile returns the authenticated profile stored in the request's
// session cookie. The second return is false for NoOp mode, anonymous
// requests, and undecryptable cookies.
func (a *Authenticator) SessionProfile(r *http.Request) (Profile, bool) {
	if a.IsNoOp() {
		return Profile{}, false
	}
	session, err := a.sessionStore.Get(r, sessionName)
	if err != nil {
		return Profile{}, false
	}
	profileJSON, ok := session.Values[profileKey].(string)
	if !ok || profileJSON == "" {
		return Profile{}, false
	}
	var profile Profile
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		return Profile{}, false
	}
	return profile, true
}
