package server

import (
	_ "embed"
	"encoding/json"
	"net/http"

	"github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/auth"
	"github.com/savaki/ftp-deployer/internal/trigger"
	"go.uber.org/dig"
)

//go:embed graphiql.html
var graphiqlHTML string

// WebhookSecret is the shared secret GitHub signs webhook deliveries with.
// Empty when not configured, which rejects every delivery.
type WebhookSecret []byte

type Params struct {
	dig.In

	Schema        *graphql.Schema
	Authenticator *auth.Authenticator
	Tokens        *auth.TokenIssuer
	Dispatcher    *trigger.Dispatcher
	WebhookSecret WebhookSecret
	Logger        zerolog.Logger
}

// Handler serves the deployer's HTTP surface: the GitHub webhook, the
// GraphQL API with GraphiQL, the manual release API, and the login flow.
type Handler struct {
	schema        *graphql.Schema
	authenticator *auth.Authenticator
	tokens        *auth.TokenIssuer
	dispatcher    *trigger.Dispatcher
	webhookSecret []byte
	logger        zerolog.Logger
}

// New creates a new Handler with the required dependencies
func New(params Params) *Handler {
	return &Handler{
		schema:        params.Schema,
		authenticator: params.Authenticator,
		tokens:        params.Tokens,
		dispatcher:    params.Dispatcher,
		webhookSecret: params.WebhookSecret,
		logger:        params.Logger,
	}
}

// Router configures all HTTP routes
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated routes: health, webhook (verifies its own HMAC)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /webhooks/github", h.handleWebhook)

	// Auth routes (no authentication required)
	mux.HandleFunc("GET /login", h.authenticator.HandleLogin)
	mux.HandleFunc("GET /logout", h.authenticator.HandleLogout)
	mux.HandleFunc("GET /oauth/callback", h.authenticator.HandleCallback)

	// GraphQL endpoints (authentication required - API mode: 403 on failure)
	// GET /graphql serves the GraphiQL interface
	// POST /graphql handles GraphQL queries
	requireAuthAPI := h.authenticator.RequireAuth(false)
	mux.Handle("GET /graphql", requireAuthAPI(http.HandlerFunc(h.handleGraphiQL)))
	mux.Handle("POST /graphql", requireAuthAPI(&relay.Handler{Schema: h.schema}))

	// Manual release trigger, accepts a bearer deploy token or a session
	mux.HandleFunc("POST /api/releases", h.handleCreateRelease)

	mux.HandleFunc("GET /{$}", h.handleIndex)

	return loggingMiddleware(h.logger)(mux)
}

// handleHealth reports liveness
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIndex sends browsers to the GraphiQL console
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/graphql", http.StatusFound)
}

// handleGraphiQL serves the GraphiQL interface
func (h *Handler) handleGraphiQL(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(graphiqlHTML))
}

// ErrorResponse is the JSON shape of error replies
type ErrorResponse struct {
	Error string `json:"error"`
}

// jsonResponse writes a JSON response
func (h *Handler) jsonResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// errorResponse writes an error JSON response
func (h *Handler) errorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.jsonResponse(w, statusCode, ErrorResponse{Error: message})
}
