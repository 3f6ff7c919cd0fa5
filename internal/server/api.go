package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/auth"
	"github.com/savaki/ftp-deployer/internal/errors"
	"github.com/savaki/ftp-deployer/internal/trigger"
)

// CreateReleaseRequest asks for a manual deployment of a registered site
type CreateReleaseRequest struct {
	Site       string `json:"site"`
	Env        string `json:"env"`
	Branch     string `json:"branch,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// CreateReleaseResponse returns the queued release
type CreateReleaseResponse struct {
	Release string `json:"release"`
	Status  string `json:"status"`
}

// handleCreateRelease triggers a deployment outside the push flow, mainly
// from CI with a bearer deploy token
func (h *Handler) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	actor, ok := h.apiActor(r)
	if !ok {
		h.errorResponse(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req CreateReleaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Site == "" || req.Env == "" {
		h.errorResponse(w, http.StatusBadRequest, "site and env are required")
		return
	}

	record, err := h.dispatcher.DispatchManual(r.Context(), trigger.ManualInput{
		Site:       req.Site,
		Env:        req.Env,
		Branch:     req.Branch,
		CommitHash: req.CommitHash,
		Actor:      actor,
	})
	if errors.Is(err, errors.ErrSiteNotFound) {
		h.errorResponse(w, http.StatusNotFound, "site is not registered")
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("site", req.Site).Str("env", req.Env).Msg("Failed to create release")
		h.errorResponse(w, http.StatusInternalServerError, "failed to create release")
		return
	}

	h.jsonResponse(w, http.StatusAccepted, CreateReleaseResponse{
		Release: record.GetID().String(),
		Status:  string(record.Status),
	})
}

// apiActor authenticates an API request and names its initiator. Bearer
// deploy tokens are tried first, then the browser session.
func (h *Handler) apiActor(r *http.Request) (string, bool) {
	if raw, ok := auth.BearerToken(r); ok {
		if h.tokens == nil {
			return "", false
		}
		subject, err := h.tokens.Verify(raw)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Deploy token rejected")
			return "", false
		}
		return subject, true
	}

	if profile, ok := h.authenticator.SessionProfile(r); ok {
		return profile.Email, true
	}

	if h.authenticator.IsNoOp() {
		return "local", true
	}

	return "", false
}
