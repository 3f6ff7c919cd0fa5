package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/savaki/ftp-deployer/internal/dao/releasedao"
	"github.com/savaki/ftp-deployer/internal/trigger"
	"github.com/savaki/gox/slicex"
)

// GitHub caps webhook payloads at 25 MB, push events are far smaller
const maxWebhookBody = 5 << 20

// WebhookResponse reports the releases a delivery queued
type WebhookResponse struct {
	Status   string   `json:"status"`
	Releases []string `json:"releases,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// handleWebhook accepts GitHub push deliveries. The HMAC signature is
// checked against the raw body before the payload is parsed, unsigned or
// mis-signed requests learn nothing about the payload handling.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := trigger.VerifySignature(h.webhookSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		logger.Warn().
			Err(err).
			Str("delivery", r.Header.Get("X-GitHub-Delivery")).
			Msg("Webhook signature rejected")
		h.errorResponse(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "push" {
		h.jsonResponse(w, http.StatusOK, WebhookResponse{
			Status: "ignored",
			Reason: fmt.Sprintf("event %q not handled", event),
		})
		return
	}

	pushEvent, err := trigger.ParsePushEvent(body)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.dispatcher.Dispatch(r.Context(), pushEvent)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to dispatch push event")
		h.errorResponse(w, http.StatusInternalServerError, "failed to dispatch push event")
		return
	}

	if len(records) == 0 {
		h.jsonResponse(w, http.StatusOK, WebhookResponse{
			Status: "ignored",
			Reason: "no site deploys this branch",
		})
		return
	}

	ids := slicex.Map(records, func(record releasedao.Record) string {
		return record.GetID().String()
	})
	h.jsonResponse(w, http.StatusAccepted, WebhookResponse{Status: "queued", Releases: ids})
}
