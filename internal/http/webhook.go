package http

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"budgetbuddy/internal/auth"
	"budgetbuddy/internal/log"
)

const (
	// HeaderWebhookSecret is set by Telegram on every webhook call when a
	// secret token was registered with setWebhook.
	HeaderWebhookSecret = "X-Telegram-Bot-Api-Secret-Token"

	maxUpdateBody = 1 << 20
)

type updateEnvelope struct {
	UpdateID *int64 `json:"update_id"`
}

// handleWebhook relays a Telegram update to the configured sink. Telegram
// retries non-2xx answers, so publish failures return 503.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContext(r.Context())

	if s.webhookSecret != "" {
		got := r.Header.Get(HeaderWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			logger.WarnContext(r.Context(), "Webhook secret mismatch")
			auth.WriteUnauthorized(w)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err != nil {
		BadRequestError("unreadable update").Write(w)
		return
	}
	var env updateEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.UpdateID == nil {
		BadRequestError("invalid update").Write(w)
		return
	}

	if s.updates == nil {
		logger.DebugContext(r.Context(), "Webhook update dropped, no sink configured",
			log.FieldUpdateID, *env.UpdateID)
	} else if err := s.updates.PublishUpdate(r.Context(), body); err != nil {
		logger.ErrorContext(r.Context(), "Failed to relay webhook update",
			log.FieldUpdateID, *env.UpdateID,
			log.FieldOperation, log.OpPublish,
			log.FieldError, err.Error())
		ServiceUnavailableError("update not accepted").Write(w)
		return
	}

	NewJSONResponse().Body(map[string]bool{"ok": true}).Write(w)
}
