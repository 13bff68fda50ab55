package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/prepdesk/qr-auth-server-go/internal/audit"
	apperrors "github.com/prepdesk/qr-auth-server-go/internal/errors"
	"github.com/prepdesk/qr-auth-server-go/internal/middleware"
	"github.com/prepdesk/qr-auth-server-go/internal/service"
)

type QRHandler struct {
	pairingService *service.PairingService
}

func NewQRHandler(pairingService *service.PairingService) *QRHandler {
	return &QRHandler{
		pairingService: pairingService,
	}
}

// POST /api/qr/generate
func (h *QRHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.pairingService.CreateSession(ctx, audit.GetClientIP(r))
	if err != nil {
		log.Error().Err(err).Msg("failed to create pairing session")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventPairingCreate,
		SessionID: result.SessionID,
	})

	writeJSON(w, http.StatusOK, result)
}

// GET /api/qr/status/{sessionID}
func (h *QRHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionID"))
		return
	}

	result, err := h.pairingService.GetStatus(r.Context(), sessionID)
	if err != nil {
		if code := apperrors.GetCode(err); code != apperrors.ErrCodeSessionNotFound {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to get pairing status")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type authenticateRequest struct {
	QRString string `json:"qrString"`
}

// POST /api/qr/authenticate — mobile side, requires bearer auth.
func (h *QRHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeError(w, apperrors.Unauthorized("Authentication required"))
		return
	}

	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid JSON body"))
		return
	}
	if req.QRString == "" {
		writeError(w, apperrors.MissingRequired("qrString"))
		return
	}

	result, err := h.pairingService.Authenticate(r.Context(), req.QRString, user.ID)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:   audit.EventPairingRejected,
			UserID: user.ID,
			Details: map[string]interface{}{
				"code": string(apperrors.GetCode(err)),
			},
		})
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:   audit.EventPairingComplete,
		UserID: user.ID,
	})

	writeJSON(w, http.StatusOK, result)
}
