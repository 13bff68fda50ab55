package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/prepdesk/qr-auth-server-go/internal/audit"
	apperrors "github.com/prepdesk/qr-auth-server-go/internal/errors"
	"github.com/prepdesk/qr-auth-server-go/internal/service"
	"github.com/prepdesk/qr-auth-server-go/internal/util"
)

type AuthHandler struct {
	authService *service.AuthService
}

func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid JSON body"))
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" {
		writeError(w, apperrors.MissingRequired("email"))
		return
	}
	if !util.IsValidEmail(req.Email) {
		writeError(w, apperrors.InvalidInput("email", "not a valid address"))
		return
	}
	if req.Password == "" {
		writeError(w, apperrors.MissingRequired("password"))
		return
	}

	result, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeInvalidCredentials {
			audit.LogFromRequest(r, audit.Event{
				Type: audit.EventLoginFailure,
				Details: map[string]interface{}{
					"email": req.Email,
				},
			})
		} else {
			log.Error().Err(err).Msg("login failed")
		}
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:   audit.EventLoginSuccess,
		UserID: result.User.ID,
	})

	writeJSON(w, http.StatusOK, result)
}
