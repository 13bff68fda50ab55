package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/prepdesk/qr-auth-server-go/internal/errors"
	"github.com/prepdesk/qr-auth-server-go/internal/model"
	"github.com/prepdesk/qr-auth-server-go/internal/notify"
	"github.com/prepdesk/qr-auth-server-go/internal/repository"
	"github.com/prepdesk/qr-auth-server-go/internal/util"
)

const (
	qrScheme = "prepdesk"
	qrHost   = "pair"

	maxPendingPerIP = 20
)

type CreatePairingResult struct {
	SessionID string `json:"sessionId"`
	QRString  string `json:"qrString"`
	ExpiresIn int    `json:"expiresIn"`
	Status    string `json:"status"`
}

type PairingStatusResult struct {
	Status          model.PairingStatus `json:"status"`
	Authenticated   bool                `json:"authenticated"`
	User            *model.User         `json:"user,omitempty"`
	AuthenticatedAt *time.Time          `json:"authenticatedAt,omitempty"`
}

type PairingService struct {
	sessionRepo repository.PairingSessionRepository
	userRepo    repository.UserRepository
	broker      *notify.Broker
	ttl         time.Duration
}

func NewPairingService(
	sessionRepo repository.PairingSessionRepository,
	userRepo repository.UserRepository,
	broker *notify.Broker,
	ttl time.Duration,
) *PairingService {
	return &PairingService{
		sessionRepo: sessionRepo,
		userRepo:    userRepo,
		broker:      broker,
		ttl:         ttl,
	}
}

// CreateSession mints a new pending pairing session. The QR secret is
// returned inside the deep link only; the store keeps its hash.
func (s *PairingService) CreateSession(ctx context.Context, clientIP string) (*CreatePairingResult, error) {
	if clientIP != "" {
		pending, err := s.sessionRepo.CountPendingByIP(ctx, clientIP)
		if err != nil {
			return nil, apperrors.IssuerUnavailable(err)
		}
		if pending >= maxPendingPerIP {
			return nil, apperrors.RateLimitExceeded()
		}
	}

	secret, err := util.GenerateSecret()
	if err != nil {
		return nil, apperrors.IssuerUnavailable(err)
	}

	var ip *string
	if clientIP != "" {
		ip = &clientIP
	}

	session, err := s.sessionRepo.Create(ctx, model.CreatePairingSessionParams{
		ID:           uuid.NewString(),
		QRSecretHash: util.HashSecret(secret),
		ClientIP:     ip,
		ExpiresAt:    time.Now().Add(s.ttl),
	})
	if err != nil {
		return nil, apperrors.IssuerUnavailable(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("secret", util.MaskSecret(secret)).
		Time("expiresAt", session.ExpiresAt).
		Msg("pairing session created")

	return &CreatePairingResult{
		SessionID: session.ID,
		QRString:  EncodeQRPayload(session.ID, secret),
		ExpiresIn: int(s.ttl.Seconds()),
		Status:    string(model.PairingStatusPending),
	}, nil
}

// GetStatus reports the resolver view of a session. An expired pending
// session is indistinguishable from an unknown one.
func (s *PairingService) GetStatus(ctx context.Context, sessionID string) (*PairingStatusResult, error) {
	if !util.IsValidUUID(sessionID) {
		return nil, apperrors.SessionNotFound()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.SessionNotFound()
	}

	if session.Status == model.PairingStatusPending && time.Now().After(session.ExpiresAt) {
		if err := s.sessionRepo.MarkExpired(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session expired")
		}
		return nil, apperrors.SessionNotFound()
	}

	result := &PairingStatusResult{
		Status:          session.Status,
		Authenticated:   session.Status == model.PairingStatusAuthenticated,
		AuthenticatedAt: session.AuthenticatedAt,
	}

	if session.Status == model.PairingStatusAuthenticated && session.UserID != nil {
		user, err := s.userRepo.FindByID(ctx, *session.UserID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		result.User = user
	}

	return result, nil
}

// Authenticate is called by a signed-in mobile client after scanning a QR
// code. The pending -> authenticated transition is guarded in SQL, so when
// two scans race only the first one wins.
func (s *PairingService) Authenticate(ctx context.Context, qrString, userID string) (*PairingStatusResult, error) {
	sessionID, secret, err := ParseQRPayload(qrString)
	if err != nil {
		return nil, apperrors.InvalidQRCode()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.SessionNotFound()
	}

	if !util.ConstantTimeEqual(util.HashSecret(secret), session.QRSecretHash) {
		log.Warn().Str("sessionId", sessionID).Msg("qr secret mismatch")
		return nil, apperrors.InvalidQRCode()
	}

	if session.Status == model.PairingStatusAuthenticated {
		return nil, apperrors.AlreadyAuthenticated()
	}

	if session.Status == model.PairingStatusExpired || time.Now().After(session.ExpiresAt) {
		return nil, apperrors.SessionNotFound()
	}

	won, err := s.sessionRepo.MarkAuthenticated(ctx, session.ID, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !won {
		return nil, apperrors.AlreadyAuthenticated()
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("userId", userID).
		Msg("pairing session authenticated")

	s.publishAuthenticated(ctx, session.ID, user)

	now := time.Now()
	return &PairingStatusResult{
		Status:          model.PairingStatusAuthenticated,
		Authenticated:   true,
		User:            user,
		AuthenticatedAt: &now,
	}, nil
}

func (s *PairingService) publishAuthenticated(ctx context.Context, sessionID string, user *model.User) {
	if s.broker == nil {
		return
	}

	data, err := json.Marshal(map[string]any{
		"sessionId":       sessionID,
		"user":            user,
		"authenticatedAt": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal pairing event")
		return
	}

	if err := s.broker.Publish(ctx, sessionID, notify.Event{
		Type: "authenticated",
		Data: data,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to publish pairing event")
	}
}

// EncodeQRPayload builds the deep link rendered as a QR code by the web client.
func EncodeQRPayload(sessionID, secret string) string {
	q := url.Values{}
	q.Set("sid", sessionID)
	q.Set("secret", secret)
	return fmt.Sprintf("%s://%s?%s", qrScheme, qrHost, q.Encode())
}

// ParseQRPayload extracts the session ID and secret from a scanned deep link.
func ParseQRPayload(qrString string) (sessionID, secret string, err error) {
	u, err := url.Parse(qrString)
	if err != nil {
		return "", "", fmt.Errorf("parse qr payload: %w", err)
	}

	if u.Scheme != qrScheme || u.Host != qrHost {
		return "", "", fmt.Errorf("unexpected qr payload scheme %q", u.Scheme)
	}

	q := u.Query()
	sessionID = q.Get("sid")
	secret = q.Get("secret")

	if !util.IsValidUUID(sessionID) || secret == "" {
		return "", "", fmt.Errorf("malformed qr payload")
	}

	return sessionID, secret, nil
}
