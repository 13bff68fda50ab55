package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/prepdesk/qr-auth-server-go/internal/errors"
	"github.com/prepdesk/qr-auth-server-go/internal/model"
	"github.com/prepdesk/qr-auth-server-go/internal/repository"
	"github.com/prepdesk/qr-auth-server-go/internal/util"
)

const tokenIssuer = "prepdesk-qr-auth"

type LoginResult struct {
	AccessToken string      `json:"accessToken"`
	ExpiresIn   int         `json:"expiresIn"`
	User        *model.User `json:"user"`
}

type AuthService struct {
	userRepo  repository.UserRepository
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewAuthService(userRepo repository.UserRepository, jwtSecret string, tokenTTL time.Duration) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

// Login checks email/password and mints a signed access token for the
// mobile client. Failures are reported uniformly to avoid leaking whether
// the email exists.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if user == nil || !util.CheckPasswordHash(password, user.PasswordHash) {
		log.Warn().Str("email", email).Msg("login failed")
		return nil, apperrors.InvalidCredentials()
	}

	token, err := s.mintToken(user)
	if err != nil {
		return nil, apperrors.Internal("Failed to issue access token").WithCause(err)
	}

	log.Info().Str("userId", user.ID).Msg("user logged in")

	return &LoginResult{
		AccessToken: token,
		ExpiresIn:   int(s.tokenTTL.Seconds()),
		User:        user,
	}, nil
}

func (s *AuthService) mintToken(user *model.User) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyToken validates an access token and returns the user it belongs to.
func (s *AuthService) VerifyToken(ctx context.Context, tokenString string) (*model.User, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired()
		}
		return nil, apperrors.InvalidToken("Access token is invalid")
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, apperrors.InvalidToken("Access token is invalid")
	}

	user, err := s.userRepo.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.InvalidToken("Unknown user")
	}

	return user, nil
}
