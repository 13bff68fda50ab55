package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/prepdesk/qr-auth-server-go/internal/errors"
	"github.com/prepdesk/qr-auth-server-go/internal/model"
	"github.com/prepdesk/qr-auth-server-go/internal/repository"
	"github.com/prepdesk/qr-auth-server-go/internal/util"
)

// Mock repositories

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingSession), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingSession), args.Error(1)
}

func (m *mockSessionRepo) MarkAuthenticated(ctx context.Context, id string, userID string) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) MarkExpired(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSessionRepo) CountPendingByIP(ctx context.Context, ip string) (int, error) {
	args := m.Called(ctx, ip)
	return args.Int(0), args.Error(1)
}

func (m *mockSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.PairingSessionRepository {
	return m
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) Create(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

const testSessionID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
const testUserID = "f47ac10b-58cc-4372-a567-0e02b2c3d479"

func pendingSession(secret string) *model.PairingSession {
	return &model.PairingSession{
		ID:           testSessionID,
		QRSecretHash: util.HashSecret(secret),
		Status:       model.PairingStatusPending,
		ExpiresAt:    time.Now().Add(3 * time.Minute),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestQRPayload(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		qr := EncodeQRPayload(testSessionID, "deadbeef")
		sid, secret, err := ParseQRPayload(qr)
		require.NoError(t, err)
		assert.Equal(t, testSessionID, sid)
		assert.Equal(t, "deadbeef", secret)
	})

	t.Run("uses the app deep link scheme", func(t *testing.T) {
		qr := EncodeQRPayload(testSessionID, "deadbeef")
		assert.True(t, strings.HasPrefix(qr, "prepdesk://pair?"))
	})

	t.Run("rejects foreign schemes", func(t *testing.T) {
		_, _, err := ParseQRPayload("https://evil.example/pair?sid=" + testSessionID + "&secret=x")
		assert.Error(t, err)
	})

	t.Run("rejects missing secret", func(t *testing.T) {
		_, _, err := ParseQRPayload("prepdesk://pair?sid=" + testSessionID)
		assert.Error(t, err)
	})

	t.Run("rejects non-uuid session id", func(t *testing.T) {
		_, _, err := ParseQRPayload("prepdesk://pair?sid=nope&secret=x")
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, _, err := ParseQRPayload("://")
		assert.Error(t, err)
	})
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending session with QR payload", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("CountPendingByIP", ctx, "10.0.0.1").Return(0, nil)
		sessionRepo.On("Create", ctx, mock.MatchedBy(func(p model.CreatePairingSessionParams) bool {
			return util.IsValidUUID(p.ID) && p.QRSecretHash != "" && p.ExpiresAt.After(time.Now())
		})).Return(pendingSession("x"), nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		result, err := svc.CreateSession(ctx, "10.0.0.1")
		require.NoError(t, err)

		assert.Equal(t, testSessionID, result.SessionID)
		assert.Equal(t, "pending", result.Status)
		assert.Equal(t, 180, result.ExpiresIn)
		assert.Contains(t, result.QRString, "prepdesk://pair?")
		sessionRepo.AssertExpectations(t)
	})

	t.Run("stores the hash, not the secret", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		var storedHash string
		sessionRepo.On("CountPendingByIP", ctx, "10.0.0.1").Return(0, nil)
		sessionRepo.On("Create", ctx, mock.MatchedBy(func(p model.CreatePairingSessionParams) bool {
			storedHash = p.QRSecretHash
			return true
		})).Return(pendingSession("x"), nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		result, err := svc.CreateSession(ctx, "10.0.0.1")
		require.NoError(t, err)

		_, secret, err := ParseQRPayload(result.QRString)
		require.NoError(t, err)
		assert.NotEqual(t, secret, storedHash)
		assert.Equal(t, util.HashSecret(secret), storedHash)
	})

	t.Run("reports issuer unavailable when the store fails", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("CountPendingByIP", ctx, "10.0.0.1").Return(0, nil)
		sessionRepo.On("Create", ctx, mock.Anything).Return(nil, assert.AnError)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.CreateSession(ctx, "10.0.0.1")
		assert.Equal(t, apperrors.ErrCodeIssuerUnavailable, apperrors.GetCode(err))
	})

	t.Run("limits pending sessions per IP", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("CountPendingByIP", ctx, "10.0.0.1").Return(maxPendingPerIP, nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.CreateSession(ctx, "10.0.0.1")
		assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, apperrors.GetCode(err))
		sessionRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh session reports pending", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(pendingSession("x"), nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		status, err := svc.GetStatus(ctx, testSessionID)
		require.NoError(t, err)
		assert.Equal(t, model.PairingStatusPending, status.Status)
		assert.False(t, status.Authenticated)
		assert.Nil(t, status.User)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(nil, nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.GetStatus(ctx, testSessionID)
		assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))
	})

	t.Run("malformed session id is not found", func(t *testing.T) {
		svc := NewPairingService(new(mockSessionRepo), new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.GetStatus(ctx, "not-a-uuid")
		assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))
	})

	t.Run("expired pending session is not found and marked expired", func(t *testing.T) {
		session := pendingSession("x")
		session.ExpiresAt = time.Now().Add(-time.Minute)

		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(session, nil)
		sessionRepo.On("MarkExpired", ctx, testSessionID).Return(nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.GetStatus(ctx, testSessionID)
		assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))
		sessionRepo.AssertExpectations(t)
	})

	t.Run("authenticated session carries the user", func(t *testing.T) {
		now := time.Now()
		userID := testUserID
		session := pendingSession("x")
		session.Status = model.PairingStatusAuthenticated
		session.UserID = &userID
		session.AuthenticatedAt = &now

		user := &model.User{ID: testUserID, Email: "student@example.com"}

		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(session, nil)
		userRepo := new(mockUserRepo)
		userRepo.On("FindByID", ctx, testUserID).Return(user, nil)

		svc := NewPairingService(sessionRepo, userRepo, nil, 3*time.Minute)

		status, err := svc.GetStatus(ctx, testSessionID)
		require.NoError(t, err)
		assert.True(t, status.Authenticated)
		assert.Equal(t, model.PairingStatusAuthenticated, status.Status)
		require.NotNil(t, status.User)
		assert.Equal(t, testUserID, status.User.ID)
	})

	t.Run("authenticated session stays authenticated past its original TTL", func(t *testing.T) {
		userID := testUserID
		then := time.Now().Add(-10 * time.Minute)
		session := pendingSession("x")
		session.Status = model.PairingStatusAuthenticated
		session.UserID = &userID
		session.AuthenticatedAt = &then
		session.ExpiresAt = time.Now().Add(-7 * time.Minute)

		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(session, nil)
		userRepo := new(mockUserRepo)
		userRepo.On("FindByID", ctx, testUserID).Return(&model.User{ID: testUserID}, nil)

		svc := NewPairingService(sessionRepo, userRepo, nil, 3*time.Minute)

		status, err := svc.GetStatus(ctx, testSessionID)
		require.NoError(t, err)
		assert.True(t, status.Authenticated)
		sessionRepo.AssertNotCalled(t, "MarkExpired", mock.Anything, mock.Anything)
	})
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	secret := "deadbeefcafe"
	qr := EncodeQRPayload(testSessionID, secret)

	t.Run("flips a pending session and returns the user", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(pendingSession(secret), nil)
		sessionRepo.On("MarkAuthenticated", ctx, testSessionID, testUserID).Return(true, nil)
		userRepo := new(mockUserRepo)
		userRepo.On("FindByID", ctx, testUserID).Return(&model.User{ID: testUserID}, nil)

		svc := NewPairingService(sessionRepo, userRepo, nil, 3*time.Minute)

		result, err := svc.Authenticate(ctx, qr, testUserID)
		require.NoError(t, err)
		assert.True(t, result.Authenticated)
		require.NotNil(t, result.User)
		assert.Equal(t, testUserID, result.User.ID)
		sessionRepo.AssertExpectations(t)
	})

	t.Run("rejects a wrong secret", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(pendingSession("other-secret"), nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.Authenticate(ctx, qr, testUserID)
		assert.Equal(t, apperrors.ErrCodeInvalidQRCode, apperrors.GetCode(err))
		sessionRepo.AssertNotCalled(t, "MarkAuthenticated", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects a malformed payload", func(t *testing.T) {
		svc := NewPairingService(new(mockSessionRepo), new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.Authenticate(ctx, "not-a-qr-payload", testUserID)
		assert.Equal(t, apperrors.ErrCodeInvalidQRCode, apperrors.GetCode(err))
	})

	t.Run("rejects an unknown session", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(nil, nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.Authenticate(ctx, qr, testUserID)
		assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))
	})

	t.Run("rejects an expired session", func(t *testing.T) {
		session := pendingSession(secret)
		session.ExpiresAt = time.Now().Add(-time.Minute)

		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(session, nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.Authenticate(ctx, qr, testUserID)
		assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))
	})

	t.Run("second scan conflicts", func(t *testing.T) {
		userID := testUserID
		session := pendingSession(secret)
		session.Status = model.PairingStatusAuthenticated
		session.UserID = &userID

		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(session, nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.Authenticate(ctx, qr, "someone-else")
		assert.Equal(t, apperrors.ErrCodeAlreadyAuthenticated, apperrors.GetCode(err))
	})

	t.Run("losing the transition race conflicts", func(t *testing.T) {
		sessionRepo := new(mockSessionRepo)
		sessionRepo.On("FindByID", ctx, testSessionID).Return(pendingSession(secret), nil)
		sessionRepo.On("MarkAuthenticated", ctx, testSessionID, testUserID).Return(false, nil)

		svc := NewPairingService(sessionRepo, new(mockUserRepo), nil, 3*time.Minute)

		_, err := svc.Authenticate(ctx, qr, testUserID)
		assert.Equal(t, apperrors.ErrCodeAlreadyAuthenticated, apperrors.GetCode(err))
	})
}
