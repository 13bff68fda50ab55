package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/prepdesk/qr-auth-server-go/internal/config"
	"github.com/prepdesk/qr-auth-server-go/internal/model"
)

type PairingSessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.PairingSession, error)
	Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error)
	MarkAuthenticated(ctx context.Context, id string, userID string) (bool, error)
	MarkExpired(ctx context.Context, id string) error
	CountPendingByIP(ctx context.Context, ip string) (int, error)
	DeleteExpired(ctx context.Context) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingSessionRepository
}

// pairingDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type pairingDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type pairingSessionRepo struct {
	db pairingDB
}

func NewPairingSessionRepository(db *sqlx.DB) PairingSessionRepository {
	return &pairingSessionRepo{db: db}
}

func (r *pairingSessionRepo) WithTx(tx *sqlx.Tx) PairingSessionRepository {
	return &pairingSessionRepo{db: tx}
}

func (r *pairingSessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM pairing_sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *pairingSessionRepo) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO pairing_sessions (id, qr_secret_hash, client_ip, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.ID, params.QRSecretHash, params.ClientIP, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// MarkAuthenticated flips a pending session to authenticated. The status guard
// makes the transition one-way; it reports whether this call won the transition.
func (r *pairingSessionRepo) MarkAuthenticated(ctx context.Context, id string, userID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = 'authenticated',
			user_id = $2,
			authenticated_at = $3,
			updated_at = $3
		WHERE id = $1 AND status = 'pending' AND expires_at > NOW()
	`, id, userID, time.Now())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *pairingSessionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = 'expired',
			updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, time.Now())
	return err
}

func (r *pairingSessionRepo) CountPendingByIP(ctx context.Context, ip string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM pairing_sessions
		WHERE client_ip = $1 AND status = 'pending' AND expires_at > NOW()
	`, ip)
	return count, err
}

func (r *pairingSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	retentionCutoff := time.Now().Add(-config.AuthenticatedRetention)
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE (status = 'pending' AND expires_at < NOW())
		OR status = 'expired'
		OR (status = 'authenticated' AND authenticated_at < $1)
	`, retentionCutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
