package model

import "time"

// PairingSession links a web browser instance to a mobile app instance
// for delegated sign-in. The QR secret itself is never stored, only its hash.
type PairingSession struct {
	ID              string        `db:"id" json:"id"`
	QRSecretHash    string        `db:"qr_secret_hash" json:"-"`
	Status          PairingStatus `db:"status" json:"status"`
	UserID          *string       `db:"user_id" json:"userId,omitempty"`
	ClientIP        *string       `db:"client_ip" json:"-"`
	ExpiresAt       time.Time     `db:"expires_at" json:"expiresAt"`
	AuthenticatedAt *time.Time    `db:"authenticated_at" json:"authenticatedAt,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

type CreatePairingSessionParams struct {
	ID           string
	QRSecretHash string
	ClientIP     *string
	ExpiresAt    time.Time
}
