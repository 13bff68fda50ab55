package model

type PairingStatus string

const (
	PairingStatusPending       PairingStatus = "pending"
	PairingStatusAuthenticated PairingStatus = "authenticated"
	PairingStatusExpired       PairingStatus = "expired"
)
