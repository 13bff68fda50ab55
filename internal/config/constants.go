package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = time.Minute

// Pairing session TTL bounds
const (
	MinPairingTTLSeconds = 30
	MaxPairingTTLSeconds = 900
)

// Authenticated sessions are kept for this long after authentication so
// the resolver keeps answering late polls, then the cleanup job removes them.
const AuthenticatedRetention = time.Hour

// Rate limits
const (
	GenerateLimitPerIP       = 10
	GenerateLimitWindow      = time.Minute
	AuthenticateLimitPerUser = 30
	AuthenticateLimitWindow  = time.Minute
)
