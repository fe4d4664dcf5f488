// Package constants defines application-wide constants for timeouts, limits, and thresholds.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout is the per-message write deadline
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// DefaultRingTimeout is how long an unanswered RINGING call may ring
	// before it is automatically marked MISSED.
	DefaultRingTimeout = 60 * time.Second

	// DefaultMaxReconnectAttempts caps reconnection attempts per participant.
	DefaultMaxReconnectAttempts = 5
)

// Quality monitoring constants
const (
	// QualityPollInterval is the period of the per-participant stats poll
	QualityPollInterval = 10 * time.Second

	// PacketLossWarningPct is the packet-loss percentage above which a
	// high-packet-loss warning is raised.
	PacketLossWarningPct = 10.0

	// LatencyWarningMs is the latency in milliseconds above which a
	// high-latency warning is raised.
	LatencyWarningMs = 300.0
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 30 * 24 * time.Hour
)

// Presence constants
const (
	// PresenceTTL is how long a presence entry stays alive without refresh
	PresenceTTL = 5 * time.Minute
)

// Push notification constants
const (
	// PushTokenTTL is how long a device token set survives without re-registration
	PushTokenTTL = 30 * 24 * time.Hour
)

// Storage constants
const (
	// PresignedURLExpiry is the validity period for presigned recording URLs
	PresignedURLExpiry = 15 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
