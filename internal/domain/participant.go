package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantStatus represents one party's connection state within a call
type ParticipantStatus string

const (
	ParticipantStatusJoining      ParticipantStatus = "joining"
	ParticipantStatusConnected    ParticipantStatus = "connected"
	ParticipantStatusDisconnected ParticipantStatus = "disconnected"
	ParticipantStatusReconnecting ParticipantStatus = "reconnecting"
	ParticipantStatusLeft         ParticipantStatus = "left"
)

// ParticipantRole distinguishes the two clinical parties
type ParticipantRole string

const (
	RolePatient  ParticipantRole = "patient"
	RoleProvider ParticipantRole = "provider"
)

// CallParticipant is one party's membership record within a call's lifetime.
// There is exactly one row per (call, user), not one per transport connection.
type CallParticipant struct {
	ID     uuid.UUID         `json:"id"`
	CallID uuid.UUID         `json:"call_id"`
	UserID uuid.UUID         `json:"user_id"`
	Role   ParticipantRole   `json:"role"`
	Status ParticipantStatus `json:"status"`

	VideoEnabled       bool `json:"video_enabled"`
	AudioEnabled       bool `json:"audio_enabled"`
	ScreenShareEnabled bool `json:"screen_share_enabled"`

	// ConnectionID is the current transport connection, nil when not connected.
	ConnectionID *string `json:"connection_id,omitempty"`

	DisconnectionCount   int        `json:"disconnection_count"`
	ReconnectionAttempts int        `json:"reconnection_attempts"`
	LastDisconnectedAt   *time.Time `json:"last_disconnected_at,omitempty"`

	JoinedAt             *time.Time `json:"joined_at,omitempty"`
	LeftAt               *time.Time `json:"left_at,omitempty"`
	ParticipationSeconds int        `json:"participation_seconds"`

	// Metrics is the last reported quality sample, nil before the first report.
	Metrics *QualityMetrics `json:"metrics,omitempty"`
}
