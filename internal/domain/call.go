package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType represents type of call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus represents the lifecycle state of a call
type CallStatus string

const (
	CallStatusScheduled CallStatus = "scheduled"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusMissed    CallStatus = "missed"
	CallStatusFailed    CallStatus = "failed"
)

// callTransitions is the allowed state graph. Terminal states have no outgoing edges.
var callTransitions = map[CallStatus][]CallStatus{
	CallStatusScheduled: {CallStatusRinging, CallStatusCancelled},
	CallStatusRinging:   {CallStatusConnected, CallStatusCancelled, CallStatusMissed},
	CallStatusConnected: {CallStatusEnded, CallStatusFailed},
}

// IsTerminal reports whether no further transitions are valid from this status.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusCancelled, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state graph allows moving to next.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Call represents one negotiated session between exactly two clinical parties.
// Rows are created and mutated only by the call lifecycle service; the
// signaling router and quality monitor read it for authorization and write
// narrow metric fields through dedicated repository methods.
type Call struct {
	CallID        uuid.UUID  `json:"call_id"`
	RoomID        string     `json:"room_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	ProviderID    uuid.UUID  `json:"provider_id"`
	InitiatedBy   uuid.UUID  `json:"initiated_by"`
	CallType      CallType   `json:"call_type"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Status        CallStatus `json:"status"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	RecordingEnabled bool `json:"recording_enabled"`

	// QualitySnapshot holds the last reported metrics per participant user ID,
	// kept for post-call review.
	QualitySnapshot map[string]QualityMetrics `json:"quality_snapshot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsParty reports whether userID is one of the call's two authorized parties.
func (c *Call) IsParty(userID uuid.UUID) bool {
	return userID == c.PatientID || userID == c.ProviderID
}

// OtherParty returns the party opposite to userID. Callers must have verified
// IsParty first.
func (c *Call) OtherParty(userID uuid.UUID) uuid.UUID {
	if userID == c.PatientID {
		return c.ProviderID
	}
	return c.PatientID
}

// Parties returns both authorized party IDs.
func (c *Call) Parties() []uuid.UUID {
	return []uuid.UUID{c.PatientID, c.ProviderID}
}
