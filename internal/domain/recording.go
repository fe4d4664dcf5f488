package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents the recording attempt state machine
type RecordingStatus string

const (
	RecordingStatusNotStarted RecordingStatus = "not_started"
	RecordingStatusRecording  RecordingStatus = "recording"
	RecordingStatusStopped    RecordingStatus = "stopped"
)

// ConsentMethod describes how recording consent was captured
type ConsentMethod string

const (
	ConsentMethodVerbal     ConsentMethod = "verbal"
	ConsentMethodWritten    ConsentMethod = "written"
	ConsentMethodElectronic ConsentMethod = "electronic"
)

// CallRecording is one recording attempt of a call. A call may have several
// sequential recordings but at most one in RECORDING status at a time.
// Rows are owned exclusively by the recording service.
type CallRecording struct {
	RecordingID uuid.UUID       `json:"recording_id"`
	CallID      uuid.UUID       `json:"call_id"`
	StartedBy   uuid.UUID       `json:"started_by"`
	Status      RecordingStatus `json:"status"`

	ConsentObtained         bool          `json:"consent_obtained"`
	ConsentedParticipantIDs []uuid.UUID   `json:"consented_participant_ids"`
	ConsentMethod           ConsentMethod `json:"consent_method"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	// StorageRef is an opaque reference into the blob storage collaborator.
	StorageRef *string `json:"storage_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
