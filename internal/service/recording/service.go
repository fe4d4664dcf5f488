// Package recording manages recording attempts of connected calls, including
// the consent gate that protects clinical conversations. Recording rows are
// owned here; other services only read the recording_enabled flag on calls.
package recording

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/notify"
	"carelink-backend/internal/storage"
	apperrors "carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
)

// CallGetter is the read-only view of call state used for authorization
type CallGetter interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// RecordingRepository is the persistence surface for recording rows
type RecordingRepository interface {
	Create(ctx context.Context, rec *domain.CallRecording) error
	GetByID(ctx context.Context, recordingID uuid.UUID) (*domain.CallRecording, error)
	ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallRecording, error)
	ActiveByCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecording, error)
	Stop(ctx context.Context, recordingID uuid.UUID) (*domain.CallRecording, error)
	SetStorageRef(ctx context.Context, recordingID uuid.UUID, storageRef string) error
}

// Config holds recording service tunables
type Config struct {
	// RequireAllConsent demands consent from both parties before recording
	// starts. When false a single party's consent suffices.
	RequireAllConsent bool
}

// Service handles recording business logic
type Service struct {
	calls      CallGetter
	recordings RecordingRepository
	store      storage.BlobStore
	notifier   *notify.Notifier
	config     Config
}

// NewService creates a new recording service
func NewService(calls CallGetter, recordings RecordingRepository, store storage.BlobStore, notifier *notify.Notifier, config Config) *Service {
	return &Service{
		calls:      calls,
		recordings: recordings,
		store:      store,
		notifier:   notifier,
		config:     config,
	}
}

// StartInput contains recording start data
type StartInput struct {
	CallID                  uuid.UUID
	StartedBy               uuid.UUID
	ConsentObtained         bool
	ConsentedParticipantIDs []uuid.UUID
	ConsentMethod           domain.ConsentMethod
}

// Start begins a recording attempt on a connected call. Consent from the
// required parties must be captured first; who consented and how is kept on
// the recording row.
func (s *Service) Start(ctx context.Context, input *StartInput) (*domain.CallRecording, error) {
	call, err := s.calls.GetByID(ctx, input.CallID)
	if err != nil {
		return nil, err
	}
	if !call.IsParty(input.StartedBy) {
		return nil, apperrors.NotCallPartyError()
	}
	if call.Status != domain.CallStatusConnected {
		return nil, apperrors.ConflictError("Recording requires a connected call")
	}
	if !call.RecordingEnabled {
		return nil, apperrors.ForbiddenError("Recording is not enabled for this call")
	}

	if err := s.validateConsent(call, input); err != nil {
		return nil, err
	}

	if active, err := s.recordings.ActiveByCall(ctx, input.CallID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, apperrors.ConflictError("A recording is already in progress for this call")
	}

	now := time.Now()
	rec := &domain.CallRecording{
		RecordingID:             uuid.New(),
		CallID:                  input.CallID,
		StartedBy:               input.StartedBy,
		Status:                  domain.RecordingStatusRecording,
		ConsentObtained:         true,
		ConsentedParticipantIDs: input.ConsentedParticipantIDs,
		ConsentMethod:           input.ConsentMethod,
		StartedAt:               &now,
	}
	if err := s.recordings.Create(ctx, rec); err != nil {
		return nil, err
	}

	if err := s.notifier.ToRoom(ctx, input.CallID, "recording-started", map[string]any{
		"call_id":      input.CallID,
		"recording_id": rec.RecordingID,
		"started_by":   input.StartedBy,
	}); err != nil {
		logger.Warn("Failed to publish recording-started", zap.Error(err))
	}

	logger.Info("Recording started",
		zap.String("call_id", input.CallID.String()),
		zap.String("recording_id", rec.RecordingID.String()))

	return rec, nil
}

// Stop ends an in-progress recording. Either party may stop it.
func (s *Service) Stop(ctx context.Context, recordingID, userID uuid.UUID) (*domain.CallRecording, error) {
	rec, err := s.recordings.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	call, err := s.calls.GetByID(ctx, rec.CallID)
	if err != nil {
		return nil, err
	}
	if !call.IsParty(userID) {
		return nil, apperrors.NotCallPartyError()
	}

	rec, err = s.recordings.Stop(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	if err := s.notifier.ToRoom(ctx, rec.CallID, "recording-stopped", map[string]any{
		"call_id":      rec.CallID,
		"recording_id": rec.RecordingID,
		"stopped_by":   userID,
	}); err != nil {
		logger.Warn("Failed to publish recording-stopped", zap.Error(err))
	}

	logger.Info("Recording stopped",
		zap.String("call_id", rec.CallID.String()),
		zap.String("recording_id", rec.RecordingID.String()))

	return rec, nil
}

// StopActiveForCall stops the call's in-progress recording, if any. It runs
// as part of call teardown, so a call reaching a terminal state never leaves
// a recording running.
func (s *Service) StopActiveForCall(ctx context.Context, callID uuid.UUID) {
	active, err := s.recordings.ActiveByCall(ctx, callID)
	if err != nil {
		logger.Error("Failed to look up active recording on call teardown",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	if active == nil {
		return
	}

	if _, err := s.recordings.Stop(ctx, active.RecordingID); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeRecordingNotActive) {
			return
		}
		logger.Error("Failed to stop recording on call teardown",
			zap.String("call_id", callID.String()),
			zap.String("recording_id", active.RecordingID.String()),
			zap.Error(err))
	}
}

// AttachMedia uploads the recorded media for a stopped recording and stores
// the blob reference on the row.
func (s *Service) AttachMedia(ctx context.Context, recordingID, userID uuid.UUID, reader io.Reader, size int64, contentType string) (*domain.CallRecording, error) {
	rec, err := s.recordings.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	call, err := s.calls.GetByID(ctx, rec.CallID)
	if err != nil {
		return nil, err
	}
	if !call.IsParty(userID) {
		return nil, apperrors.NotCallPartyError()
	}
	if rec.Status != domain.RecordingStatusStopped {
		return nil, apperrors.ConflictError("Media can only be attached to a stopped recording")
	}

	objectName := fmt.Sprintf("recordings/%s/%s", rec.CallID, rec.RecordingID)
	ref, err := s.store.Put(ctx, objectName, reader, size, contentType)
	if err != nil {
		return nil, apperrors.StorageError(err)
	}

	if err := s.recordings.SetStorageRef(ctx, recordingID, ref); err != nil {
		return nil, err
	}
	rec.StorageRef = &ref

	return rec, nil
}

// Get retrieves one recording for a party of its call
func (s *Service) Get(ctx context.Context, recordingID, userID uuid.UUID) (*domain.CallRecording, error) {
	rec, err := s.recordings.GetByID(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizedCall(ctx, rec.CallID, userID); err != nil {
		return nil, err
	}
	return rec, nil
}

// List retrieves all recording attempts of a call for one of its parties
func (s *Service) List(ctx context.Context, callID, userID uuid.UUID) ([]*domain.CallRecording, error) {
	if _, err := s.authorizedCall(ctx, callID, userID); err != nil {
		return nil, err
	}
	return s.recordings.ListByCall(ctx, callID)
}

// MediaURL returns a time-limited download URL for a recording's stored media
func (s *Service) MediaURL(ctx context.Context, recordingID, userID uuid.UUID) (string, error) {
	rec, err := s.Get(ctx, recordingID, userID)
	if err != nil {
		return "", err
	}
	if rec.StorageRef == nil {
		return "", apperrors.NotFoundError("Recording media")
	}

	url, err := s.store.PresignedGetURL(ctx, *rec.StorageRef)
	if err != nil {
		return "", apperrors.StorageError(err)
	}
	return url, nil
}

func (s *Service) authorizedCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParty(userID) {
		return nil, apperrors.NotCallPartyError()
	}
	return call, nil
}

func (s *Service) validateConsent(call *domain.Call, input *StartInput) error {
	switch input.ConsentMethod {
	case domain.ConsentMethodVerbal, domain.ConsentMethodWritten, domain.ConsentMethodElectronic:
	default:
		return apperrors.InvalidInputError("Consent method must be verbal, written or electronic")
	}
	if !input.ConsentObtained || len(input.ConsentedParticipantIDs) == 0 {
		return apperrors.ConsentRequiredError("Recording requires participant consent")
	}

	consented := make(map[uuid.UUID]bool, len(input.ConsentedParticipantIDs))
	for _, id := range input.ConsentedParticipantIDs {
		if !call.IsParty(id) {
			return apperrors.InvalidInputError("Consented participant is not a party of this call")
		}
		consented[id] = true
	}

	if s.config.RequireAllConsent {
		for _, partyID := range call.Parties() {
			if !consented[partyID] {
				return apperrors.ConsentRequiredError("Recording requires consent from all participants")
			}
		}
	}

	return nil
}
