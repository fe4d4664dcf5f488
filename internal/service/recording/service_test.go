package recording

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/notify"
	"carelink-backend/internal/pubsub"
	apperrors "carelink-backend/pkg/errors"
)

// MockCallGetter is a mock implementation of CallGetter
type MockCallGetter struct {
	mock.Mock
}

func (m *MockCallGetter) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

// MockRecordingRepository is a mock implementation of RecordingRepository
type MockRecordingRepository struct {
	mock.Mock
}

func (m *MockRecordingRepository) Create(ctx context.Context, rec *domain.CallRecording) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRecordingRepository) GetByID(ctx context.Context, recordingID uuid.UUID) (*domain.CallRecording, error) {
	args := m.Called(ctx, recordingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecording), args.Error(1)
}

func (m *MockRecordingRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallRecording, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallRecording), args.Error(1)
}

func (m *MockRecordingRepository) ActiveByCall(ctx context.Context, callID uuid.UUID) (*domain.CallRecording, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecording), args.Error(1)
}

func (m *MockRecordingRepository) Stop(ctx context.Context, recordingID uuid.UUID) (*domain.CallRecording, error) {
	args := m.Called(ctx, recordingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecording), args.Error(1)
}

func (m *MockRecordingRepository) SetStorageRef(ctx context.Context, recordingID uuid.UUID, storageRef string) error {
	args := m.Called(ctx, recordingID, storageRef)
	return args.Error(0)
}

// MockBlobStore is a mock implementation of storage.BlobStore
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error) {
	args := m.Called(ctx, objectName, reader, size, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockBlobStore) PresignedGetURL(ctx context.Context, objectName string) (string, error) {
	args := m.Called(ctx, objectName)
	return args.String(0), args.Error(1)
}

func newTestService(calls CallGetter, recordings RecordingRepository, store *MockBlobStore, requireAll bool) (*Service, pubsub.Bus) {
	bus := pubsub.NewMemoryBus()
	return NewService(calls, recordings, store, notify.New(bus), Config{RequireAllConsent: requireAll}), bus
}

func recordableCall(callID, patientID, providerID uuid.UUID) *domain.Call {
	return &domain.Call{
		CallID:           callID,
		PatientID:        patientID,
		ProviderID:       providerID,
		Status:           domain.CallStatusConnected,
		RecordingEnabled: true,
	}
}

func TestStart(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, bus := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	var roomEvents []string
	_, err := bus.Subscribe(pubsub.CallTopic(callID), func(evt *pubsub.Event) {
		roomEvents = append(roomEvents, evt.Name)
	})
	require.NoError(t, err)

	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)
	mockRecordings.On("ActiveByCall", mock.Anything, callID).Return(nil, nil)
	mockRecordings.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallRecording")).Return(nil)

	rec, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               providerID,
		ConsentObtained:         true,
		ConsentedParticipantIDs: []uuid.UUID{patientID, providerID},
		ConsentMethod:           domain.ConsentMethodVerbal,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusRecording, rec.Status)
	assert.True(t, rec.ConsentObtained)
	assert.NotNil(t, rec.StartedAt)
	assert.Equal(t, []string{"recording-started"}, roomEvents)
	mockRecordings.AssertExpectations(t)
}

func TestStart_RequiresAllConsent(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)

	_, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               providerID,
		ConsentObtained:         true,
		ConsentedParticipantIDs: []uuid.UUID{providerID},
		ConsentMethod:           domain.ConsentMethodVerbal,
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConsentRequired))
	mockRecordings.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestStart_ConsentNotObtainedRejected(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)

	_, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               providerID,
		ConsentObtained:         false,
		ConsentedParticipantIDs: []uuid.UUID{patientID, providerID},
		ConsentMethod:           domain.ConsentMethodVerbal,
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConsentRequired))
	mockRecordings.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestStart_SingleConsentSufficesWhenNotRequired(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(mockCalls, mockRecordings, new(MockBlobStore), false)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)
	mockRecordings.On("ActiveByCall", mock.Anything, callID).Return(nil, nil)
	mockRecordings.On("Create", mock.Anything, mock.AnythingOfType("*domain.CallRecording")).Return(nil)

	_, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               providerID,
		ConsentObtained:         true,
		ConsentedParticipantIDs: []uuid.UUID{providerID},
		ConsentMethod:           domain.ConsentMethodElectronic,
	})

	require.NoError(t, err)
	mockRecordings.AssertExpectations(t)
}

func TestStart_CallMustBeConnected(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:           callID,
		PatientID:        patientID,
		ProviderID:       providerID,
		Status:           domain.CallStatusRinging,
		RecordingEnabled: true,
	}, nil)

	_, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               patientID,
		ConsentObtained:         true,
		ConsentedParticipantIDs: []uuid.UUID{patientID, providerID},
		ConsentMethod:           domain.ConsentMethodVerbal,
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

func TestStart_SecondConcurrentRecordingRejected(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)
	mockRecordings.On("ActiveByCall", mock.Anything, callID).Return(&domain.CallRecording{
		RecordingID: uuid.New(),
		CallID:      callID,
		Status:      domain.RecordingStatusRecording,
	}, nil)

	_, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               patientID,
		ConsentObtained:         true,
		ConsentedParticipantIDs: []uuid.UUID{patientID, providerID},
		ConsentMethod:           domain.ConsentMethodWritten,
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	mockRecordings.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestStart_RecordingDisabledCall(t *testing.T) {
	mockCalls := new(MockCallGetter)
	service, _ := newTestService(mockCalls, new(MockRecordingRepository), new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: providerID,
		Status:     domain.CallStatusConnected,
	}, nil)

	_, err := service.Start(context.Background(), &StartInput{
		CallID:                  callID,
		StartedBy:               patientID,
		ConsentObtained:         true,
		ConsentedParticipantIDs: []uuid.UUID{patientID, providerID},
		ConsentMethod:           domain.ConsentMethodVerbal,
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestStop(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, bus := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()
	recordingID := uuid.New()
	now := time.Now()

	var roomEvents []string
	_, err := bus.Subscribe(pubsub.CallTopic(callID), func(evt *pubsub.Event) {
		roomEvents = append(roomEvents, evt.Name)
	})
	require.NoError(t, err)

	mockRecordings.On("GetByID", mock.Anything, recordingID).Return(&domain.CallRecording{
		RecordingID: recordingID,
		CallID:      callID,
		Status:      domain.RecordingStatusRecording,
	}, nil)
	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)
	mockRecordings.On("Stop", mock.Anything, recordingID).Return(&domain.CallRecording{
		RecordingID: recordingID,
		CallID:      callID,
		Status:      domain.RecordingStatusStopped,
		StoppedAt:   &now,
	}, nil)

	rec, err := service.Stop(context.Background(), recordingID, patientID)

	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusStopped, rec.Status)
	assert.Equal(t, []string{"recording-stopped"}, roomEvents)
}

func TestStopActiveForCall_NoActiveRecording(t *testing.T) {
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(new(MockCallGetter), mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	mockRecordings.On("ActiveByCall", mock.Anything, callID).Return(nil, nil)

	service.StopActiveForCall(context.Background(), callID)

	mockRecordings.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestAttachMedia(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	mockStore := new(MockBlobStore)
	service, _ := newTestService(mockCalls, mockRecordings, mockStore, true)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()
	recordingID := uuid.New()

	mockRecordings.On("GetByID", mock.Anything, recordingID).Return(&domain.CallRecording{
		RecordingID: recordingID,
		CallID:      callID,
		Status:      domain.RecordingStatusStopped,
	}, nil)
	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, providerID), nil)
	mockStore.On("Put", mock.Anything, mock.AnythingOfType("string"), mock.Anything, int64(4), "video/webm").
		Return("recordings/obj", nil)
	mockRecordings.On("SetStorageRef", mock.Anything, recordingID, "recordings/obj").Return(nil)

	rec, err := service.AttachMedia(context.Background(), recordingID, providerID, strings.NewReader("data"), 4, "video/webm")

	require.NoError(t, err)
	require.NotNil(t, rec.StorageRef)
	assert.Equal(t, "recordings/obj", *rec.StorageRef)
	mockStore.AssertExpectations(t)
}

func TestAttachMedia_RequiresStoppedRecording(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	mockStore := new(MockBlobStore)
	service, _ := newTestService(mockCalls, mockRecordings, mockStore, true)

	callID := uuid.New()
	patientID := uuid.New()
	recordingID := uuid.New()

	mockRecordings.On("GetByID", mock.Anything, recordingID).Return(&domain.CallRecording{
		RecordingID: recordingID,
		CallID:      callID,
		Status:      domain.RecordingStatusRecording,
	}, nil)
	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, uuid.New()), nil)

	_, err := service.AttachMedia(context.Background(), recordingID, patientID, strings.NewReader("data"), 4, "video/webm")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	mockStore.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMediaURL(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	mockStore := new(MockBlobStore)
	service, _ := newTestService(mockCalls, mockRecordings, mockStore, true)

	callID := uuid.New()
	patientID := uuid.New()
	recordingID := uuid.New()
	ref := "recordings/obj"

	mockRecordings.On("GetByID", mock.Anything, recordingID).Return(&domain.CallRecording{
		RecordingID: recordingID,
		CallID:      callID,
		Status:      domain.RecordingStatusStopped,
		StorageRef:  &ref,
	}, nil)
	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, patientID, uuid.New()), nil)
	mockStore.On("PresignedGetURL", mock.Anything, ref).Return("https://blobs.example/signed", nil)

	url, err := service.MediaURL(context.Background(), recordingID, patientID)

	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example/signed", url)
}

func TestGet_NonPartyRejected(t *testing.T) {
	mockCalls := new(MockCallGetter)
	mockRecordings := new(MockRecordingRepository)
	service, _ := newTestService(mockCalls, mockRecordings, new(MockBlobStore), true)

	callID := uuid.New()
	recordingID := uuid.New()

	mockRecordings.On("GetByID", mock.Anything, recordingID).Return(&domain.CallRecording{
		RecordingID: recordingID,
		CallID:      callID,
	}, nil)
	mockCalls.On("GetByID", mock.Anything, callID).Return(recordableCall(callID, uuid.New(), uuid.New()), nil)

	_, err := service.Get(context.Background(), recordingID, uuid.New())

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotCallParty))
}
