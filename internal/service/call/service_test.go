package call

import (
	"context"
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
	"carelink-backend/pkg/push"
)

// MockCallRepository is a mock implementation of CallRepository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) Transition(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, to domain.CallStatus) (*domain.Call, error) {
	args := m.Called(ctx, callID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

// MockParticipantRepository is a mock implementation of ParticipantRepository
type MockParticipantRepository struct {
	mock.Mock
}

func (m *MockParticipantRepository) CreatePair(ctx context.Context, participants [2]*domain.CallParticipant) error {
	args := m.Called(ctx, participants)
	return args.Error(0)
}

func (m *MockParticipantRepository) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallParticipant), args.Error(1)
}

func (m *MockParticipantRepository) ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallParticipant), args.Error(1)
}

func (m *MockParticipantRepository) ListConnectedByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallParticipant, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallParticipant), args.Error(1)
}

func (m *MockParticipantRepository) SetJoined(ctx context.Context, callID, userID uuid.UUID, connectionID string) error {
	args := m.Called(ctx, callID, userID, connectionID)
	return args.Error(0)
}

func (m *MockParticipantRepository) SetStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error {
	args := m.Called(ctx, callID, userID, status)
	return args.Error(0)
}

func (m *MockParticipantRepository) SetLeft(ctx context.Context, callID, userID uuid.UUID) error {
	args := m.Called(ctx, callID, userID)
	return args.Error(0)
}

func (m *MockParticipantRepository) CloseForCall(ctx context.Context, callID uuid.UUID) error {
	args := m.Called(ctx, callID)
	return args.Error(0)
}

func (m *MockParticipantRepository) MarkDisconnected(ctx context.Context, callID, userID uuid.UUID, connectionID string) (bool, error) {
	args := m.Called(ctx, callID, userID, connectionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockParticipantRepository) IncrementReconnection(ctx context.Context, callID, userID uuid.UUID, maxAttempts int) (int, bool, error) {
	args := m.Called(ctx, callID, userID, maxAttempts)
	return args.Int(0), args.Bool(1), args.Error(2)
}

func (m *MockParticipantRepository) UpdateMedia(ctx context.Context, callID, userID uuid.UUID, video, audio, screenShare bool) error {
	args := m.Called(ctx, callID, userID, video, audio, screenShare)
	return args.Error(0)
}

// MockPresenceChecker is a mock implementation of PresenceChecker
type MockPresenceChecker struct {
	mock.Mock
}

func (m *MockPresenceChecker) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

// MockPushSender is a mock implementation of PushSender
type MockPushSender struct {
	mock.Mock
}

func (m *MockPushSender) SendIncomingCall(ctx context.Context, calleeID uuid.UUID, call *push.IncomingCall) error {
	args := m.Called(ctx, calleeID, call)
	return args.Error(0)
}

func newTestService(callRepo *MockCallRepository, participantRepo *MockParticipantRepository, presence *MockPresenceChecker, pushSvc *MockPushSender) (*Service, pubsub.Bus) {
	bus := pubsub.NewMemoryBus()
	return NewService(callRepo, participantRepo, presence, pushSvc, notify.New(bus), nil, Config{
		RingTimeout:          time.Minute,
		MaxReconnectAttempts: 5,
	}), bus
}

func TestInitiate(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	mockPresence := new(MockPresenceChecker)
	mockPush := new(MockPushSender)
	service, bus := newTestService(mockCallRepo, mockParticipantRepo, mockPresence, mockPush)
	defer service.Close()

	patientID := uuid.New()
	providerID := uuid.New()

	// The callee should see the invite on their user topic.
	var invites []*pubsub.Event
	_, err := bus.Subscribe(pubsub.UserTopic(providerID), func(evt *pubsub.Event) {
		invites = append(invites, evt)
	})
	require.NoError(t, err)

	mockCallRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Return(nil)
	mockParticipantRepo.On("CreatePair", mock.Anything, mock.AnythingOfType("[2]*domain.CallParticipant")).Return(nil)
	mockPresence.On("IsUserOnline", mock.Anything, providerID).Return(false, nil)
	mockPush.On("SendIncomingCall", mock.Anything, providerID, mock.AnythingOfType("*push.IncomingCall")).Return(nil)

	call, err := service.Initiate(context.Background(), &InitiateInput{
		PatientID:     patientID,
		ProviderID:    providerID,
		InitiatedBy:   patientID,
		InitiatorName: "Alex Rivera",
		CallType:      domain.CallTypeVideo,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, patientID, call.InitiatedBy)
	assert.NotEmpty(t, call.RoomID)

	require.Len(t, invites, 1)
	assert.Equal(t, "incoming-call", invites[0].Name)

	mockCallRepo.AssertExpectations(t)
	mockParticipantRepo.AssertExpectations(t)
	mockPush.AssertExpectations(t)
}

func TestInitiate_OnlineCalleeGetsNoPush(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	mockPresence := new(MockPresenceChecker)
	mockPush := new(MockPushSender)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, mockPresence, mockPush)
	defer service.Close()

	patientID := uuid.New()
	providerID := uuid.New()

	mockCallRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Return(nil)
	mockParticipantRepo.On("CreatePair", mock.Anything, mock.AnythingOfType("[2]*domain.CallParticipant")).Return(nil)
	mockPresence.On("IsUserOnline", mock.Anything, patientID).Return(true, nil)

	_, err := service.Initiate(context.Background(), &InitiateInput{
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: providerID,
		CallType:    domain.CallTypeAudio,
	})

	require.NoError(t, err)
	mockPush.AssertNotCalled(t, "SendIncomingCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiate_ScheduledStaysQuiet(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	mockPresence := new(MockPresenceChecker)
	mockPush := new(MockPushSender)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, mockPresence, mockPush)
	defer service.Close()

	patientID := uuid.New()
	providerID := uuid.New()
	scheduledAt := time.Now().Add(time.Hour)

	mockCallRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Return(nil)
	mockParticipantRepo.On("CreatePair", mock.Anything, mock.AnythingOfType("[2]*domain.CallParticipant")).Return(nil)

	call, err := service.Initiate(context.Background(), &InitiateInput{
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: providerID,
		CallType:    domain.CallTypeVideo,
		ScheduledAt: &scheduledAt,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusScheduled, call.Status)
	mockPresence.AssertNotCalled(t, "IsUserOnline", mock.Anything, mock.Anything)
	mockPush.AssertNotCalled(t, "SendIncomingCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiate_InitiatorMustBeParty(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	_, err := service.Initiate(context.Background(), &InitiateInput{
		PatientID:   uuid.New(),
		ProviderID:  uuid.New(),
		InitiatedBy: uuid.New(),
		CallType:    domain.CallTypeVideo,
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotCallParty))
	mockCallRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestAnswer(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()
	now := time.Now()

	ringing := &domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusRinging,
	}
	connected := &domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusConnected,
		StartedAt:   &now,
	}

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(ringing, nil)
	mockCallRepo.On("Transition", mock.Anything, callID,
		[]domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusConnected).Return(connected, nil)
	mockParticipantRepo.On("SetStatus", mock.Anything, callID, providerID, domain.ParticipantStatusConnected).Return(nil)

	call, err := service.Answer(context.Background(), callID, providerID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, call.Status)
	// Answering marks the answerer's own row connected right away, before any
	// room join happens.
	mockParticipantRepo.AssertCalled(t, "SetStatus", mock.Anything, callID, providerID, domain.ParticipantStatusConnected)
	mockCallRepo.AssertExpectations(t)
}

func TestAnswer_InitiatorRejected(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	service, _ := newTestService(mockCallRepo, new(MockParticipantRepository), new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  uuid.New(),
		InitiatedBy: patientID,
		Status:      domain.CallStatusRinging,
	}, nil)

	_, err := service.Answer(context.Background(), callID, patientID)

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	mockCallRepo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswer_NonPartyRejected(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	service, _ := newTestService(mockCallRepo, new(MockParticipantRepository), new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:      callID,
		PatientID:   uuid.New(),
		ProviderID:  uuid.New(),
		InitiatedBy: uuid.New(),
		Status:      domain.CallStatusRinging,
	}, nil)

	_, err := service.Answer(context.Background(), callID, uuid.New())

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotCallParty))
}

func TestEnd_NotifiesBothParties(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, bus := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()
	started := time.Now().Add(-5 * time.Minute)
	ended := time.Now()

	connected := &domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusConnected,
		StartedAt:   &started,
	}
	endedCall := &domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusEnded,
		StartedAt:   &started,
		EndedAt:     &ended,
	}

	var patientEvents, providerEvents []string
	_, err := bus.Subscribe(pubsub.UserTopic(patientID), func(evt *pubsub.Event) {
		patientEvents = append(patientEvents, evt.Name)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(pubsub.UserTopic(providerID), func(evt *pubsub.Event) {
		providerEvents = append(providerEvents, evt.Name)
	})
	require.NoError(t, err)

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(connected, nil)
	mockCallRepo.On("Transition", mock.Anything, callID,
		[]domain.CallStatus{domain.CallStatusConnected}, domain.CallStatusEnded).Return(endedCall, nil)
	mockParticipantRepo.On("CloseForCall", mock.Anything, callID).Return(nil)

	call, err := service.End(context.Background(), callID, providerID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, call.Status)
	assert.Equal(t, []string{"call-ended"}, patientEvents)
	assert.Equal(t, []string{"call-ended"}, providerEvents)
}

func TestEnd_SettlesParticipantRows(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()
	started := time.Now().Add(-5 * time.Minute)
	ended := time.Now()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusConnected,
		StartedAt:   &started,
	}, nil)
	mockCallRepo.On("Transition", mock.Anything, callID,
		[]domain.CallStatus{domain.CallStatusConnected}, domain.CallStatusEnded).Return(&domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusEnded,
		StartedAt:   &started,
		EndedAt:     &ended,
	}, nil)
	mockParticipantRepo.On("CloseForCall", mock.Anything, callID).Return(nil)

	_, err := service.End(context.Background(), callID, patientID)

	// Ending the call settles both participant rows in one pass, so connected
	// time is banked and no row stays live on a finished call.
	require.NoError(t, err)
	mockParticipantRepo.AssertCalled(t, "CloseForCall", mock.Anything, callID)
	mockParticipantRepo.AssertExpectations(t)
}

func TestEnd_SecondEndGetsConflict(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	service, _ := newTestService(mockCallRepo, new(MockParticipantRepository), new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	// The racer that lost the conditional update sees the call already ended.
	alreadyEnded := &domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusConnected,
	}
	mockCallRepo.On("GetByID", mock.Anything, callID).Return(alreadyEnded, nil)
	mockCallRepo.On("Transition", mock.Anything, callID,
		[]domain.CallStatus{domain.CallStatusConnected}, domain.CallStatusEnded).
		Return(nil, apperrors.CallTerminalError(string(domain.CallStatusEnded)))

	_, err := service.End(context.Background(), callID, patientID)

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallTerminal))
}

func TestCancel_OnlyInitiator(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	service, _ := newTestService(mockCallRepo, new(MockParticipantRepository), new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:      callID,
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		Status:      domain.CallStatusRinging,
	}, nil)

	_, err := service.Cancel(context.Background(), callID, providerID)

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	mockCallRepo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	bus := pubsub.NewMemoryBus()
	service := NewService(mockCallRepo, mockParticipantRepo, nil, nil, notify.New(bus), nil, Config{
		RingTimeout:          20 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	defer service.Close()

	patientID := uuid.New()
	providerID := uuid.New()
	missedCh := make(chan struct{})

	mockCallRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Return(nil)
	mockParticipantRepo.On("CreatePair", mock.Anything, mock.AnythingOfType("[2]*domain.CallParticipant")).Return(nil)
	mockParticipantRepo.On("CloseForCall", mock.Anything, mock.AnythingOfType("uuid.UUID")).Return(nil)
	mockCallRepo.On("Transition", mock.Anything, mock.AnythingOfType("uuid.UUID"),
		[]domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusMissed).
		Run(func(args mock.Arguments) { close(missedCh) }).
		Return(&domain.Call{
			CallID:     uuid.New(),
			PatientID:  patientID,
			ProviderID: providerID,
			Status:     domain.CallStatusMissed,
		}, nil)

	_, err := service.Initiate(context.Background(), &InitiateInput{
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		CallType:    domain.CallTypeVideo,
	})
	require.NoError(t, err)

	select {
	case <-missedCh:
	case <-time.After(time.Second):
		t.Fatal("ring timeout did not mark the call missed")
	}
}

func TestAnswerCancelsRingTimer(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	bus := pubsub.NewMemoryBus()
	service := NewService(mockCallRepo, mockParticipantRepo, nil, nil, notify.New(bus), nil, Config{
		RingTimeout:          30 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	defer service.Close()

	patientID := uuid.New()
	providerID := uuid.New()
	now := time.Now()

	mockCallRepo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Call")).Return(nil).
		Run(func(args mock.Arguments) {
			call := args.Get(1).(*domain.Call)
			mockCallRepo.On("GetByID", mock.Anything, call.CallID).Return(call, nil)
			mockCallRepo.On("Transition", mock.Anything, call.CallID,
				[]domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusConnected).
				Return(&domain.Call{
					CallID:      call.CallID,
					PatientID:   patientID,
					ProviderID:  providerID,
					InitiatedBy: patientID,
					Status:      domain.CallStatusConnected,
					StartedAt:   &now,
				}, nil)
		})
	mockParticipantRepo.On("CreatePair", mock.Anything, mock.AnythingOfType("[2]*domain.CallParticipant")).Return(nil)
	mockParticipantRepo.On("SetStatus", mock.Anything, mock.AnythingOfType("uuid.UUID"), providerID, domain.ParticipantStatusConnected).Return(nil)

	call, err := service.Initiate(context.Background(), &InitiateInput{
		PatientID:   patientID,
		ProviderID:  providerID,
		InitiatedBy: patientID,
		CallType:    domain.CallTypeAudio,
	})
	require.NoError(t, err)

	_, err = service.Answer(context.Background(), call.CallID, providerID)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	mockCallRepo.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything,
		[]domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusMissed)
}

func TestJoin_TerminalCallRejected(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: uuid.New(),
		Status:     domain.CallStatusEnded,
	}, nil)

	_, err := service.Join(context.Background(), callID, patientID, "conn-1")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallTerminal))
	mockParticipantRepo.AssertNotCalled(t, "SetJoined", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJoin_ReturnsRoster(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: providerID,
		Status:     domain.CallStatusConnected,
	}, nil)
	mockParticipantRepo.On("SetJoined", mock.Anything, callID, patientID, "conn-1").Return(nil)
	mockParticipantRepo.On("ListByCall", mock.Anything, callID).Return([]*domain.CallParticipant{
		{CallID: callID, UserID: patientID, Status: domain.ParticipantStatusConnected},
		{CallID: callID, UserID: providerID, Status: domain.ParticipantStatusJoining},
	}, nil)

	result, err := service.Join(context.Background(), callID, patientID, "conn-1")

	require.NoError(t, err)
	assert.Len(t, result.Participants, 2)
	mockParticipantRepo.AssertExpectations(t)
}

func TestReconnect_CapReached(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: uuid.New(),
		Status:     domain.CallStatusConnected,
	}, nil)
	mockParticipantRepo.On("IncrementReconnection", mock.Anything, callID, patientID, 5).Return(0, false, nil)

	_, _, err := service.Reconnect(context.Background(), callID, patientID, "conn-2")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	mockParticipantRepo.AssertNotCalled(t, "SetJoined", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconnect_RejoinsRoom(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, bus := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	var roomEvents []string
	_, err := bus.Subscribe(pubsub.CallTopic(callID), func(evt *pubsub.Event) {
		roomEvents = append(roomEvents, evt.Name)
	})
	require.NoError(t, err)

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: providerID,
		Status:     domain.CallStatusConnected,
	}, nil)
	mockParticipantRepo.On("IncrementReconnection", mock.Anything, callID, patientID, 5).Return(2, true, nil)
	mockParticipantRepo.On("SetJoined", mock.Anything, callID, patientID, "conn-2").Return(nil)
	mockParticipantRepo.On("ListByCall", mock.Anything, callID).Return([]*domain.CallParticipant{
		{CallID: callID, UserID: patientID, Status: domain.ParticipantStatusConnected},
		{CallID: callID, UserID: providerID, Status: domain.ParticipantStatusConnected},
	}, nil)

	attempt, result, err := service.Reconnect(context.Background(), callID, patientID, "conn-2")

	// A reconnect is a full rejoin: the new connection lands on the row and
	// the caller gets the current roster back, same as a fresh join.
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
	require.NotNil(t, result)
	assert.Len(t, result.Participants, 2)
	assert.Equal(t, []string{"participant-reconnecting", "participant-joined"}, roomEvents)
	mockParticipantRepo.AssertExpectations(t)
}

func TestHandleDisconnect_SkipsSupersededConnections(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, bus := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	userID := uuid.New()
	staleCallID := uuid.New()
	liveCallID := uuid.New()

	var roomEvents []string
	_, err := bus.Subscribe(pubsub.CallTopic(liveCallID), func(evt *pubsub.Event) {
		roomEvents = append(roomEvents, evt.Name)
	})
	require.NoError(t, err)

	mockParticipantRepo.On("ListConnectedByUser", mock.Anything, userID).Return([]*domain.CallParticipant{
		{CallID: staleCallID, UserID: userID},
		{CallID: liveCallID, UserID: userID},
	}, nil)
	// The stale call already has a newer connection on record.
	mockParticipantRepo.On("MarkDisconnected", mock.Anything, staleCallID, userID, "conn-old").Return(false, nil)
	mockParticipantRepo.On("MarkDisconnected", mock.Anything, liveCallID, userID, "conn-old").Return(true, nil)

	service.HandleDisconnect(context.Background(), userID, "conn-old")

	assert.Equal(t, []string{"participant-disconnected"}, roomEvents)
	mockParticipantRepo.AssertExpectations(t)
}

func TestStatistics(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	mockParticipantRepo := new(MockParticipantRepository)
	service, _ := newTestService(mockCallRepo, mockParticipantRepo, new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	callID := uuid.New()
	patientID := uuid.New()
	started := time.Now().Add(-10 * time.Minute)
	ended := started.Add(9 * time.Minute)

	mockCallRepo.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: uuid.New(),
		Status:     domain.CallStatusEnded,
		StartedAt:  &started,
		EndedAt:    &ended,
	}, nil)
	mockParticipantRepo.On("ListByCall", mock.Anything, callID).Return([]*domain.CallParticipant{
		{CallID: callID, UserID: patientID},
	}, nil)

	stats, err := service.Statistics(context.Background(), callID, patientID)

	require.NoError(t, err)
	assert.Equal(t, 540, stats.DurationSeconds)
	assert.Len(t, stats.Participants, 1)
}

func TestListForUser_ClampsLimit(t *testing.T) {
	mockCallRepo := new(MockCallRepository)
	service, _ := newTestService(mockCallRepo, new(MockParticipantRepository), new(MockPresenceChecker), new(MockPushSender))
	defer service.Close()

	userID := uuid.New()

	mockCallRepo.On("ListForUser", mock.Anything, userID, 20, 0).Return([]*domain.Call{}, nil)
	mockCallRepo.On("ListForUser", mock.Anything, userID, 100, 0).Return([]*domain.Call{}, nil)

	_, err := service.ListForUser(context.Background(), userID, 0, 0)
	require.NoError(t, err)
	_, err = service.ListForUser(context.Background(), userID, 500, 0)
	require.NoError(t, err)

	mockCallRepo.AssertExpectations(t)
}
