package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

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

func newTestRouter(calls CallGetter) (*Router, pubsub.Bus) {
	bus := pubsub.NewMemoryBus()
	return NewRouter(calls, notify.New(bus), nil), bus
}

func connectedCall(callID, patientID, providerID uuid.UUID) *domain.Call {
	return &domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: providerID,
		Status:     domain.CallStatusConnected,
	}
}

func TestRelay_TargetedSignalReachesUserTopic(t *testing.T) {
	mockCalls := new(MockCallGetter)
	router, bus := newTestRouter(mockCalls)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	var received []*pubsub.Event
	_, err := bus.Subscribe(pubsub.UserTopic(providerID), func(evt *pubsub.Event) {
		received = append(received, evt)
	})
	require.NoError(t, err)

	mockCalls.On("GetByID", mock.Anything, callID).Return(connectedCall(callID, patientID, providerID), nil)

	err = router.Relay(context.Background(), patientID, &Signal{
		Type:         TypeOffer,
		CallID:       callID,
		TargetUserID: &providerID,
		Payload:      json.RawMessage(`{"sdp":"v=0..."}`),
	})

	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "signal", received[0].Name)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(received[0].Payload, &envelope))
	assert.Equal(t, TypeOffer, envelope.Type)
	assert.Equal(t, callID, envelope.CallID)
	assert.Equal(t, patientID, envelope.FromUserID)
	assert.JSONEq(t, `{"sdp":"v=0..."}`, string(envelope.Payload))
}

func TestRelay_UntargetedSignalExcludesSender(t *testing.T) {
	mockCalls := new(MockCallGetter)
	router, bus := newTestRouter(mockCalls)

	callID := uuid.New()
	patientID := uuid.New()
	providerID := uuid.New()

	var received []*pubsub.Event
	_, err := bus.Subscribe(pubsub.CallTopic(callID), func(evt *pubsub.Event) {
		received = append(received, evt)
	})
	require.NoError(t, err)

	mockCalls.On("GetByID", mock.Anything, callID).Return(connectedCall(callID, patientID, providerID), nil)

	err = router.Relay(context.Background(), providerID, &Signal{
		Type:    TypeICECandidate,
		CallID:  callID,
		Payload: json.RawMessage(`{"candidate":"..."}`),
	})

	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, providerID, received[0].ExcludeUserID)
}

func TestRelay_NonPartySenderRejected(t *testing.T) {
	mockCalls := new(MockCallGetter)
	router, bus := newTestRouter(mockCalls)

	callID := uuid.New()

	delivered := 0
	_, err := bus.Subscribe(pubsub.CallTopic(callID), func(*pubsub.Event) { delivered++ })
	require.NoError(t, err)

	mockCalls.On("GetByID", mock.Anything, callID).Return(connectedCall(callID, uuid.New(), uuid.New()), nil)

	err = router.Relay(context.Background(), uuid.New(), &Signal{
		Type:    TypeOffer,
		CallID:  callID,
		Payload: json.RawMessage(`{}`),
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotCallParty))
	assert.Zero(t, delivered)
}

func TestRelay_TerminalCallRejected(t *testing.T) {
	mockCalls := new(MockCallGetter)
	router, _ := newTestRouter(mockCalls)

	callID := uuid.New()
	patientID := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(&domain.Call{
		CallID:     callID,
		PatientID:  patientID,
		ProviderID: uuid.New(),
		Status:     domain.CallStatusEnded,
	}, nil)

	err := router.Relay(context.Background(), patientID, &Signal{
		Type:    TypeAnswer,
		CallID:  callID,
		Payload: json.RawMessage(`{}`),
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallTerminal))
}

func TestRelay_TargetMustBeParty(t *testing.T) {
	mockCalls := new(MockCallGetter)
	router, _ := newTestRouter(mockCalls)

	callID := uuid.New()
	patientID := uuid.New()
	outsider := uuid.New()

	mockCalls.On("GetByID", mock.Anything, callID).Return(connectedCall(callID, patientID, uuid.New()), nil)

	err := router.Relay(context.Background(), patientID, &Signal{
		Type:         TypeOffer,
		CallID:       callID,
		TargetUserID: &outsider,
		Payload:      json.RawMessage(`{}`),
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestRelay_Validation(t *testing.T) {
	mockCalls := new(MockCallGetter)
	router, _ := newTestRouter(mockCalls)

	tests := []struct {
		name   string
		signal *Signal
		code   apperrors.ErrorCode
	}{
		{
			name:   "unknown type",
			signal: &Signal{Type: "renegotiate", CallID: uuid.New(), Payload: json.RawMessage(`{}`)},
			code:   apperrors.ErrCodeInvalidInput,
		},
		{
			name:   "missing call id",
			signal: &Signal{Type: TypeOffer, Payload: json.RawMessage(`{}`)},
			code:   apperrors.ErrCodeMissingField,
		},
		{
			name:   "empty payload",
			signal: &Signal{Type: TypeOffer, CallID: uuid.New()},
			code:   apperrors.ErrCodeMissingField,
		},
		{
			name: "oversized payload",
			signal: &Signal{
				Type:    TypeOffer,
				CallID:  uuid.New(),
				Payload: json.RawMessage(`"` + string(bytes.Repeat([]byte("a"), MaxPayloadBytes)) + `"`),
			},
			code: apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := router.Relay(context.Background(), uuid.New(), tt.signal)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, tt.code))
		})
	}

	mockCalls.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}
