// Package call implements the call lifecycle: initiation, answer, teardown,
// participant membership and reconnection. All call status transitions go
// through this service; other components read call state but never mutate it.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/notify"
	apperrors "carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
	"carelink-backend/pkg/push"
)

// CallRepository is the persistence surface for call rows
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	Transition(ctx context.Context, callID uuid.UUID, from []domain.CallStatus, to domain.CallStatus) (*domain.Call, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// ParticipantRepository is the persistence surface for participant rows
type ParticipantRepository interface {
	CreatePair(ctx context.Context, participants [2]*domain.CallParticipant) error
	Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error)
	ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	ListConnectedByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CallParticipant, error)
	SetJoined(ctx context.Context, callID, userID uuid.UUID, connectionID string) error
	SetStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error
	SetLeft(ctx context.Context, callID, userID uuid.UUID) error
	CloseForCall(ctx context.Context, callID uuid.UUID) error
	MarkDisconnected(ctx context.Context, callID, userID uuid.UUID, connectionID string) (bool, error)
	IncrementReconnection(ctx context.Context, callID, userID uuid.UUID, maxAttempts int) (int, bool, error)
	UpdateMedia(ctx context.Context, callID, userID uuid.UUID, video, audio, screenShare bool) error
}

// PresenceChecker reports whether a user has a live connection on any instance
type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PushSender delivers incoming-call notifications to devices without a live
// transport connection
type PushSender interface {
	SendIncomingCall(ctx context.Context, calleeID uuid.UUID, call *push.IncomingCall) error
}

// Config holds call service tunables
type Config struct {
	RingTimeout          time.Duration
	MaxReconnectAttempts int
}

// Service handles call lifecycle business logic
type Service struct {
	callRepo        CallRepository
	participantRepo ParticipantRepository
	presence        PresenceChecker
	pushSvc         PushSender
	notifier        *notify.Notifier
	metrics         *metrics.Metrics
	config          Config

	mu         sync.Mutex
	ringTimers map[uuid.UUID]*time.Timer
}

// NewService creates a new call service
func NewService(
	callRepo CallRepository,
	participantRepo ParticipantRepository,
	presence PresenceChecker,
	pushSvc PushSender,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	config Config,
) *Service {
	if config.RingTimeout <= 0 {
		config.RingTimeout = 60 * time.Second
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 5
	}
	return &Service{
		callRepo:        callRepo,
		participantRepo: participantRepo,
		presence:        presence,
		pushSvc:         pushSvc,
		notifier:        notifier,
		metrics:         m,
		config:          config,
		ringTimers:      make(map[uuid.UUID]*time.Timer),
	}
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	PatientID        uuid.UUID
	ProviderID       uuid.UUID
	InitiatedBy      uuid.UUID
	InitiatorName    string
	CallType         domain.CallType
	AppointmentID    *uuid.UUID
	ScheduledAt      *time.Time
	RecordingEnabled bool
}

// Initiate creates a new call between a patient and a provider. A call with a
// future ScheduledAt starts in SCHEDULED and must be rung later; otherwise it
// starts ringing immediately and the callee is invited.
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*domain.Call, error) {
	if input.PatientID == input.ProviderID {
		return nil, apperrors.InvalidInputError("Patient and provider must be different users")
	}
	if input.InitiatedBy != input.PatientID && input.InitiatedBy != input.ProviderID {
		return nil, apperrors.NotCallPartyError()
	}
	if input.CallType != domain.CallTypeAudio && input.CallType != domain.CallTypeVideo {
		return nil, apperrors.InvalidInputError("Call type must be audio or video")
	}

	status := domain.CallStatusRinging
	if input.ScheduledAt != nil && input.ScheduledAt.After(time.Now()) {
		status = domain.CallStatusScheduled
	}

	callID := uuid.New()
	call := &domain.Call{
		CallID:           callID,
		RoomID:           fmt.Sprintf("room-%s", callID),
		PatientID:        input.PatientID,
		ProviderID:       input.ProviderID,
		InitiatedBy:      input.InitiatedBy,
		CallType:         input.CallType,
		AppointmentID:    input.AppointmentID,
		Status:           status,
		ScheduledAt:      input.ScheduledAt,
		RecordingEnabled: input.RecordingEnabled,
		CreatedAt:        time.Now(),
	}

	if err := s.callRepo.Create(ctx, call); err != nil {
		return nil, err
	}

	participants := [2]*domain.CallParticipant{
		{
			ID:           uuid.New(),
			CallID:       callID,
			UserID:       input.PatientID,
			Role:         domain.RolePatient,
			Status:       domain.ParticipantStatusJoining,
			VideoEnabled: input.CallType == domain.CallTypeVideo,
			AudioEnabled: true,
		},
		{
			ID:           uuid.New(),
			CallID:       callID,
			UserID:       input.ProviderID,
			Role:         domain.RoleProvider,
			Status:       domain.ParticipantStatusJoining,
			VideoEnabled: input.CallType == domain.CallTypeVideo,
			AudioEnabled: true,
		},
	}
	if err := s.participantRepo.CreatePair(ctx, participants); err != nil {
		return nil, err
	}

	if status == domain.CallStatusRinging {
		s.inviteCallee(ctx, call, input.InitiatorName)
		s.armRingTimer(callID)
	}

	logger.Info("Call initiated",
		zap.String("call_id", callID.String()),
		zap.String("status", string(status)),
		zap.String("call_type", string(call.CallType)))

	return call, nil
}

// Ring moves a scheduled call into RINGING and invites the callee. Either
// party may trigger it when the appointment time arrives.
func (s *Service) Ring(ctx context.Context, callID, userID uuid.UUID, userName string) (*domain.Call, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	call, err = s.callRepo.Transition(ctx, callID, []domain.CallStatus{domain.CallStatusScheduled}, domain.CallStatusRinging)
	if err != nil {
		return nil, err
	}

	s.inviteCallee(ctx, call, userName)
	s.armRingTimer(callID)

	return call, nil
}

// Answer accepts a ringing call. Only the non-initiating party may answer;
// the initiator answering their own call is rejected.
func (s *Service) Answer(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if userID == call.InitiatedBy {
		return nil, apperrors.ForbiddenError("Initiator cannot answer their own call")
	}

	call, err = s.callRepo.Transition(ctx, callID, []domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusConnected)
	if err != nil {
		return nil, err
	}

	s.cancelRingTimer(callID)
	s.metrics.RecordCallStarted()

	// The answerer is live on the signaling channel; their row reflects that
	// even before they join the room. The call itself is already connected,
	// so a bookkeeping failure here does not undo the answer.
	if err := s.participantRepo.SetStatus(ctx, callID, userID, domain.ParticipantStatusConnected); err != nil {
		logger.Warn("Failed to mark answering participant connected",
			zap.String("call_id", callID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}

	s.notifyParties(ctx, call, "call-answered", map[string]any{
		"call_id":     call.CallID,
		"answered_by": userID,
		"started_at":  call.StartedAt,
	})

	logger.Info("Call answered",
		zap.String("call_id", callID.String()),
		zap.String("answered_by", userID.String()))

	return call, nil
}

// End terminates a connected call. Either party may end it; the status guard
// ensures a simultaneous end and failure report resolve to a single outcome.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	call, err = s.callRepo.Transition(ctx, callID, []domain.CallStatus{domain.CallStatusConnected}, domain.CallStatusEnded)
	if err != nil {
		return nil, err
	}

	s.finishCall(ctx, call, true)
	s.notifyParties(ctx, call, "call-ended", map[string]any{
		"call_id":  call.CallID,
		"ended_by": userID,
		"ended_at": call.EndedAt,
	})

	return call, nil
}

// Cancel withdraws a call that has not connected yet. Only the initiator may
// cancel.
func (s *Service) Cancel(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if userID != call.InitiatedBy {
		return nil, apperrors.ForbiddenError("Only the initiator can cancel a call")
	}

	call, err = s.callRepo.Transition(ctx, callID,
		[]domain.CallStatus{domain.CallStatusScheduled, domain.CallStatusRinging}, domain.CallStatusCancelled)
	if err != nil {
		return nil, err
	}

	s.finishCall(ctx, call, false)
	s.notifyParties(ctx, call, "call-cancelled", map[string]any{
		"call_id":      call.CallID,
		"cancelled_by": userID,
	})

	return call, nil
}

// MarkMissed moves a ringing call to MISSED. It is invoked by the ring timer
// and by the callee's client declining or timing out locally.
func (s *Service) MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := s.callRepo.Transition(ctx, callID, []domain.CallStatus{domain.CallStatusRinging}, domain.CallStatusMissed)
	if err != nil {
		return nil, err
	}

	s.finishCall(ctx, call, false)
	s.notifyParties(ctx, call, "call-missed", map[string]any{
		"call_id": call.CallID,
	})

	logger.Info("Call missed", zap.String("call_id", callID.String()))

	return call, nil
}

// MarkFailed moves a connected call to FAILED after an unrecoverable transport
// problem.
func (s *Service) MarkFailed(ctx context.Context, callID, userID uuid.UUID, reason string) (*domain.Call, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	call, err = s.callRepo.Transition(ctx, callID, []domain.CallStatus{domain.CallStatusConnected}, domain.CallStatusFailed)
	if err != nil {
		return nil, err
	}

	s.finishCall(ctx, call, true)
	s.notifyParties(ctx, call, "call-failed", map[string]any{
		"call_id": call.CallID,
		"reason":  reason,
	})

	logger.Warn("Call failed",
		zap.String("call_id", callID.String()),
		zap.String("reason", reason))

	return call, nil
}

// JoinResult is returned to a joining participant: the call plus the current
// roster so the client can render who is already present.
type JoinResult struct {
	Call         *domain.Call              `json:"call"`
	Participants []*domain.CallParticipant `json:"participants"`
}

// Join attaches a party's transport connection to the call room.
func (s *Service) Join(ctx context.Context, callID, userID uuid.UUID, connectionID string) (*JoinResult, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.CallTerminalError(string(call.Status))
	}

	if err := s.participantRepo.SetJoined(ctx, callID, userID, connectionID); err != nil {
		return nil, err
	}

	roster, err := s.participantRepo.ListByCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	if err := s.notifier.ToRoomExcept(ctx, callID, userID, "participant-joined", map[string]any{
		"call_id": callID,
		"user_id": userID,
	}); err != nil {
		logger.Warn("Failed to publish participant-joined", zap.Error(err))
	}

	return &JoinResult{Call: call, Participants: roster}, nil
}

// Leave detaches a party from the call room without ending the call.
func (s *Service) Leave(ctx context.Context, callID, userID uuid.UUID) error {
	if _, err := s.authorizedCall(ctx, callID, userID); err != nil {
		return err
	}

	if err := s.participantRepo.SetLeft(ctx, callID, userID); err != nil {
		return err
	}

	if err := s.notifier.ToRoomExcept(ctx, callID, userID, "participant-left", map[string]any{
		"call_id": callID,
		"user_id": userID,
	}); err != nil {
		logger.Warn("Failed to publish participant-left", zap.Error(err))
	}

	return nil
}

// HandleDisconnect reacts to a transport connection dropping. Every call the
// user was connected on through that connection is informed; calls where the
// user has already moved to a newer connection are untouched.
func (s *Service) HandleDisconnect(ctx context.Context, userID uuid.UUID, connectionID string) {
	participants, err := s.participantRepo.ListConnectedByUser(ctx, userID)
	if err != nil {
		logger.Error("Failed to list connected participants on disconnect",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	for _, p := range participants {
		updated, err := s.participantRepo.MarkDisconnected(ctx, p.CallID, userID, connectionID)
		if err != nil {
			logger.Error("Failed to mark participant disconnected",
				zap.String("call_id", p.CallID.String()),
				zap.Error(err))
			continue
		}
		if !updated {
			continue
		}

		if err := s.notifier.ToRoomExcept(ctx, p.CallID, userID, "participant-disconnected", map[string]any{
			"call_id": p.CallID,
			"user_id": userID,
		}); err != nil {
			logger.Warn("Failed to publish participant-disconnected", zap.Error(err))
		}
	}
}

// Reconnect registers a reconnection attempt after a transport drop and
// rejoins the caller on their new connection, stamping the disconnect time and
// returning the attempt count with the fresh roster. Attempts beyond the cap
// are rejected; the rejoin resets the counter.
func (s *Service) Reconnect(ctx context.Context, callID, userID uuid.UUID, connectionID string) (int, *JoinResult, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return 0, nil, err
	}
	if call.Status.IsTerminal() {
		return 0, nil, apperrors.CallTerminalError(string(call.Status))
	}

	attempts, ok, err := s.participantRepo.IncrementReconnection(ctx, callID, userID, s.config.MaxReconnectAttempts)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, apperrors.ConflictError("Reconnection attempt limit reached")
	}

	if err := s.notifier.ToRoomExcept(ctx, callID, userID, "participant-reconnecting", map[string]any{
		"call_id": callID,
		"user_id": userID,
		"attempt": attempts,
	}); err != nil {
		logger.Warn("Failed to publish participant-reconnecting", zap.Error(err))
	}

	result, err := s.Join(ctx, callID, userID, connectionID)
	if err != nil {
		return 0, nil, err
	}

	return attempts, result, nil
}

// UpdateMedia records a party's declared media state and informs the peer.
func (s *Service) UpdateMedia(ctx context.Context, callID, userID uuid.UUID, video, audio, screenShare bool) error {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return err
	}
	if call.Status.IsTerminal() {
		return apperrors.CallTerminalError(string(call.Status))
	}

	if err := s.participantRepo.UpdateMedia(ctx, callID, userID, video, audio, screenShare); err != nil {
		return err
	}

	if err := s.notifier.ToRoomExcept(ctx, callID, userID, "participant-media-updated", map[string]any{
		"call_id":              callID,
		"user_id":              userID,
		"video_enabled":        video,
		"audio_enabled":        audio,
		"screen_share_enabled": screenShare,
	}); err != nil {
		logger.Warn("Failed to publish participant-media-updated", zap.Error(err))
	}

	return nil
}

// Get retrieves a call for one of its parties
func (s *Service) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return s.authorizedCall(ctx, callID, userID)
}

// ListForUser retrieves the user's call history, newest first
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.callRepo.ListForUser(ctx, userID, limit, offset)
}

// CallStatistics is the post-call summary for one call
type CallStatistics struct {
	Call            *domain.Call              `json:"call"`
	Participants    []*domain.CallParticipant `json:"participants"`
	DurationSeconds int                       `json:"duration_seconds"`
}

// Statistics assembles the call record, both participant rows and the
// connected duration.
func (s *Service) Statistics(ctx context.Context, callID, userID uuid.UUID) (*CallStatistics, error) {
	call, err := s.authorizedCall(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	participants, err := s.participantRepo.ListByCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	duration := 0
	if call.StartedAt != nil {
		end := time.Now()
		if call.EndedAt != nil {
			end = *call.EndedAt
		}
		duration = int(end.Sub(*call.StartedAt).Seconds())
	}

	return &CallStatistics{
		Call:            call,
		Participants:    participants,
		DurationSeconds: duration,
	}, nil
}

// Close stops all pending ring timers
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for callID, timer := range s.ringTimers {
		timer.Stop()
		delete(s.ringTimers, callID)
	}
}

func (s *Service) authorizedCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParty(userID) {
		return nil, apperrors.NotCallPartyError()
	}
	return call, nil
}

// inviteCallee notifies the non-initiating party's live connections, and falls
// back to a push notification when they are offline.
func (s *Service) inviteCallee(ctx context.Context, call *domain.Call, callerName string) {
	calleeID := call.OtherParty(call.InitiatedBy)

	if err := s.notifier.ToUser(ctx, calleeID, "incoming-call", map[string]any{
		"call_id":   call.CallID,
		"room_id":   call.RoomID,
		"caller_id": call.InitiatedBy,
		"call_type": call.CallType,
	}); err != nil {
		logger.Warn("Failed to publish incoming-call",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}

	online := false
	if s.presence != nil {
		var err error
		online, err = s.presence.IsUserOnline(ctx, calleeID)
		if err != nil {
			logger.Warn("Failed to check callee presence; sending push anyway",
				zap.String("callee_id", calleeID.String()),
				zap.Error(err))
		}
	}

	if !online && s.pushSvc != nil {
		err := s.pushSvc.SendIncomingCall(ctx, calleeID, &push.IncomingCall{
			CallID:     call.CallID,
			CallerID:   call.InitiatedBy,
			CallerName: callerName,
			CallType:   string(call.CallType),
		})
		if err != nil {
			s.metrics.RecordPushNotification("failure")
			logger.Warn("Failed to send incoming-call push",
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
		} else {
			s.metrics.RecordPushNotification("success")
		}
	}
}

// notifyParties delivers a lifecycle event to both parties' user topics, so it
// reaches them even when they have not joined the room yet.
func (s *Service) notifyParties(ctx context.Context, call *domain.Call, event string, payload map[string]any) {
	for _, partyID := range call.Parties() {
		if err := s.notifier.ToUser(ctx, partyID, event, payload); err != nil {
			logger.Warn("Failed to publish lifecycle event",
				zap.String("event", event),
				zap.String("call_id", call.CallID.String()),
				zap.Error(err))
		}
	}
}

// finishCall performs the bookkeeping shared by every terminal transition.
// Participant rows are settled here so connected time is recorded and no row
// stays live on a dead call.
func (s *Service) finishCall(ctx context.Context, call *domain.Call, wasConnected bool) {
	s.cancelRingTimer(call.CallID)

	if err := s.participantRepo.CloseForCall(ctx, call.CallID); err != nil {
		logger.Error("Failed to close participant rows on call teardown",
			zap.String("call_id", call.CallID.String()),
			zap.Error(err))
	}

	duration := time.Duration(0)
	if wasConnected && call.StartedAt != nil && call.EndedAt != nil {
		duration = call.EndedAt.Sub(*call.StartedAt)
	}
	s.metrics.RecordCallFinished(string(call.CallType), string(call.Status), duration, wasConnected)
}

func (s *Service) armRingTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.ringTimers[callID]; ok {
		timer.Stop()
	}
	s.ringTimers[callID] = time.AfterFunc(s.config.RingTimeout, func() {
		s.onRingTimeout(callID)
	})
}

func (s *Service) cancelRingTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.ringTimers[callID]; ok {
		timer.Stop()
		delete(s.ringTimers, callID)
	}
}

func (s *Service) onRingTimeout(callID uuid.UUID) {
	s.mu.Lock()
	delete(s.ringTimers, callID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The call may have been answered or cancelled while the timer fired;
	// the status guard makes this a no-op conflict in that case.
	if _, err := s.MarkMissed(ctx, callID); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition) || apperrors.IsCode(err, apperrors.ErrCodeCallTerminal) {
			return
		}
		logger.Error("Failed to mark call missed on ring timeout",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}
}
