package push

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
	TokenTypeWeb  TokenType = "web"
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
}

// Service handles push notification delivery for call events. It is the
// collaborator that reaches clients with no live transport connection.
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// IncomingCall describes the payload of an incoming-call push
type IncomingCall struct {
	CallID     uuid.UUID
	CallerID   uuid.UUID
	CallerName string
	CallType   string
}

// SendIncomingCall delivers an incoming-call notification to every active
// device token registered for the callee.
func (s *Service) SendIncomingCall(ctx context.Context, calleeID uuid.UUID, call *IncomingCall) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", call.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":      "incoming-call",
			"call_id":   call.CallID.String(),
			"caller_id": call.CallerID.String(),
			"call_type": call.CallType,
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
	}

	tokens, err := s.repo.GetByUserID(ctx, calleeID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, t := range tokens {
		if t.Active {
			active = append(active, t.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens for callee",
			zap.String("callee_id", calleeID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send incoming-call notification",
			zap.String("call_id", call.CallID.String()),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send incoming-call notification: %w", err)
	}

	logger.Info("Incoming-call notification sent",
		zap.String("call_id", call.CallID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	// Drop tokens the provider reported as no longer valid.
	for _, invalid := range result.InvalidTokens {
		if err := s.repo.Delete(ctx, calleeID, invalid); err != nil {
			logger.Warn("Failed to delete invalid push token", zap.Error(err))
		}
	}

	return nil
}

// RegisterToken registers a device token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.Active = true
	token.CreatedAt = time.Now().Unix()
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a device token for a user
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// MockProvider is a Provider that logs instead of sending, for development
type MockProvider struct{}

// Send implements Provider for MockProvider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	logger.Info("Mock push notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
