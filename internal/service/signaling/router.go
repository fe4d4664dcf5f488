// Package signaling relays WebRTC session negotiation between call parties.
// Payloads are opaque: the router authorizes and annotates them, it never
// inspects SDP or candidate contents.
package signaling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/notify"
	apperrors "carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// Signal types accepted by the router
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// MaxPayloadBytes caps the size of a single signaling payload.
const MaxPayloadBytes = 64 * 1024

// CallGetter is the read-only view of call state the router needs for
// authorization
type CallGetter interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// Router relays signaling messages between the parties of a call
type Router struct {
	calls    CallGetter
	notifier *notify.Notifier
	metrics  *metrics.Metrics
}

// NewRouter creates a new signaling router
func NewRouter(calls CallGetter, notifier *notify.Notifier, m *metrics.Metrics) *Router {
	return &Router{
		calls:    calls,
		notifier: notifier,
		metrics:  m,
	}
}

// Signal is one inbound signaling message
type Signal struct {
	Type         string          `json:"type"`
	CallID       uuid.UUID       `json:"call_id"`
	TargetUserID *uuid.UUID      `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Envelope is what the peer receives: the sender's payload annotated with the
// call and origin so multi-call clients can demultiplex.
type Envelope struct {
	Type       string          `json:"type"`
	CallID     uuid.UUID       `json:"call_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Relay validates and forwards one signaling message. Messages to a specific
// target go to that user's connections only; untargeted messages reach every
// room member except the sender.
func (r *Router) Relay(ctx context.Context, fromUserID uuid.UUID, sig *Signal) error {
	if err := r.validate(sig); err != nil {
		r.metrics.RecordSignalDropped("invalid")
		return err
	}

	call, err := r.calls.GetByID(ctx, sig.CallID)
	if err != nil {
		r.metrics.RecordSignalDropped("call-not-found")
		return err
	}
	if !call.IsParty(fromUserID) {
		r.metrics.RecordSignalDropped("not-party")
		return apperrors.NotCallPartyError()
	}
	if call.Status.IsTerminal() {
		r.metrics.RecordSignalDropped("call-terminal")
		return apperrors.CallTerminalError(string(call.Status))
	}
	if sig.TargetUserID != nil && !call.IsParty(*sig.TargetUserID) {
		r.metrics.RecordSignalDropped("target-not-party")
		return apperrors.InvalidInputError("Signal target is not a party of this call")
	}

	envelope := &Envelope{
		Type:       sig.Type,
		CallID:     sig.CallID,
		FromUserID: fromUserID,
		Payload:    sig.Payload,
	}

	if sig.TargetUserID != nil {
		err = r.notifier.ToUser(ctx, *sig.TargetUserID, "signal", envelope)
	} else {
		err = r.notifier.ToRoomExcept(ctx, sig.CallID, fromUserID, "signal", envelope)
	}
	if err != nil {
		r.metrics.RecordSignalDropped("publish-failed")
		logger.Error("Failed to relay signal",
			zap.String("call_id", sig.CallID.String()),
			zap.String("type", sig.Type),
			zap.Error(err))
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to relay signal", err)
	}

	r.metrics.RecordSignalRelayed(sig.Type)
	return nil
}

func (r *Router) validate(sig *Signal) error {
	switch sig.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
	default:
		return apperrors.InvalidInputError("Unknown signal type")
	}
	if sig.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}
	if len(sig.Payload) == 0 {
		return apperrors.MissingFieldError("payload")
	}
	if len(sig.Payload) > MaxPayloadBytes {
		return apperrors.InvalidInputError("Signal payload too large")
	}
	return nil
}
