// Package notify publishes call events onto the pub/sub bus. Services emit
// through it instead of touching connections directly, so events reach peers
// on other instances too.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"carelink-backend/internal/pubsub"
)

// Notifier publishes user- and room-directed events.
type Notifier struct {
	bus pubsub.Bus
}

// New creates a Notifier on top of a bus.
func New(bus pubsub.Bus) *Notifier {
	return &Notifier{bus: bus}
}

// ToUser delivers an event to every connection of one user, across instances.
func (n *Notifier) ToUser(ctx context.Context, userID uuid.UUID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return n.bus.Publish(ctx, pubsub.UserTopic(userID), &pubsub.Event{
		Name:    event,
		UserID:  userID,
		Payload: data,
	})
}

// ToRoom delivers an event to every member of a call's room.
func (n *Notifier) ToRoom(ctx context.Context, callID uuid.UUID, event string, payload any) error {
	return n.toRoom(ctx, callID, uuid.Nil, event, payload)
}

// ToRoomExcept delivers an event to every room member except one, typically
// the originator of the event.
func (n *Notifier) ToRoomExcept(ctx context.Context, callID, exclude uuid.UUID, event string, payload any) error {
	return n.toRoom(ctx, callID, exclude, event, payload)
}

func (n *Notifier) toRoom(ctx context.Context, callID, exclude uuid.UUID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return n.bus.Publish(ctx, pubsub.CallTopic(callID), &pubsub.Event{
		Name:          event,
		CallID:        callID,
		ExcludeUserID: exclude,
		Payload:       data,
	})
}
