// Package pubsub abstracts the broadcast fabric between server instances.
// Room and user fan-out always goes through a Bus so a single-process
// deployment (MemoryBus) and a horizontally scaled one (RedisBus) share the
// same signaling code.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event is the envelope published on a topic.
type Event struct {
	Name string `json:"event"`
	// CallID is set for call-room topics.
	CallID uuid.UUID `json:"call_id,omitempty"`
	// UserID is set for user-directed topics.
	UserID uuid.UUID `json:"user_id,omitempty"`
	// ExcludeUserID marks a room broadcast that must skip one member,
	// typically the sender.
	ExcludeUserID uuid.UUID       `json:"exclude_user_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes events delivered on a subscribed topic.
type Handler func(evt *Event)

// Bus is the publish/subscribe fabric. Publish order from a single publisher
// is preserved per topic; no ordering is guaranteed across publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, evt *Event) error
	// Subscribe registers a handler for a topic and returns an unsubscribe
	// function. The unsubscribe function is safe to call more than once.
	Subscribe(topic string, h Handler) (func(), error)
}

// UserTopic is the topic carrying events directed at one user.
func UserTopic(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s", userID)
}

// CallTopic is the topic carrying events for one call's room.
func CallTopic(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s", callID)
}
