// Package ws is the realtime surface: one authenticated WebSocket connection
// per device, carrying signaling, call membership, media state and quality
// traffic. Cross-instance delivery rides the pub/sub bus; the hub bridges bus
// events onto the local connection registry.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carelink-backend/internal/pubsub"
	"carelink-backend/internal/registry"
	"carelink-backend/internal/service/call"
	"carelink-backend/internal/service/quality"
	"carelink-backend/internal/service/signaling"
	"carelink-backend/pkg/env"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
)

// PresenceUpdater mirrors connection state into shared presence storage
type PresenceUpdater interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// Hub owns WebSocket connections on this instance. It subscribes to a user's
// topic while the user has at least one local connection, and to a call's
// topic while at least one local connection is in that call's room.
type Hub struct {
	registry  *registry.Registry
	bus       pubsub.Bus
	callSvc   *call.Service
	signaling *signaling.Router
	quality   *quality.Monitor
	presence  PresenceUpdater
	metrics   *metrics.Metrics

	mu       sync.Mutex
	userSubs map[uuid.UUID]*topicSub
	callSubs map[uuid.UUID]*topicSub

	maxConnections int
	semaphore      chan struct{}
}

type topicSub struct {
	refs        int
	unsubscribe func()
}

// terminalEvents are the lifecycle events after which a call's room and
// monitors are torn down.
var terminalEvents = map[string]bool{
	"call-ended":     true,
	"call-cancelled": true,
	"call-missed":    true,
	"call-failed":    true,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return allowedOrigins()[origin]
	},
}

// allowedOrigins returns allowed WebSocket origins from environment or defaults
func allowedOrigins() map[string]bool {
	origins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}
	if extra := os.Getenv("CORS_ALLOWED_ORIGINS"); extra != "" {
		for _, origin := range strings.Split(extra, ",") {
			origins[strings.TrimSpace(origin)] = true
		}
	}
	return origins
}

// NewHub creates a new WebSocket hub
func NewHub(
	reg *registry.Registry,
	bus pubsub.Bus,
	callSvc *call.Service,
	router *signaling.Router,
	monitor *quality.Monitor,
	presence PresenceUpdater,
	m *metrics.Metrics,
) *Hub {
	maxConns := env.GetInt("WS_MAX_CONNECTIONS", 1000)
	return &Hub{
		registry:       reg,
		bus:            bus,
		callSvc:        callSvc,
		signaling:      router,
		quality:        monitor,
		presence:       presence,
		metrics:        m,
		userSubs:       make(map[uuid.UUID]*topicSub),
		callSubs:       make(map[uuid.UUID]*topicSub),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// ServeWS handles WebSocket upgrade requests
func (h *Hub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := newClient(h, conn, userID)
	h.registry.Bind(userID, client.connID, client)
	h.retainUserSub(userID)
	h.metrics.WebSocketConnected()

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.presence.SetUserOnline(ctx, userID); err != nil {
			logger.Warn("Failed to mark user online", zap.Error(err))
		}
		cancel()
	}

	logger.Info("WebSocket connected",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.connID))

	go client.writePump()
	go client.readPump()
}

// retainUserSub subscribes to the user's topic on their first local connection
func (h *Hub) retainUserSub(userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.userSubs[userID]; ok {
		sub.refs++
		return
	}

	unsubscribe, err := h.bus.Subscribe(pubsub.UserTopic(userID), func(evt *pubsub.Event) {
		h.deliverToUser(userID, evt)
	})
	if err != nil {
		logger.Error("Failed to subscribe to user topic",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}
	h.userSubs[userID] = &topicSub{refs: 1, unsubscribe: unsubscribe}
}

// releaseUserSub drops the topic subscription once the user's last local
// connection closes
func (h *Hub) releaseUserSub(userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.userSubs[userID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs <= 0 {
		sub.unsubscribe()
		delete(h.userSubs, userID)
	}
}

// retainCallSub subscribes to the call's room topic on the first local member
func (h *Hub) retainCallSub(callID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.callSubs[callID]; ok {
		sub.refs++
		return
	}

	unsubscribe, err := h.bus.Subscribe(pubsub.CallTopic(callID), func(evt *pubsub.Event) {
		h.deliverToRoom(callID, evt)
	})
	if err != nil {
		logger.Error("Failed to subscribe to call topic",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}
	h.callSubs[callID] = &topicSub{refs: 1, unsubscribe: unsubscribe}
}

func (h *Hub) releaseCallSub(callID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.callSubs[callID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs <= 0 {
		sub.unsubscribe()
		delete(h.callSubs, callID)
	}
}

// deliverToUser pushes a user-topic event to every local connection of the
// user. Terminal lifecycle events additionally tear the call's room down.
func (h *Hub) deliverToUser(userID uuid.UUID, evt *pubsub.Event) {
	delivered := h.registry.FanoutToUser(userID, evt.Name, evt.Payload)
	h.metrics.RecordWebSocketMessage(evt.Name, "outbound")

	if delivered == 0 {
		logger.Debug("Bus event had no local connections",
			zap.String("event", evt.Name),
			zap.String("user_id", userID.String()))
	}

	if terminalEvents[evt.Name] && evt.CallID == uuid.Nil {
		// Lifecycle payloads carry the call id; fall back to parsing when the
		// envelope field is empty.
		h.teardownFromPayload(evt)
	} else if terminalEvents[evt.Name] {
		h.teardownCall(evt.CallID)
	}
}

// deliverToRoom pushes a room-topic event to the local members of the room,
// honoring the excluded sender.
func (h *Hub) deliverToRoom(callID uuid.UUID, evt *pubsub.Event) {
	for _, member := range h.registry.RoomMembers(callID) {
		if member == evt.ExcludeUserID {
			continue
		}
		h.registry.FanoutToUser(member, evt.Name, evt.Payload)
	}
	h.metrics.RecordWebSocketMessage(evt.Name, "outbound")
}

func (h *Hub) teardownFromPayload(evt *pubsub.Event) {
	var payload struct {
		CallID uuid.UUID `json:"call_id"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil || payload.CallID == uuid.Nil {
		return
	}
	h.teardownCall(payload.CallID)
}

// teardownCall clears local room state once a call reaches a terminal status.
// It runs on every instance that sees the lifecycle event and is idempotent.
func (h *Hub) teardownCall(callID uuid.UUID) {
	h.registry.DropRoom(callID)
	h.quality.StopCall(callID)
}

// handleDisconnect performs the cleanup shared by every connection close path
func (h *Hub) handleDisconnect(client *Client) {
	userID, _, ok := h.registry.Unbind(client.connID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, callID := range client.joinedCalls() {
		h.registry.LeaveRoom(callID, userID)
		h.quality.Stop(callID, userID)
		h.releaseCallSub(callID)
	}

	h.callSvc.HandleDisconnect(ctx, userID, client.connID)
	h.releaseUserSub(userID)
	h.metrics.WebSocketDisconnected()

	if h.presence != nil && !h.registry.IsOnline(userID) {
		if err := h.presence.SetUserOffline(ctx, userID); err != nil {
			logger.Warn("Failed to mark user offline", zap.Error(err))
		}
	}

	<-h.semaphore

	logger.Info("WebSocket disconnected",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.connID))
}
