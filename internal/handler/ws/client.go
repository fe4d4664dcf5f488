package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/service/call"
	"carelink-backend/internal/service/signaling"
	"carelink-backend/pkg/constants"
	apperrors "carelink-backend/pkg/errors"
	"carelink-backend/pkg/logger"
)

// maxMessageBytes caps a single inbound WebSocket frame
const maxMessageBytes = 128 * 1024

// Client events
const (
	EventSignal            = "signal"
	EventJoinCall          = "join-call"
	EventLeaveCall         = "leave-call"
	EventReconnectCall     = "reconnect-call"
	EventUpdateMedia       = "update-media"
	EventConnectionQuality = "connection-quality"
)

// wireMessage is the envelope on the wire in both directions
type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outboundMessage is the envelope for server-to-client delivery
type outboundMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client is one WebSocket connection bound to a user
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	connID string

	mu     sync.Mutex
	joined map[uuid.UUID]bool
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		connID: uuid.NewString(),
		joined: make(map[uuid.UUID]bool),
	}
}

// Send implements registry.Sender. Delivery to a slow connection is dropped
// rather than queued indefinitely.
func (c *Client) Send(event string, payload any) bool {
	data, err := json.Marshal(&outboundMessage{Event: event, Data: payload})
	if err != nil {
		logger.Warn("Failed to marshal outbound message",
			zap.String("event", event),
			zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once, after the connection is
// unbound from the registry so no fanout can race the close.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) joinedCalls() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := make([]uuid.UUID, 0, len(c.joined))
	for callID := range c.joined {
		calls = append(calls, callID)
	}
	return calls
}

func (c *Client) markJoined(callID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined[callID] {
		return false
	}
	c.joined[callID] = true
	return true
}

func (c *Client) markLeft(callID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined[callID] {
		return false
	}
	delete(c.joined, callID)
	return true
}

// readPump reads client messages and dispatches them sequentially, so a
// connection's messages are processed in the order they arrived.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.closeSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var msg wireMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError(apperrors.InvalidInputError("Malformed message"))
			continue
		}

		c.hub.metrics.RecordWebSocketMessage(msg.Event, "inbound")
		c.dispatch(&msg)
	}
}

// writePump writes outbound messages and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(msg *wireMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch msg.Event {
	case EventSignal:
		err = c.handleSignal(ctx, msg.Data)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		// Older clients send the signal type as the event name.
		err = c.handleLegacySignal(ctx, msg.Event, msg.Data)
	case EventJoinCall:
		err = c.handleJoinCall(ctx, msg.Data)
	case EventLeaveCall:
		err = c.handleLeaveCall(ctx, msg.Data)
	case EventReconnectCall:
		err = c.handleReconnectCall(ctx, msg.Data)
	case EventUpdateMedia:
		err = c.handleUpdateMedia(ctx, msg.Data)
	case EventConnectionQuality:
		err = c.handleConnectionQuality(ctx, msg.Data)
	default:
		err = apperrors.InvalidInputError("Unknown event")
	}

	if err != nil {
		c.sendError(apperrors.GetAppError(err))
	}
}

func (c *Client) handleSignal(ctx context.Context, data json.RawMessage) error {
	var sig signaling.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return apperrors.InvalidInputError("Malformed signal")
	}
	return c.hub.signaling.Relay(ctx, c.userID, &sig)
}

func (c *Client) handleLegacySignal(ctx context.Context, signalType string, data json.RawMessage) error {
	var sig signaling.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return apperrors.InvalidInputError("Malformed signal")
	}
	sig.Type = signalType
	return c.hub.signaling.Relay(ctx, c.userID, &sig)
}

func (c *Client) handleJoinCall(ctx context.Context, data json.RawMessage) error {
	var req struct {
		CallID       uuid.UUID `json:"call_id"`
		VideoEnabled *bool     `json:"video_enabled,omitempty"`
		AudioEnabled *bool     `json:"audio_enabled,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}

	result, err := c.hub.callSvc.Join(ctx, req.CallID, c.userID, c.connID)
	if err != nil {
		return err
	}

	if req.VideoEnabled != nil || req.AudioEnabled != nil {
		if err := c.applyJoinMedia(ctx, req.CallID, result, req.VideoEnabled, req.AudioEnabled); err != nil {
			logger.Warn("Failed to apply media state on join",
				zap.String("call_id", req.CallID.String()),
				zap.Error(err))
		}
	}

	// Room membership and the bus subscription must exist before the join ack,
	// so the client cannot observe a joined state that misses room events.
	if c.markJoined(req.CallID) {
		c.hub.retainCallSub(req.CallID)
	}
	c.hub.registry.JoinRoom(req.CallID, c.userID)
	c.hub.quality.Start(req.CallID, c.userID)

	c.Send("room-participants", result)
	return nil
}

// applyJoinMedia reconciles the media flags a client declared on join with the
// participant row, keeping unspecified flags at their current values.
func (c *Client) applyJoinMedia(ctx context.Context, callID uuid.UUID, result *call.JoinResult, video, audio *bool) error {
	var own *domain.CallParticipant
	for _, p := range result.Participants {
		if p.UserID == c.userID {
			own = p
			break
		}
	}
	if own == nil {
		return nil
	}

	if video != nil {
		own.VideoEnabled = *video
	}
	if audio != nil {
		own.AudioEnabled = *audio
	}
	return c.hub.callSvc.UpdateMedia(ctx, callID, c.userID,
		own.VideoEnabled, own.AudioEnabled, own.ScreenShareEnabled)
}

func (c *Client) handleLeaveCall(ctx context.Context, data json.RawMessage) error {
	var req struct {
		CallID uuid.UUID `json:"call_id"`
		Reason string    `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}

	if err := c.hub.callSvc.Leave(ctx, req.CallID, c.userID); err != nil {
		return err
	}
	if req.Reason != "" {
		logger.Debug("Participant left call",
			zap.String("call_id", req.CallID.String()),
			zap.String("reason", req.Reason))
	}

	c.hub.registry.LeaveRoom(req.CallID, c.userID)
	c.hub.quality.Stop(req.CallID, c.userID)
	if c.markLeft(req.CallID) {
		c.hub.releaseCallSub(req.CallID)
	}

	c.Send("call-left", map[string]any{"call_id": req.CallID})
	return nil
}

func (c *Client) handleReconnectCall(ctx context.Context, data json.RawMessage) error {
	var req struct {
		CallID uuid.UUID `json:"call_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}

	attempt, result, err := c.hub.callSvc.Reconnect(ctx, req.CallID, c.userID, c.connID)
	if err != nil {
		return err
	}

	// The rejoin re-attaches this connection to the room exactly like a fresh
	// join: membership and the bus subscription before the ack.
	if c.markJoined(req.CallID) {
		c.hub.retainCallSub(req.CallID)
	}
	c.hub.registry.JoinRoom(req.CallID, c.userID)
	c.hub.quality.Start(req.CallID, c.userID)

	c.Send("reconnect-accepted", map[string]any{
		"call_id":      req.CallID,
		"attempt":      attempt,
		"call":         result.Call,
		"participants": result.Participants,
	})
	return nil
}

func (c *Client) handleUpdateMedia(ctx context.Context, data json.RawMessage) error {
	var req struct {
		CallID             uuid.UUID `json:"call_id"`
		VideoEnabled       bool      `json:"video_enabled"`
		AudioEnabled       bool      `json:"audio_enabled"`
		ScreenShareEnabled bool      `json:"screen_share_enabled"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}

	return c.hub.callSvc.UpdateMedia(ctx, req.CallID, c.userID,
		req.VideoEnabled, req.AudioEnabled, req.ScreenShareEnabled)
}

func (c *Client) handleConnectionQuality(ctx context.Context, data json.RawMessage) error {
	var req struct {
		CallID  uuid.UUID              `json:"call_id"`
		Metrics *domain.QualityMetrics `json:"metrics"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.CallID == uuid.Nil {
		return apperrors.MissingFieldError("call_id")
	}

	return c.hub.quality.Report(ctx, req.CallID, c.userID, req.Metrics)
}

func (c *Client) sendError(appErr *apperrors.AppError) {
	c.hub.metrics.RecordWebSocketError()
	c.Send("error", map[string]any{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}
