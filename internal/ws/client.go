package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/repositories"
	"messaging-service/internal/store"
	"messaging-service/internal/telemetry"
)

// State is the protocol handler's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

// Conn is the subset of *websocket.Conn the client drives. Tests substitute
// in-memory fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Settings are the protocol knobs for one connection.
type Settings struct {
	AuthGrace           time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MalformedFrameLimit int
	SendQueueSize       int
}

// Deps are the collaborators each connection talks to.
type Deps struct {
	Registry   *Registry
	Tracker    *presence.Tracker
	Store      *store.Store
	Verifier   auth.TokenVerifier
	Dispatcher *Dispatcher
	Audit      *telemetry.AuditEmitter
}

// Client is the per-connection protocol handler. It authenticates, decodes
// inbound frames, dispatches to the store and serializes outbound frames via
// a bounded send queue.
type Client struct {
	id   string
	conn Conn
	deps Deps
	cfg  Settings

	user       auth.Claims
	registered atomic.Bool
	state      atomic.Int32

	send      chan *models.OutboundFrame
	done      chan struct{}
	closeOnce sync.Once

	// conversation the socket pre-subscribed to via the URL, if any
	preConversation string

	malformed   int
	connectedAt time.Time
}

// NewClient wraps an upgraded connection.
func NewClient(conn Conn, deps Deps, cfg Settings, preConversation string) *Client {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	c := &Client{
		id:              uuid.NewString(),
		conn:            conn,
		deps:            deps,
		cfg:             cfg,
		send:            make(chan *models.OutboundFrame, cfg.SendQueueSize),
		done:            make(chan struct{}),
		preConversation: preConversation,
		connectedAt:     time.Now(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user id, empty before authentication.
func (c *Client) UserID() string { return c.user.UserID }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

func (c *Client) identity() presence.Identity {
	return presence.Identity{
		UserID:      c.user.UserID,
		Username:    c.user.Username,
		DisplayName: c.user.DisplayName,
		Role:        c.user.Role,
	}
}

func (c *Client) storeUser() store.User {
	name := c.user.DisplayName
	if name == "" {
		name = c.user.Username
	}
	return store.User{ID: c.user.UserID, Name: name, Role: c.user.Role}
}

// Run drives the connection until it closes. token, when non-empty, came from
// the query string; otherwise the client must send an authentication frame
// within the grace window.
func (c *Client) Run(ctx context.Context, token string) {
	c.setState(StateAuthenticating)

	if token != "" {
		if !c.authenticate(ctx, token) {
			return
		}
	}

	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) authenticate(ctx context.Context, token string) bool {
	claims, err := c.deps.Verifier.Verify(ctx, token)
	if err != nil {
		c.writeFrameDirect(&models.OutboundFrame{Type: models.FrameError, Code: CodeUnauthorized, Error: "invalid or expired token"})
		c.deps.Audit.Emit(ctx, "warn", "websocket authentication rejected", c.id, nil)
		c.CloseWithPolicy(CloseUnauthorized, "invalid token")
		return false
	}
	c.user = claims

	if c.preConversation != "" {
		member, err := c.deps.Store.IsParticipant(ctx, c.preConversation, claims.UserID)
		if err != nil || !member {
			c.writeFrameDirect(&models.OutboundFrame{Type: models.FrameError, Code: CodeNotAParticipant, Error: "not a participant of this conversation"})
			c.CloseWithPolicy(CloseUnauthorized, "not a participant")
			return false
		}
	}

	c.setState(StateActive)
	c.registered.Store(true)
	if evicted := c.deps.Registry.Register(ctx, c); evicted != nil {
		evicted.CloseWithPolicy(CloseConnectionEvicted, "device limit reached")
		observability.IncWSEvent("connection", "evicted")
	}
	observability.IncWSActive(string(claims.Role))
	observability.IncWSEvent("connection", "connect")
	return true
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.State() == StateAuthenticating {
			c.CloseWithPolicy(CloseAuthTimeout, "authentication timed out")
			return
		}
		c.CloseWithPolicy(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		if c.State() == StateActive {
			c.deps.Tracker.Heartbeat(context.Background(), c.user.UserID)
		}
		return nil
	})

	if c.State() == StateAuthenticating {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.AuthGrace))
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("connection", "read_error")
			}
			return
		}
		if !c.handleFrame(ctx, data) {
			return
		}
	}
}

// handleFrame processes one inbound frame; it returns false once the
// connection is past Active.
func (c *Client) handleFrame(ctx context.Context, data []byte) bool {
	var frame models.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return c.protocolError(ctx, CodeMalformedFrame, "frame is not valid JSON")
	}

	switch c.State() {
	case StateAuthenticating:
		if frame.Type != models.FrameAuthentication {
			c.writeFrameDirect(&models.OutboundFrame{Type: models.FrameError, Code: CodeUnauthorized, Error: "expected authentication frame"})
			c.CloseWithPolicy(CloseUnauthorized, "authentication required")
			return false
		}
		if !c.authenticate(ctx, frame.Token) {
			return false
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		return true

	case StateActive:
		switch frame.Type {
		case models.FrameMessage:
			c.handleMessage(ctx, frame)
		case models.FrameTyping:
			c.handleTyping(ctx, frame)
		case models.FrameRead:
			c.handleRead(ctx, frame)
		case models.FramePing:
			c.handlePing()
		case models.FrameStatusUpdate:
			c.handleStatus(ctx, frame)
		default:
			return c.protocolError(ctx, CodeMalformedFrame, "unknown frame type")
		}
		return true
	}
	return false
}

func (c *Client) handleMessage(ctx context.Context, frame models.InboundFrame) {
	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = c.preConversation
	}
	msg, err := c.deps.Store.SendMessage(ctx, conversationID, c.storeUser(), frame.Content, models.MessageType(frame.MessageType), frame.ReplyTo)
	if err != nil {
		c.Enqueue(&models.OutboundFrame{Type: models.FrameError, ConversationID: conversationID, Code: errorCode(err), Error: err.Error()})
		return
	}
	observability.IncMessagesAccepted(string(msg.MessageType))
}

func (c *Client) handleTyping(ctx context.Context, frame models.InboundFrame) {
	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = c.preConversation
	}
	// Best-effort: membership failures and offline recipients are silent.
	member, err := c.deps.Store.IsParticipant(ctx, conversationID, c.user.UserID)
	if err != nil || !member {
		return
	}
	participants, err := c.deps.Store.Participants(ctx, conversationID)
	if err != nil {
		return
	}
	c.deps.Dispatcher.BroadcastTyping(conversationID, c.user.UserID, participants)
}

func (c *Client) handleRead(ctx context.Context, frame models.InboundFrame) {
	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = c.preConversation
	}
	if _, err := c.deps.Store.MarkRead(ctx, conversationID, c.user.UserID, frame.MessageID); err != nil {
		c.Enqueue(&models.OutboundFrame{Type: models.FrameError, ConversationID: conversationID, Code: errorCode(err), Error: err.Error()})
	}
}

func (c *Client) handlePing() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	c.deps.Tracker.Heartbeat(context.Background(), c.user.UserID)
	now := time.Now().UTC()
	c.Enqueue(&models.OutboundFrame{Type: models.FramePong, Timestamp: &now})
}

func (c *Client) handleStatus(ctx context.Context, frame models.InboundFrame) {
	status := models.OnlineStatus(frame.Status)
	if !c.deps.Tracker.SetStatus(ctx, c.user.UserID, status) {
		c.Enqueue(&models.OutboundFrame{Type: models.FrameError, Code: CodeInvalidMessage, Error: "unsupported status"})
	}
}

// protocolError reports a malformed frame back to the client. The connection
// stays Active until the malformed-frame threshold trips, then closes with
// the abuse policy code. Returns false when the connection was closed.
func (c *Client) protocolError(ctx context.Context, code, text string) bool {
	c.malformed++
	c.Enqueue(&models.OutboundFrame{Type: models.FrameError, Code: code, Error: text})
	observability.IncWSEvent("frame", "malformed")
	if c.malformed >= c.cfg.MalformedFrameLimit {
		c.deps.Audit.Emit(ctx, "warn", "connection closed for protocol abuse", c.id, &c.user.UserID)
		c.CloseWithPolicy(CloseProtocolAbuse, "too many malformed frames")
		return false
	}
	return true
}

// Enqueue hands an outbound frame to the connection's bounded send queue.
// When the queue is full, best-effort frames are shed; a chat message is
// never dropped, the connection is closed as unresponsive instead.
func (c *Client) Enqueue(frame *models.OutboundFrame) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
		return
	default:
	}

	if frame.BestEffort() {
		observability.IncFanoutDrop("queue_full")
		return
	}

	for {
		select {
		case old := <-c.send:
			if !old.BestEffort() {
				// Queue is jammed with frames that must not be dropped.
				go c.CloseWithPolicy(CloseUnresponsive, "send queue overflow")
				return
			}
			observability.IncFanoutDrop("shed")
			select {
			case c.send <- frame:
				return
			default:
			}
		default:
			select {
			case c.send <- frame:
			default:
				go c.CloseWithPolicy(CloseUnresponsive, "send queue overflow")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Printf("ws: marshal outbound frame: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.CloseWithPolicy(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.CloseWithPolicy(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// writeFrameDirect writes a frame before the write pump exists. Only used
// during the authentication phase.
func (c *Client) writeFrameDirect(frame *models.OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

// CloseWithPolicy transitions to Closing, sends the close frame with the
// given code, deregisters and releases the socket. Safe to call repeatedly;
// deregistration always happens before Closed.
func (c *Client) CloseWithPolicy(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		close(c.done)

		if c.registered.Load() {
			c.deps.Registry.Deregister(context.Background(), c)
			observability.DecWSActive(string(c.user.Role))
			observability.IncWSEvent("connection", "disconnect")
		}

		_ = observability.PublishEvent(context.Background(), observability.RoutingKeyWS, observability.EventEnvelope{
			EventType: "ws_events",
			EventName: "ws_disconnect",
			Payload: map[string]interface{}{
				"conn_id":     c.id,
				"user_id":     c.user.UserID,
				"code":        code,
				"reason":      reason,
				"duration_ms": time.Since(c.connectedAt).Milliseconds(),
			},
		}, nil)

		_ = c.conn.Close()
		c.setState(StateClosed)
	})
}

// errorCode maps store errors to machine-readable frame codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotAParticipant):
		return CodeNotAParticipant
	case errors.Is(err, store.ErrInvalidParticipants):
		return CodeInvalidParticipant
	case errors.Is(err, store.ErrContentTooLong):
		return CodeContentTooLong
	case errors.Is(err, store.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, store.ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, store.ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, repositories.ErrConversationNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		return CodeInvalidMessage
	}
	return "internal_error"
}
