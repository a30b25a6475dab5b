package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/observability"
)

// Handler upgrades HTTP requests to messaging WebSocket connections.
type Handler struct {
	deps Deps
	cfg  Settings
}

// NewHandler constructs a websocket Handler.
func NewHandler(deps Deps, cfg Settings) *Handler {
	return &Handler{deps: deps, cfg: cfg}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle serves GET /ws. The token may arrive in the query string; without
// one the client has the auth grace window to send an authentication frame.
func (h *Handler) Handle(c *gin.Context) {
	h.serve(c, "")
}

// HandleConversation serves GET /ws/conversation/:conversation_id, the
// variant that pre-subscribes the socket to one conversation.
func (h *Handler) HandleConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	h.serve(c, conversationID)
}

func (h *Handler) serve(c *gin.Context, preConversation string) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := NewClient(conn, h.deps, h.cfg, preConversation)

	meta := observability.MetaFromRequest(c.Request)
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWS, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_open",
		Payload: map[string]interface{}{
			"conn_id":   client.ID(),
			"ip":        meta.ClientIP,
			"device_id": meta.DeviceID,
			"trace_id":  span.SpanContext().TraceID().String(),
		},
	}, observability.BuildHeaders(meta.RequestID, span.SpanContext().TraceID().String()))

	// The request context dies when this handler returns; the connection
	// outlives it but keeps the trace.
	go client.Run(context.WithoutCancel(ctx), token)
}
