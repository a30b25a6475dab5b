package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/presence"
	"messaging-service/internal/repositories"
	"messaging-service/internal/store"
)

// MessageHandler exposes the messaging core over REST so the CRUD dashboards
// can read history and create conversations without opening a socket.
type MessageHandler struct {
	store   *store.Store
	tracker *presence.Tracker
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(st *store.Store, tracker *presence.Tracker) *MessageHandler {
	return &MessageHandler{store: st, tracker: tracker}
}

// SendMessage handles POST /messages/send.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	var req struct {
		ConversationID string  `json:"conversation_id" binding:"required"`
		Content        string  `json:"content" binding:"required"`
		MessageType    string  `json:"message_type"`
		ReplyTo        *string `json:"reply_to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender := store.User{ID: claims.UserID, Name: claims.DisplayName, Role: claims.Role}
	msg, err := h.store.SendMessage(c.Request.Context(), req.ConversationID, sender, req.Content, models.MessageType(req.MessageType), req.ReplyTo)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// GetHistory handles GET /messages/history/:conversation_id.
func (h *MessageHandler) GetHistory(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	conversationID := c.Param("conversation_id")
	cursor := c.Query("cursor")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, next, err := h.store.GetHistory(c.Request.Context(), conversationID, claims.UserID, cursor, limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs, "next_cursor": next})
}

// MarkRead handles POST /messages/mark-read/:message_id.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	messageID := c.Param("message_id")
	msg, err := h.store.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	readIDs, err := h.store.MarkRead(c.Request.Context(), msg.ConversationID, claims.UserID, messageID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": msg.ConversationID, "read_message_ids": readIDs})
}

// ListConversations handles GET /messages/conversations.
func (h *MessageHandler) ListConversations(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	summaries, err := h.store.Conversations(c.Request.Context(), claims.UserID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// CreateConversation handles POST /messages/conversations.
func (h *MessageHandler) CreateConversation(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	var req struct {
		Type         string `json:"conversation_type" binding:"required"`
		Participants []struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required"`
		} `json:"participants" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creator := store.User{ID: claims.UserID, Name: claims.DisplayName, Role: claims.Role}
	participants := make([]store.ParticipantInfo, 0, len(req.Participants))
	for _, p := range req.Participants {
		participants = append(participants, store.ParticipantInfo{ID: p.UserID, Role: models.Role(p.Role)})
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), creator, participants, models.ConversationType(req.Type))
	if err != nil {
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// SetMuted handles POST /messages/conversations/:conversation_id/mute.
func (h *MessageHandler) SetMuted(c *gin.Context) {
	h.setFlag(c, func(claims string, conversationID string, value bool) error {
		return h.store.SetMuted(c.Request.Context(), conversationID, claims, value)
	}, "muted")
}

// SetArchived handles POST /messages/conversations/:conversation_id/archive.
func (h *MessageHandler) SetArchived(c *gin.Context) {
	h.setFlag(c, func(claims string, conversationID string, value bool) error {
		return h.store.SetArchived(c.Request.Context(), conversationID, claims, value)
	}, "archived")
}

func (h *MessageHandler) setFlag(c *gin.Context, apply func(userID, conversationID string, value bool) error, field string) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	var body map[string]bool
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, ok := body[field]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + field + " flag"})
		return
	}

	if err := apply(claims.UserID, c.Param("conversation_id"), value); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// OnlineUsers handles GET /messages/online-users.
func (h *MessageHandler) OnlineUsers(c *gin.Context) {
	users := h.tracker.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{"count": len(users), "users": users})
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotAParticipant), errors.Is(err, store.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidParticipants), errors.Is(err, store.ErrContentTooLong), errors.Is(err, store.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repositories.ErrConversationNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry the request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
