package models

import "time"

// ConversationType distinguishes thread shapes.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationSupport ConversationType = "support"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationSupport:
		return true
	}
	return false
}

// Conversation is a persistent message thread.
type Conversation struct {
	ID                 string           `db:"id" json:"conversation_id"`
	Type               ConversationType `db:"type" json:"conversation_type"`
	LastMessageContent *string          `db:"last_message_content" json:"last_message_content,omitempty"`
	LastMessageAt      *time.Time       `db:"last_message_at" json:"last_message_at,omitempty"`
	LastMessageBy      *string          `db:"last_message_by" json:"last_message_by,omitempty"`
	TotalMessages      int64            `db:"total_messages" json:"total_messages"`
	IsActive           bool             `db:"is_active" json:"is_active"`
	IsDeleted          bool             `db:"is_deleted" json:"is_deleted"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
}

// Participant carries the per-user view of a conversation.
type Participant struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	UnreadCount    int       `db:"unread_count" json:"unread_count"`
	IsMuted        bool      `db:"is_muted" json:"is_muted"`
	IsArchived     bool      `db:"is_archived" json:"is_archived"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
}

// ConversationSummary is the API view of a conversation for one user.
type ConversationSummary struct {
	Conversation
	ParticipantIDs []string `json:"participants"`
	UnreadCount    int      `json:"unread_count"`
	IsMuted        bool     `json:"is_muted"`
	IsArchived     bool     `json:"is_archived"`
}
