package models

import "time"

// Role identifies the kind of platform account a user holds.
type Role string

const (
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether the role is one of the four platform roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleParent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// MessageType classifies message payloads.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// MessageStatus tracks delivery progress. Transitions are monotonic:
// sent -> delivered -> read; failed is terminal.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// CanTransitionTo reports whether moving from s to next respects monotonic
// delivery progress. A failed message never moves again.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() >= s.rank()
}

// MaxContentLength bounds message content in Unicode code points.
const MaxContentLength = 2000

// Message is a persisted chat message.
type Message struct {
	ID             string        `db:"id" json:"message_id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	SenderName     string        `db:"sender_name" json:"sender_name"`
	SenderRole     Role          `db:"sender_role" json:"sender_role"`
	RecipientID    *string       `db:"recipient_id" json:"recipient_id,omitempty"`
	Content        string        `db:"content" json:"content"`
	MessageType    MessageType   `db:"message_type" json:"message_type"`
	Status         MessageStatus `db:"status" json:"status"`
	IsRead         bool          `db:"is_read" json:"is_read"`
	ReadAt         *time.Time    `db:"read_at" json:"read_at,omitempty"`
	ReadBy         []string      `db:"-" json:"read_by,omitempty"`
	ReplyTo        *string       `db:"reply_to" json:"reply_to,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      *time.Time    `db:"updated_at" json:"updated_at,omitempty"`
	DeletedAt      *time.Time    `db:"deleted_at" json:"deleted_at,omitempty"`
}
