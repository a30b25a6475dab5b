package models

import "time"

// Frame type discriminators shared by both directions of the socket.
const (
	FrameAuthentication = "authentication"
	FrameMessage        = "message"
	FrameTyping         = "message_typing"
	FrameRead           = "message_read"
	FramePing           = "ping"
	FramePong           = "pong"
	FrameStatusUpdate   = "status_update"
	FramePresence       = "presence"
	FrameReadReceipt    = "read_receipt"
	FrameConversation   = "conversation_created"
	FrameError          = "error"
)

// InboundFrame is one client-to-server JSON frame.
type InboundFrame struct {
	Type           string  `json:"type"`
	Token          string  `json:"token,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	MessageID      string  `json:"message_id,omitempty"`
	Content        string  `json:"content,omitempty"`
	MessageType    string  `json:"message_type,omitempty"`
	ReplyTo        *string `json:"reply_to,omitempty"`
	Status         string  `json:"status,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
}

// OutboundFrame is one server-to-client JSON frame.
type OutboundFrame struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	MessageID      string      `json:"message_id,omitempty"`
	UserID         string      `json:"user_id,omitempty"`
	Message        *Message    `json:"message,omitempty"`
	Status         string      `json:"status,omitempty"`
	Code           string      `json:"code,omitempty"`
	Error          string      `json:"message_text,omitempty"`
	Timestamp      *time.Time  `json:"timestamp,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
}

// BestEffort reports whether the frame may be dropped when a recipient's send
// queue is full. Chat messages are never dropped; the connection is closed
// instead.
func (f *OutboundFrame) BestEffort() bool {
	switch f.Type {
	case FrameTyping, FramePresence, FrameReadReceipt:
		return true
	}
	return false
}
