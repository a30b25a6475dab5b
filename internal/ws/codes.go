package ws

// Policy close codes sent in the WebSocket close frame. They sit in the
// 4000-4999 range reserved for application use.
const (
	CloseAuthTimeout       = 4001
	CloseUnauthorized      = 4003
	CloseProtocolAbuse     = 4008
	CloseConnectionEvicted = 4009
	CloseUnresponsive      = 4010
)

// Machine-readable codes carried by error frames.
const (
	CodeAuthTimeout        = "auth_timeout"
	CodeUnauthorized       = "unauthorized"
	CodeNotAParticipant    = "not_a_participant"
	CodeInvalidParticipant = "invalid_participants"
	CodeContentTooLong     = "content_too_long"
	CodePermissionDenied   = "permission_denied"
	CodeStorageUnavailable = "storage_unavailable"
	CodeProtocolAbuse      = "protocol_abuse"
	CodeConnectionEvicted  = "connection_evicted"
	CodeMalformedFrame     = "malformed_frame"
	CodeInvalidMessage     = "invalid_message"
)
