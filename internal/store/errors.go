package store

import "errors"

var (
	// ErrNotAParticipant is returned when a user acts on a conversation they
	// do not belong to.
	ErrNotAParticipant = errors.New("not a participant")
	// ErrInvalidParticipants is returned when a conversation is created with
	// an unusable participant set.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrContentTooLong is returned when message content exceeds the bound.
	ErrContentTooLong = errors.New("content too long")
	// ErrPermissionDenied is returned when the role policy forbids the pair.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidMessage is returned for empty content, unknown message types
	// or a reply_to outside the conversation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrStorageUnavailable is returned after the retry budget at the store
	// boundary is exhausted. The caller should retry the operation.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
