package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"messaging-service/internal/models"
	"messaging-service/internal/permissions"
	"messaging-service/internal/repositories"
)

// User identifies an authenticated actor.
type User struct {
	ID   string
	Name string
	Role models.Role
}

// ParticipantInfo names a would-be conversation member with their role.
type ParticipantInfo struct {
	ID   string
	Role models.Role
}

// EventKind discriminates persisted events the dispatcher fans out.
type EventKind string

const (
	EventMessage             EventKind = "message"
	EventReadReceipt         EventKind = "read_receipt"
	EventConversationCreated EventKind = "conversation_created"
)

// Event is emitted after a store operation commits. The fan-out dispatcher
// consumes these; delivery failure never rolls back persistence.
type Event struct {
	Kind           EventKind
	ConversationID string
	ParticipantIDs []string
	Message        *models.Message
	ReaderID       string
	MessageIDs     []string
}

// RoleLookup resolves a user's role when it is not carried by the caller.
type RoleLookup interface {
	Role(ctx context.Context, userID string) (models.Role, error)
}

// Store is the single writer for conversations and messages. Sends to the
// same conversation are serialized through a per-conversation mutex; counter
// updates therefore never lose increments.
type Store struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	engine        *permissions.Engine
	roles         RoleLookup

	maxRetries      uint64
	historyPageSize int
	editGrace       time.Duration

	convLocks sync.Map // conversation id -> *sync.Mutex

	events chan Event
}

// Option tweaks store construction.
type Option func(*Store)

// WithRetries sets the bounded retry budget for storage errors.
func WithRetries(n uint64) Option { return func(s *Store) { s.maxRetries = n } }

// WithHistoryPageSize caps history page length.
func WithHistoryPageSize(n int) Option { return func(s *Store) { s.historyPageSize = n } }

// WithEditGrace sets how long a sender still sees their soft-deleted messages.
func WithEditGrace(d time.Duration) Option { return func(s *Store) { s.editGrace = d } }

// New constructs a Store.
func New(conversations repositories.ConversationRepository, messages repositories.MessageRepository, engine *permissions.Engine, roles RoleLookup, opts ...Option) *Store {
	s := &Store{
		conversations:   conversations,
		messages:        messages,
		engine:          engine,
		roles:           roles,
		maxRetries:      3,
		historyPageSize: 50,
		editGrace:       15 * time.Minute,
		events:          make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events exposes the persisted-event stream for the dispatcher.
func (s *Store) Events() <-chan Event {
	return s.events
}

func (s *Store) lockConversation(conversationID string) func() {
	mu, _ := s.convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// withRetry runs op with bounded exponential backoff. Domain errors are
// permanent; only storage errors burn retry budget. Exhaustion surfaces as
// ErrStorageUnavailable so the client can resend.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), s.maxRetries), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil {
		return nil
	}
	if isPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.Printf("store: retries exhausted: %v", err)
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotAParticipant) ||
		errors.Is(err, ErrInvalidParticipants) ||
		errors.Is(err, ErrContentTooLong) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, repositories.ErrConversationNotFound) ||
		errors.Is(err, repositories.ErrMessageNotFound)
}

// CreateConversation creates a thread after checking every participant pair
// against the role policy. Direct conversations hold exactly two participants
// and are deduplicated.
func (s *Store) CreateConversation(ctx context.Context, creator User, participants []ParticipantInfo, convType models.ConversationType) (models.Conversation, error) {
	if !convType.Valid() {
		return models.Conversation{}, fmt.Errorf("%w: unknown conversation type %q", ErrInvalidParticipants, convType)
	}

	members := make([]ParticipantInfo, 0, len(participants)+1)
	seen := make(map[string]struct{}, len(participants)+1)
	if !containsParticipant(participants, creator.ID) {
		members = append(members, ParticipantInfo{ID: creator.ID, Role: creator.Role})
		seen[creator.ID] = struct{}{}
	}
	for _, p := range participants {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		members = append(members, p)
	}
	if len(members) == 0 {
		return models.Conversation{}, ErrInvalidParticipants
	}
	if convType == models.ConversationDirect && len(members) != 2 {
		return models.Conversation{}, fmt.Errorf("%w: direct conversations need exactly 2 participants", ErrInvalidParticipants)
	}

	for i := range members {
		for j := range members {
			if i == j {
				continue
			}
			ok, err := s.engine.Allowed(ctx, members[i].ID, members[i].Role, members[j].ID, members[j].Role)
			if err != nil {
				return models.Conversation{}, err
			}
			if !ok {
				return models.Conversation{}, fmt.Errorf("%w: %s may not message %s", ErrInvalidParticipants, members[i].Role, members[j].Role)
			}
		}
	}

	if convType == models.ConversationDirect {
		existing, err := s.conversations.FindDirectConversation(ctx, members[0].ID, members[1].ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repositories.ErrConversationNotFound) {
			return models.Conversation{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	conv := models.Conversation{
		ID:        uuid.NewString(),
		Type:      convType,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}

	if err := s.withRetry(ctx, func() error {
		return s.conversations.CreateConversation(ctx, conv, ids)
	}); err != nil {
		return models.Conversation{}, err
	}

	s.events <- Event{Kind: EventConversationCreated, ConversationID: conv.ID, ParticipantIDs: ids}
	return conv, nil
}

func containsParticipant(members []ParticipantInfo, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// SendMessage validates and appends a message. This is the serialization
// point for a conversation: concurrent sends are ordered by arrival and each
// increments counters atomically relative to the others.
func (s *Store) SendMessage(ctx context.Context, conversationID string, sender User, content string, msgType models.MessageType, replyTo *string) (models.Message, error) {
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return models.Message{}, ErrContentTooLong
	}
	if content == "" {
		return models.Message{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if !msgType.Valid() {
		return models.Message{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msgType)
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	var parts []models.Participant
	if err := s.withRetry(ctx, func() error {
		if _, err := s.conversations.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		var err error
		parts, err = s.conversations.GetParticipants(ctx, conversationID)
		return err
	}); err != nil {
		return models.Message{}, err
	}

	var recipientID *string
	isMember := false
	others := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.UserID == sender.ID {
			isMember = true
			continue
		}
		others = append(others, p.UserID)
	}
	if !isMember {
		return models.Message{}, ErrNotAParticipant
	}
	if len(others) == 1 {
		recipientID = &others[0]
		if err := s.checkRecipient(ctx, sender, others[0]); err != nil {
			return models.Message{}, err
		}
	}

	if replyTo != nil {
		parent, err := s.messages.GetMessage(ctx, *replyTo)
		if err != nil {
			return models.Message{}, fmt.Errorf("%w: reply_to not found", ErrInvalidMessage)
		}
		if parent.ConversationID != conversationID {
			return models.Message{}, fmt.Errorf("%w: reply_to belongs to another conversation", ErrInvalidMessage)
		}
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		SenderRole:     sender.Role,
		RecipientID:    recipientID,
		Content:        content,
		MessageType:    msgType,
		Status:         models.StatusSent,
		ReplyTo:        replyTo,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.withRetry(ctx, func() error {
		return s.messages.AppendMessage(ctx, msg)
	}); err != nil {
		return models.Message{}, err
	}

	participantIDs := make([]string, 0, len(parts))
	for _, p := range parts {
		participantIDs = append(participantIDs, p.UserID)
	}
	s.events <- Event{Kind: EventMessage, ConversationID: conversationID, ParticipantIDs: participantIDs, Message: &msg}
	return msg, nil
}

// checkRecipient re-runs the role policy on the hot path for direct sends.
// The recipient's role comes from the role lookup; when it is unknown the
// membership established at creation time stands.
func (s *Store) checkRecipient(ctx context.Context, sender User, recipientID string) error {
	if s.roles == nil {
		return nil
	}
	role, err := s.roles.Role(ctx, recipientID)
	if err != nil || !role.Valid() {
		return nil
	}
	ok, err := s.engine.Allowed(ctx, sender.ID, sender.Role, recipientID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

// MarkRead zeroes the reader's unread counter and records read receipts up to
// the given message, or all messages when upToMessageID is empty.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID, upToMessageID string) ([]string, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	unlock := s.lockConversation(conversationID)
	defer unlock()

	var readIDs []string
	if err := s.withRetry(ctx, func() error {
		var err error
		readIDs, err = s.messages.MarkRead(ctx, conversationID, userID, upToMessageID, time.Now().UTC())
		return err
	}); err != nil {
		return nil, err
	}

	parts, err := s.conversations.GetParticipants(ctx, conversationID)
	if err == nil {
		ids := make([]string, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.UserID)
		}
		s.events <- Event{Kind: EventReadReceipt, ConversationID: conversationID, ParticipantIDs: ids, ReaderID: userID, MessageIDs: readIDs}
	}
	return readIDs, nil
}

// GetHistory pages messages newest first behind an opaque cursor.
func (s *Store) GetHistory(ctx context.Context, conversationID, requesterID, cursor string, limit int) ([]models.Message, string, error) {
	if err := s.requireParticipant(ctx, conversationID, requesterID); err != nil {
		return nil, "", err
	}
	before, beforeID, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if limit <= 0 || limit > s.historyPageSize {
		limit = s.historyPageSize
	}

	var msgs []models.Message
	if err := s.withRetry(ctx, func() error {
		var err error
		msgs, err = s.messages.History(ctx, conversationID, requesterID, before, beforeID, limit, s.editGrace)
		return err
	}); err != nil {
		return nil, "", err
	}

	next := ""
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return msgs, next, nil
}

// MarkDelivered advances a message to delivered after fan-out reached a live
// recipient connection. Regressions are ignored by the repository.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) error {
	return s.withRetry(ctx, func() error {
		return s.messages.UpdateStatus(ctx, messageID, models.StatusDelivered)
	})
}

// SetMuted flips the caller's mute flag.
func (s *Store) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		return s.conversations.SetMuted(ctx, conversationID, userID, muted)
	})
}

// SetArchived flips the caller's archive flag.
func (s *Store) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		return s.conversations.SetArchived(ctx, conversationID, userID, archived)
	})
}

// Conversations lists the user's threads with their per-participant view.
func (s *Store) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	err := s.withRetry(ctx, func() error {
		var err error
		summaries, err = s.conversations.ListConversationsForUser(ctx, userID)
		return err
	})
	return summaries, err
}

// Participants resolves the member ids of a conversation.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]string, error) {
	parts, err := s.conversations.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

// IsParticipant reports membership.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.conversations.IsParticipant(ctx, conversationID, userID)
}

// GetMessage loads one message.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	return s.messages.GetMessage(ctx, messageID)
}

func (s *Store) requireParticipant(ctx context.Context, conversationID, userID string) error {
	var member bool
	if err := s.withRetry(ctx, func() error {
		var err error
		member, err = s.conversations.IsParticipant(ctx, conversationID, userID)
		return err
	}); err != nil {
		return err
	}
	if !member {
		return ErrNotAParticipant
	}
	return nil
}
