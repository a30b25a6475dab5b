package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateConversation(ctx context.Context, conv models.Conversation, participantIDs []string) error {
	args := m.Called(ctx, conv, participantIDs)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) FindDirectConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	args := m.Called(ctx, conversationID)
	var parts []models.Participant
	if val := args.Get(0); val != nil {
		parts = val.([]models.Participant)
	}
	return parts, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversationsForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	args := m.Called(ctx, conversationID, userID, muted)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	args := m.Called(ctx, conversationID, userID, archived)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, msg models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) History(ctx context.Context, conversationID, requesterID string, before time.Time, beforeID string, limit int, editGrace time.Duration) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, requesterID, before, beforeID, limit, editGrace)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID, userID string, upToMessageID string, at time.Time) ([]string, error) {
	args := m.Called(ctx, conversationID, userID, upToMessageID, at)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus) error {
	args := m.Called(ctx, messageID, status)
	return args.Error(0)
}

type PresenceRepositoryMock struct {
	mock.Mock
}

func (m *PresenceRepositoryMock) UpsertStatus(ctx context.Context, status models.UserStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *PresenceRepositoryMock) GetStatus(ctx context.Context, userID string) (models.UserStatus, error) {
	args := m.Called(ctx, userID)
	var status models.UserStatus
	if val := args.Get(0); val != nil {
		status = val.(models.UserStatus)
	}
	return status, args.Error(1)
}

func (m *PresenceRepositoryMock) ListOnline(ctx context.Context) ([]models.UserStatus, error) {
	args := m.Called(ctx)
	var statuses []models.UserStatus
	if val := args.Get(0); val != nil {
		statuses = val.([]models.UserStatus)
	}
	return statuses, args.Error(1)
}

type TokenVerifierMock struct {
	mock.Mock
}

func (m *TokenVerifierMock) Verify(ctx context.Context, token string) (auth.Claims, error) {
	args := m.Called(ctx, token)
	var claims auth.Claims
	if val := args.Get(0); val != nil {
		claims = val.(auth.Claims)
	}
	return claims, args.Error(1)
}

type FamilyLinkResolverMock struct {
	mock.Mock
}

func (m *FamilyLinkResolverMock) Linked(ctx context.Context, userA, userB string) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}

type RoleLookupMock struct {
	mock.Mock
}

func (m *RoleLookupMock) Role(ctx context.Context, userID string) (models.Role, error) {
	args := m.Called(ctx, userID)
	var role models.Role
	if val := args.Get(0); val != nil {
		role = val.(models.Role)
	}
	return role, args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
