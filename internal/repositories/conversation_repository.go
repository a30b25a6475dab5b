package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv models.Conversation, participantIDs []string) error
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB string) (models.Conversation, error)
	GetParticipants(ctx context.Context, conversationID string) ([]models.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	SetMuted(ctx context.Context, conversationID, userID string, muted bool) error
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateConversation inserts the conversation and its participant rows in one
// transaction.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv models.Conversation, participantIDs []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, type, total_messages, is_active, is_deleted, created_at)
         VALUES ($1, $2, 0, TRUE, FALSE, $3)`,
		conv.ID, conv.Type, conv.CreatedAt); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`,
			conv.ID, userID); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	return tx.Commit()
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, type, last_message_content, last_message_at, last_message_by,
                total_messages, is_active, is_deleted, created_at
         FROM conversations WHERE id=$1 AND is_deleted = FALSE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// FindDirectConversation returns an existing direct conversation between two
// users, if any.
func (r *ConversationRepo) FindDirectConversation(ctx context.Context, userA, userB string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT c.id, c.type, c.last_message_content, c.last_message_at, c.last_message_by,
                c.total_messages, c.is_active, c.is_deleted, c.created_at
         FROM conversations c
         WHERE c.type = 'direct' AND c.is_deleted = FALSE
           AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
           AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $2)
         LIMIT 1`, userA, userB)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetParticipants returns the participant rows of a conversation.
func (r *ConversationRepo) GetParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	var parts []models.Participant
	err := r.db.SelectContext(ctx, &parts,
		`SELECT conversation_id, user_id, unread_count, is_muted, is_archived, joined_at
         FROM conversation_participants WHERE conversation_id=$1 ORDER BY joined_at ASC`, conversationID)
	return parts, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`,
		conversationID, userID)
	return exists, err
}

// ListConversationsForUser returns the conversations the user participates in,
// most recently active first, with the user's own unread/mute/archive view.
func (r *ConversationRepo) ListConversationsForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT c.id, c.type, c.last_message_content, c.last_message_at, c.last_message_by,
                c.total_messages, c.is_active, c.is_deleted, c.created_at,
                p.unread_count, p.is_muted, p.is_archived
         FROM conversations c
         JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
         WHERE c.is_deleted = FALSE
         ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationSummary
	for rows.Next() {
		var s models.ConversationSummary
		if err := rows.Scan(&s.ID, &s.Type, &s.LastMessageContent, &s.LastMessageAt, &s.LastMessageBy,
			&s.TotalMessages, &s.IsActive, &s.IsDeleted, &s.CreatedAt,
			&s.UnreadCount, &s.IsMuted, &s.IsArchived); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		ids, err := r.participantIDs(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].ParticipantIDs = ids
	}
	return result, nil
}

func (r *ConversationRepo) participantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var ids pq.StringArray
	err := r.db.GetContext(ctx, &ids,
		`SELECT COALESCE(ARRAY_AGG(user_id ORDER BY joined_at), '{}') FROM conversation_participants WHERE conversation_id=$1`,
		conversationID)
	return []string(ids), err
}

// SetMuted flips the caller's mute flag; other participants are unaffected.
func (r *ConversationRepo) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	return r.setFlag(ctx, "is_muted", conversationID, userID, muted)
}

// SetArchived flips the caller's archive flag; other participants are unaffected.
func (r *ConversationRepo) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return r.setFlag(ctx, "is_archived", conversationID, userID, archived)
}

func (r *ConversationRepo) setFlag(ctx context.Context, column, conversationID, userID string, value bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversation_participants SET `+column+`=$3 WHERE conversation_id=$1 AND user_id=$2`,
		conversationID, userID, value)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}
