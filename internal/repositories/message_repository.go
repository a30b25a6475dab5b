package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines persistence for chat messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message) error
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	History(ctx context.Context, conversationID, requesterID string, before time.Time, beforeID string, limit int, editGrace time.Duration) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, upToMessageID string, at time.Time) ([]string, error)
	UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores a message and applies its side effects atomically:
// total_messages and the last-message cache on the conversation, and every
// other participant's unread counter. Either all of it lands or none of it.
func (r *MessageRepo) AppendMessage(ctx context.Context, msg models.Message) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_role, recipient_id,
                               content, message_type, status, is_read, reply_to, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $11)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.SenderRole, msg.RecipientID,
		msg.Content, msg.MessageType, msg.Status, msg.ReplyTo, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
         SET total_messages = total_messages + 1,
             last_message_content = $2, last_message_at = $3, last_message_by = $4
         WHERE id = $1`,
		msg.ConversationID, msg.Content, msg.CreatedAt, msg.SenderID); err != nil {
		return fmt.Errorf("update conversation cache: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_participants SET unread_count = unread_count + 1
         WHERE conversation_id = $1 AND user_id <> $2`,
		msg.ConversationID, msg.SenderID); err != nil {
		return fmt.Errorf("bump unread counters: %w", err)
	}

	return tx.Commit()
}

// GetMessage retrieves a single message with its read_by set.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg,
		`SELECT id, conversation_id, sender_id, sender_name, sender_role, recipient_id,
                content, message_type, status, is_read, read_at, reply_to, created_at, updated_at, deleted_at
         FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}

	var readBy pq.StringArray
	if err := r.db.GetContext(ctx, &readBy,
		`SELECT COALESCE(ARRAY_AGG(user_id ORDER BY read_at), '{}') FROM message_reads WHERE message_id=$1`,
		messageID); err != nil {
		return models.Message{}, err
	}
	msg.ReadBy = []string(readBy)
	return msg, nil
}

// History returns messages newest first, keyed by a (created_at, id) cursor.
// Soft-deleted messages are hidden, except to their sender while the edit
// grace window is still open.
func (r *MessageRepo) History(ctx context.Context, conversationID, requesterID string, before time.Time, beforeID string, limit int, editGrace time.Duration) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender_id, sender_name, sender_role, recipient_id,
                     content, message_type, status, is_read, read_at, reply_to, created_at, updated_at, deleted_at
              FROM messages
              WHERE conversation_id = $1
                AND (deleted_at IS NULL OR (sender_id = $2 AND deleted_at > $3))
                AND (created_at, id) < ($4, $5::uuid)
              ORDER BY created_at DESC, id DESC
              LIMIT $6`
	graceCutoff := time.Now().Add(-editGrace)
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, conversationID, requesterID, graceCutoff, before, beforeID, limit)
	return msgs, err
}

// MarkRead records the reader on every unread message from other senders up to
// the given message (or all of them when upToMessageID is empty), zeroes the
// reader's unread counter and promotes fully-read messages to status read. It
// returns the ids of messages the reader was newly added to.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, userID string, upToMessageID string, at time.Time) ([]string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bound := at
	if upToMessageID != "" {
		if err := tx.GetContext(ctx, &bound,
			`SELECT created_at FROM messages WHERE id=$1 AND conversation_id=$2`,
			upToMessageID, conversationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrMessageNotFound
			}
			return nil, err
		}
	}

	rows, err := tx.QueryxContext(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
         SELECT m.id, $2, $4 FROM messages m
         WHERE m.conversation_id = $1 AND m.sender_id <> $2
           AND m.deleted_at IS NULL AND m.created_at <= $3
         ON CONFLICT (message_id, user_id) DO NOTHING
         RETURNING message_id`,
		conversationID, userID, bound, at)
	if err != nil {
		return nil, fmt.Errorf("record reads: %w", err)
	}
	var readIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		readIDs = append(readIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A message counts as read once every participant other than its sender
	// has recorded a read.
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages m
         SET status = 'read', is_read = TRUE, read_at = COALESCE(m.read_at, $2)
         WHERE m.conversation_id = $1 AND m.is_read = FALSE AND m.status <> 'failed'
           AND (SELECT COUNT(*) FROM message_reads r WHERE r.message_id = m.id) >=
               (SELECT COUNT(*) - 1 FROM conversation_participants p WHERE p.conversation_id = $1)`,
		conversationID, at); err != nil {
		return nil, fmt.Errorf("promote read status: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_participants SET unread_count = 0 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID); err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return readIDs, nil
}

// UpdateStatus advances a message's delivery status. Regressions are ignored
// so a late delivered update never demotes a read message.
func (r *MessageRepo) UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus) error {
	var query string
	switch status {
	case models.StatusDelivered:
		query = `UPDATE messages SET status='delivered' WHERE id=$1 AND status='sent'`
	case models.StatusFailed:
		query = `UPDATE messages SET status='failed' WHERE id=$1 AND status <> 'failed'`
	default:
		return fmt.Errorf("unsupported status transition to %q", status)
	}
	_, err := r.db.ExecContext(ctx, query, messageID)
	return err
}
