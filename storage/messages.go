package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gochat/models"

	"github.com/google/uuid"
)

// previewLimit caps the runes kept in a conversation's last-message preview.
const previewLimit = 140

const messageColumns = `
	m.message_id,
	m.conversation_id,
	m.sender_id,
	m.receiver_id,
	m.content,
	m.timestamp_sent,
	m.is_read,
	m.deleted_for_everyone`

// CreateMessage persists a new message and assigns its authoritative id.
// The conversation summary and the receiver's unread counter are updated in
// the same transaction.
func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID, receiverID, text string) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, fmt.Errorf("%w: conversation_id is required", ErrInvalidArgument)
	}
	if senderID == "" || receiverID == "" {
		return models.Message{}, fmt.Errorf("%w: sender_id and receiver_id are required", ErrInvalidArgument)
	}
	if senderID == receiverID {
		return models.Message{}, fmt.Errorf("%w: sender and receiver must differ", ErrInvalidArgument)
	}
	if strings.TrimSpace(text) == "" {
		return models.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin create message transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	conversation, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT`+conversationColumns+` FROM conversations WHERE conversation_id = ?`,
		conversationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("load conversation %q: %w", conversationID, err)
	}
	if !conversation.HasParticipant(senderID) || !conversation.HasParticipant(receiverID) {
		return models.Message{}, ErrNotParticipant
	}

	message := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Text:           text,
	}
	sentAt := nowUnixMilli()
	message.CreatedAt = fromUnixMilli(sentAt)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			receiver_id,
			content,
			timestamp_sent
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.ReceiverID,
		message.Text,
		sentAt,
	); err != nil {
		return models.Message{}, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	unreadColumn := "unread_a"
	if conversation.Participants[1] == receiverID {
		unreadColumn = "unread_b"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET
			last_message_sender = ?,
			last_message_preview = ?,
			last_message_at = ?,
			`+unreadColumn+` = `+unreadColumn+` + 1
		WHERE conversation_id = ?`,
		senderID,
		Preview(text),
		sentAt,
		conversationID,
	); err != nil {
		return models.Message{}, fmt.Errorf("update conversation summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit create message transaction: %w", err)
	}
	return message, nil
}

// ListMessages returns the conversation's messages in creation order, minus
// those viewerID hid for themselves.
func (s *Store) ListMessages(ctx context.Context, conversationID, viewerID string) ([]models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidArgument)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM message_hides h
			WHERE h.message_id = m.message_id AND h.user_id = ?
		  )
		ORDER BY m.timestamp_sent ASC, m.seq ASC`,
		conversationID,
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessage returns one message regardless of per-viewer hides.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, fmt.Errorf("%w: message_id is required", ErrInvalidArgument)
	}

	message, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+` FROM messages m WHERE m.message_id = ?`,
		messageID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// HideForViewer records that userID deleted the message for themselves.
// The peer's view is unaffected. Repeating the call is a no-op.
func (s *Store) HideForViewer(ctx context.Context, messageID, userID, conversationID string) error {
	if messageID == "" || userID == "" || conversationID == "" {
		return fmt.Errorf("%w: message_id, user_id and conversation_id are required", ErrInvalidArgument)
	}

	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if message.ConversationID != conversationID {
		return ErrNotFound
	}
	if message.SenderID != userID && message.ReceiverID != userID {
		return ErrNotParticipant
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_hides (message_id, user_id, hidden_at) VALUES (?, ?, ?)`,
		messageID,
		userID,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("hide message %q for %q: %w", messageID, userID, err)
	}
	return nil
}

// ClearForEveryone empties the message text and flags it deleted. The row,
// its id and its position in the conversation are kept. When the message is
// the conversation's latest, the summary preview is emptied too.
func (s *Store) ClearForEveryone(ctx context.Context, messageID, conversationID string) error {
	if messageID == "" || conversationID == "" {
		return fmt.Errorf("%w: message_id and conversation_id are required", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear message transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE messages
		SET content = '', deleted_for_everyone = 1
		WHERE message_id = ? AND conversation_id = ?`,
		messageID,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("clear message %q: %w", messageID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear message %q rows affected: %w", messageID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		SET last_message_preview = ''
		WHERE conversation_id = ?
		AND ? = (
			SELECT message_id FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp_sent DESC, seq DESC
			LIMIT 1
		)`,
		conversationID,
		messageID,
		conversationID,
	); err != nil {
		return fmt.Errorf("clear preview of %q: %w", conversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear message transaction: %w", err)
	}
	return nil
}

// Preview shortens text to the form kept as a conversation's last message.
func Preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= previewLimit {
		return string(runes)
	}
	return string(runes[:previewLimit])
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message            models.Message
		sentAt             int64
		isRead             int
		deletedForEveryone int
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Text,
		&sentAt,
		&isRead,
		&deletedForEveryone,
	); err != nil {
		return models.Message{}, err
	}

	message.CreatedAt = fromUnixMilli(sentAt)
	message.IsRead = isRead == 1
	message.DeletedForEveryone = deletedForEveryone == 1
	return message, nil
}
