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

const conversationColumns = `
	conversation_id,
	participant_a,
	participant_b,
	unread_a,
	unread_b,
	last_message_sender,
	last_message_preview,
	last_message_at,
	created_at`

// GetOrCreateConversation returns the conversation between a and b, creating
// it on first contact. The pair is unordered.
func (s *Store) GetOrCreateConversation(ctx context.Context, a, b string) (models.Conversation, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return models.Conversation{}, fmt.Errorf("%w: both participants are required", ErrInvalidArgument)
	}
	if a == b {
		return models.Conversation{}, fmt.Errorf("%w: a conversation needs two distinct participants", ErrInvalidArgument)
	}

	first, second := orderedPair(a, b)
	now := nowUnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (
			conversation_id,
			participant_a,
			participant_b,
			last_message_at,
			created_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(participant_a, participant_b) DO NOTHING`,
		uuid.NewString(),
		first,
		second,
		now,
		now,
	); err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation %q/%q: %w", first, second, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT`+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? AND participant_b = ?`,
		first,
		second,
	)
	conversation, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("load conversation %q/%q: %w", first, second, err)
	}
	return conversation, nil
}

// GetConversation returns one conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if conversationID == "" {
		return models.Conversation{}, fmt.Errorf("%w: conversation_id is required", ErrInvalidArgument)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT`+conversationColumns+`
		FROM conversations
		WHERE conversation_id = ?`,
		conversationID,
	)
	conversation, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	return conversation, nil
}

// ListConversations returns every conversation userID takes part in, most
// recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_message_at DESC, created_at DESC`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %q: %w", userID, err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}

// IsParticipant reports whether userID is one of the conversation's participants.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conversation.HasParticipant(userID), nil
}

// MarkRead zeroes userID's unread counter and flags every message addressed
// to userID as read. Calling it repeatedly is harmless.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return fmt.Errorf("%w: conversation_id and user_id are required", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark read transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	conversation, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT`+conversationColumns+` FROM conversations WHERE conversation_id = ?`,
		conversationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load conversation %q: %w", conversationID, err)
	}
	if !conversation.HasParticipant(userID) {
		return ErrNotParticipant
	}

	column := "unread_a"
	if conversation.Participants[1] == userID {
		column = "unread_b"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET `+column+` = 0 WHERE conversation_id = ?`,
		conversationID,
	); err != nil {
		return fmt.Errorf("reset unread counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = 0`,
		conversationID,
		userID,
	); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark read transaction: %w", err)
	}
	return nil
}

func scanConversation(row scanner) (models.Conversation, error) {
	var (
		conversation  models.Conversation
		unreadA       int
		unreadB       int
		lastMessageAt int64
		createdAt     int64
	)

	if err := row.Scan(
		&conversation.ID,
		&conversation.Participants[0],
		&conversation.Participants[1],
		&unreadA,
		&unreadB,
		&conversation.LastMessageSender,
		&conversation.LastMessagePreview,
		&lastMessageAt,
		&createdAt,
	); err != nil {
		return models.Conversation{}, err
	}

	conversation.UnreadCount = map[string]int{
		conversation.Participants[0]: unreadA,
		conversation.Participants[1]: unreadB,
	}
	conversation.LastMessageAt = fromUnixMilli(lastMessageAt)
	conversation.CreatedAt = fromUnixMilli(createdAt)
	return conversation, nil
}
