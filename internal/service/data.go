package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"AssistChat/internal/apperr"
	"AssistChat/internal/conversation"

	"github.com/google/uuid"
)

// ListConversations returns the user's conversations, most recently updated
// first, with message counts and a preview of the last message
func (s *Service) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			COALESCE((SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.seq DESC LIMIT 1), '')
		FROM conversations c
		WHERE c.user_id = ?
		ORDER BY c.updated_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := []conversation.Conversation{}
	for rows.Next() {
		var c conversation.Conversation
		var last string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.LastMessagePreview = conversation.Preview(last)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// CreateConversation inserts a conversation owned by userID
func (s *Service) CreateConversation(ctx context.Context, userID, title string) (conversation.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = conversation.DefaultTitle
	}
	now := s.timestamp()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.OwnerID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversation_id", c.ID, "user_id", userID)
	return c, nil
}

// getConversation loads one of userID's conversations
func getConversation(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, userID, id string) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := q.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = ? AND c.user_id = ?`, id, userID).
		Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("failed to load conversation: %w", err)
	}
	return c, nil
}

// UpdateConversationTitle renames one of userID's conversations
func (s *Service) UpdateConversationTitle(ctx context.Context, userID, id, title string) (conversation.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return conversation.Conversation{}, apperr.NewValidationError("title", "must not be empty")
	}
	var c conversation.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?",
			title, s.timestamp(), id, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
		}
		c, err = getConversation(ctx, tx, userID, id)
		return err
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	return c, nil
}

// DeleteConversation removes one of userID's conversations and its messages
func (s *Service) DeleteConversation(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
	}
	s.logger.Info("conversation deleted", "conversation_id", id, "user_id", userID)
	return nil
}

// DeleteAllConversations removes every conversation userID owns, with their
// messages, and returns how many were removed
func (s *Service) DeleteAllConversations(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("all conversations deleted", "user_id", userID, "count", n)
	return int(n), nil
}

// ListMessages returns a conversation's messages in insertion order
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]conversation.Message, error) {
	if _, err := getConversation(ctx, s.db, userID, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	msgs := []conversation.Message{}
	for rows.Next() {
		var m conversation.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return msgs, nil
}

// CreateMessage appends a message and bumps the conversation's updated_at
func (s *Service) CreateMessage(ctx context.Context, userID, conversationID string, role conversation.Role, content string) (conversation.Message, error) {
	if !role.Valid() {
		return conversation.Message{}, apperr.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}
	if strings.TrimSpace(content) == "" {
		return conversation.Message{}, apperr.NewValidationError("content", "must not be empty")
	}

	m := conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.timestamp(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getConversation(ctx, tx, userID, conversationID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
			m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", m.CreatedAt, conversationID)
		if err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return conversation.Message{}, err
	}
	return m, nil
}
