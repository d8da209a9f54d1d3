package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"AssistChat/internal/apperr"
)

// appendCommand is one optimistic message append: apply a provisional entry,
// issue the write, then splice in the stored message or roll back.
type appendCommand struct {
	s              *Store
	gen            uint64
	conversationID string
	role           Role
	content        string

	provisionalID string
	shown         bool // provisional entry made it into the message cache
	claimedTitle  bool // this append is the conversation's first user message
}

// AddMessage appends a message optimistically. The provisional entry keeps
// its position when the stored message replaces it, so messages stay in the
// order they were added whatever the write latencies. On failure the entry is
// removed and the error returned.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role Role, content string) (*Message, error) {
	if !role.Valid() {
		return nil, apperr.NewValidationError("role", fmt.Sprintf("unknown role %q", role))
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperr.NewValidationError("content", "must not be empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLen {
		return nil, apperr.NewValidationError("content", fmt.Sprintf("longer than %d characters", MaxMessageLen))
	}
	gen, owner := s.begin()
	if owner == "" {
		return nil, apperr.ErrNoRealIdentity
	}

	cmd := &appendCommand{
		s:              s,
		gen:            gen,
		conversationID: conversationID,
		role:           role,
		content:        content,
	}
	return cmd.run(ctx)
}

func (c *appendCommand) run(ctx context.Context) (*Message, error) {
	if !c.apply() {
		return nil, nil
	}

	ctx, span := c.s.startSpan(ctx, "add_message")
	msg, err := c.s.data.CreateMessage(ctx, c.conversationID, c.role, c.content)
	endSpan(span, err)
	if err != nil {
		err = fmt.Errorf("failed to add message: %w", err)
		if !c.rollback(err) {
			return nil, nil
		}
		return nil, err
	}

	if !c.reconcile(msg) {
		return nil, nil
	}

	if c.claimedTitle {
		c.autoTitle(ctx)
	}
	return &msg, nil
}

// apply inserts the provisional entry when the conversation is on screen
func (c *appendCommand) apply() bool {
	s := c.s
	return s.commit(c.gen, func(st *State) bool {
		s.pendingSeq++
		c.provisionalID = fmt.Sprintf("pending-%d", s.pendingSeq)

		if c.role == RoleUser && !s.titleClaimed[c.conversationID] {
			if i := st.indexOf(c.conversationID); i >= 0 && st.Conversations[i].Title == DefaultTitle {
				firstUser := st.Conversations[i].MessageCount == 0
				if st.CurrentID == c.conversationID {
					firstUser = !slices.ContainsFunc(st.Messages, func(m Message) bool { return m.Role == RoleUser })
				}
				if firstUser {
					s.titleClaimed[c.conversationID] = true
					c.claimedTitle = true
				}
			}
		}

		if st.CurrentID != c.conversationID {
			return false
		}
		st.Messages = append(st.Messages, Message{
			ID:             c.provisionalID,
			ConversationID: c.conversationID,
			Role:           c.role,
			Content:        c.content,
			CreatedAt:      s.now().UTC(),
			Pending:        true,
		})
		c.shown = true
		return true
	})
}

// reconcile swaps the provisional entry for the stored message in place
func (c *appendCommand) reconcile(msg Message) bool {
	return c.s.commit(c.gen, func(st *State) bool {
		msg.Pending = false
		stored := slices.ContainsFunc(st.Messages, func(m Message) bool { return m.ID == msg.ID })
		i := slices.IndexFunc(st.Messages, func(m Message) bool { return m.ID == c.provisionalID })
		switch {
		case i >= 0 && stored:
			// a reload already brought the stored copy
			st.Messages = slices.Delete(st.Messages, i, i+1)
		case i >= 0:
			st.Messages[i] = msg
		case st.CurrentID == c.conversationID && !stored:
			// never shown, or a reload replaced the cache before the write landed
			st.Messages = append(st.Messages, msg)
		}

		if i := st.indexOf(c.conversationID); i >= 0 {
			conv := &st.Conversations[i]
			conv.MessageCount++
			conv.LastMessagePreview = Preview(msg.Content)
			if msg.CreatedAt.After(conv.UpdatedAt) {
				conv.UpdatedAt = msg.CreatedAt
			}
			st.sortConversations()
		}
		st.Err = nil
		return true
	})
}

// rollback removes the provisional entry and surfaces err
func (c *appendCommand) rollback(err error) bool {
	s := c.s
	return s.commit(c.gen, func(st *State) bool {
		if c.claimedTitle {
			delete(s.titleClaimed, c.conversationID)
		}
		st.Messages = slices.DeleteFunc(st.Messages, func(m Message) bool { return m.ID == c.provisionalID })
		if apperr.IsNotFound(err) {
			st.remove(c.conversationID)
		}
		st.Err = err
		s.rollbacks.Add(context.Background(), 1)
		s.logger.Warn("rolled back optimistic message", "conversation_id", c.conversationID, "error", err)
		return true
	})
}

// autoTitle names a conversation after its first user message, unless the
// title was changed or a rename is still on its way
func (c *appendCommand) autoTitle(ctx context.Context) {
	s := c.s
	s.mu.Lock()
	i := s.state.indexOf(c.conversationID)
	if c.gen != s.generation || i < 0 ||
		s.state.Conversations[i].Title != DefaultTitle || s.titleInFlight[c.conversationID] > 0 {
		s.mu.Unlock()
		return
	}
	seq := s.claimTitleLocked(c.conversationID)
	s.mu.Unlock()

	title := DeriveTitle(c.content, s.titleMaxLen)
	if err := s.sendTitle(ctx, c.gen, c.conversationID, title, seq); err != nil {
		s.logger.Warn("failed to auto-title conversation", "conversation_id", c.conversationID, "error", err)
	}
}
