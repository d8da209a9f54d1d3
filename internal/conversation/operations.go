package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"AssistChat/internal/apperr"
)

// LoadAll replaces the conversation list, most recently updated first.
// Guests and signed-out users get an empty list and no error.
func (s *Store) LoadAll(ctx context.Context) error {
	gen, owner := s.begin()
	if owner == "" {
		s.commit(gen, func(st *State) bool {
			*st = State{}
			return true
		})
		return nil
	}

	s.commit(gen, func(st *State) bool {
		st.Loading = true
		return true
	})

	ctx, span := s.startSpan(ctx, "load_all")
	convs, err := s.data.ListConversations(ctx)
	endSpan(span, err)
	if err != nil {
		err = fmt.Errorf("failed to load conversations: %w", err)
		if !s.fail(gen, err) {
			return nil
		}
		return err
	}

	visible := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if c.OwnerID != owner {
			s.logger.Warn("discarding conversation of another owner", "conversation_id", c.ID)
			continue
		}
		visible = append(visible, c)
	}

	s.commit(gen, func(st *State) bool {
		st.Conversations = visible
		st.sortConversations()
		if st.CurrentID != "" && st.indexOf(st.CurrentID) < 0 {
			st.CurrentID = ""
			st.Messages = nil
		}
		st.Loading = false
		st.Err = nil
		return true
	})
	s.logger.Info("conversations loaded", "owner", owner, "count", len(visible))
	return nil
}

// Create inserts a conversation for the signed-in user and selects it.
// It returns nil without touching the cache when no real user is signed in.
func (s *Store) Create(ctx context.Context, title string) (*Conversation, error) {
	gen, owner := s.begin()
	if owner == "" {
		return nil, apperr.ErrNoRealIdentity
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	ctx, span := s.startSpan(ctx, "create")
	conv, err := s.data.CreateConversation(ctx, title)
	endSpan(span, err)
	if err != nil {
		err = fmt.Errorf("failed to create conversation: %w", err)
		if !s.fail(gen, err) {
			return nil, nil
		}
		return nil, err
	}
	if conv.OwnerID == "" {
		conv.OwnerID = owner
	}
	if conv.OwnerID != owner {
		s.logger.Warn("created conversation reports another owner", "conversation_id", conv.ID)
		return nil, fmt.Errorf("failed to create conversation: %w", apperr.ErrNotFound)
	}

	applied := s.commit(gen, func(st *State) bool {
		st.Conversations = append([]Conversation{conv}, st.Conversations...)
		st.sortConversations()
		st.CurrentID = conv.ID
		st.Messages = []Message{}
		st.Err = nil
		return true
	})
	if !applied {
		return nil, nil
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID)
	return &conv, nil
}

// Select loads the messages of id and makes it current. A conversation that
// no longer exists is removed locally and reported through State.Err only.
func (s *Store) Select(ctx context.Context, id string) error {
	gen, owner := s.begin()
	if owner == "" {
		return apperr.ErrNoRealIdentity
	}

	// The pointer may only reference a listed conversation
	if st := s.Snapshot(); st.indexOf(id) < 0 {
		if err := s.LoadAll(ctx); err != nil {
			return err
		}
		if st := s.Snapshot(); st.indexOf(id) < 0 {
			s.commit(gen, func(st *State) bool {
				st.CurrentID = ""
				st.Messages = nil
				st.Err = fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
				return true
			})
			return nil
		}
	}

	s.mu.Lock()
	s.selectSeq++
	seq := s.selectSeq
	s.mu.Unlock()

	ctx, span := s.startSpan(ctx, "select")
	msgs, err := s.data.ListMessages(ctx, id)
	endSpan(span, err)

	if apperr.IsNotFound(err) {
		s.logger.Info("selected conversation vanished", "conversation_id", id)
		s.commit(gen, func(st *State) bool {
			st.remove(id)
			st.CurrentID = ""
			st.Messages = nil
			st.Err = fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
			return true
		})
		return nil
	}
	if err != nil {
		err = fmt.Errorf("failed to load messages: %w", err)
		if !s.fail(gen, err) {
			return nil
		}
		return err
	}

	visible := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID == id {
			visible = append(visible, m)
		}
	}
	slices.SortStableFunc(visible, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	s.commit(gen, func(st *State) bool {
		if s.selectSeq != seq {
			// a later selection owns the cache
			return false
		}
		if st.indexOf(id) < 0 {
			// deleted while loading
			return false
		}
		// appends still in flight stay after the loaded history
		for _, m := range st.Messages {
			if m.Pending && m.ConversationID == id {
				visible = append(visible, m)
			}
		}
		st.CurrentID = id
		st.Messages = visible
		st.Err = nil
		return true
	})
	return nil
}

// Rename sets a new title. If the conversation was deleted concurrently the
// call is a no-op that resyncs the list.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.NewValidationError("title", "must not be empty")
	}
	gen, owner := s.begin()
	if owner == "" {
		return apperr.ErrNoRealIdentity
	}

	s.mu.Lock()
	seq := s.claimTitleLocked(id)
	s.mu.Unlock()
	return s.sendTitle(ctx, gen, id, title, seq)
}

// claimTitleLocked issues the next title sequence number for id
func (s *Store) claimTitleLocked(id string) uint64 {
	s.titleIssued[id]++
	s.titleInFlight[id]++
	return s.titleIssued[id]
}

// sendTitle writes a title claimed as seq and applies the response unless a
// later title already landed
func (s *Store) sendTitle(ctx context.Context, gen uint64, id, title string, seq uint64) error {
	// released after the response is applied, so a check in between still
	// sees the write as pending
	defer func() {
		s.mu.Lock()
		if gen == s.generation && s.titleInFlight[id] > 0 {
			s.titleInFlight[id]--
		}
		s.mu.Unlock()
	}()

	ctx, span := s.startSpan(ctx, "rename")
	updated, err := s.data.UpdateConversationTitle(ctx, id, title)
	endSpan(span, err)

	if apperr.IsNotFound(err) {
		s.logger.Info("renamed conversation vanished, resyncing", "conversation_id", id)
		if !s.commit(gen, func(st *State) bool {
			st.remove(id)
			st.Err = fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
			return true
		}) {
			return nil
		}
		return s.LoadAll(ctx)
	}
	if err != nil {
		err = fmt.Errorf("failed to rename conversation: %w", err)
		if !s.fail(gen, err) {
			return nil
		}
		return err
	}

	s.commit(gen, func(st *State) bool {
		if seq <= s.titleApplied[id] {
			return false
		}
		s.titleApplied[id] = seq
		i := st.indexOf(id)
		if i < 0 {
			return false
		}
		c := &st.Conversations[i]
		c.Title = updated.Title
		if updated.UpdatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = updated.UpdatedAt
		}
		st.sortConversations()
		st.Err = nil
		return true
	})
	return nil
}

// Delete removes a conversation and its messages. The local removal happens
// only after the remote delete succeeds, and clears the pointer and the
// message cache in the same update when the conversation was current.
func (s *Store) Delete(ctx context.Context, id string) error {
	gen, owner := s.begin()
	if owner == "" {
		return apperr.ErrNoRealIdentity
	}

	ctx, span := s.startSpan(ctx, "delete")
	err := s.data.DeleteConversation(ctx, id)
	endSpan(span, err)
	if err != nil && !apperr.IsNotFound(err) {
		err = fmt.Errorf("failed to delete conversation: %w", err)
		if !s.fail(gen, err) {
			return nil
		}
		return err
	}

	s.commit(gen, func(st *State) bool {
		st.remove(id)
		delete(s.titleIssued, id)
		delete(s.titleApplied, id)
		delete(s.titleClaimed, id)
		delete(s.titleInFlight, id)
		st.Err = nil
		return true
	})
	s.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// DeleteAll removes every conversation of the signed-in user. After the
// remote delete succeeds the list, the pointer and the message cache are
// cleared in a single update.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	gen, owner := s.begin()
	if owner == "" {
		return 0, apperr.ErrNoRealIdentity
	}

	ctx, span := s.startSpan(ctx, "delete_all")
	n, err := s.data.DeleteAllConversations(ctx)
	endSpan(span, err)
	if err != nil {
		err = fmt.Errorf("failed to delete conversations: %w", err)
		if !s.fail(gen, err) {
			return 0, nil
		}
		return 0, err
	}

	if !s.commit(gen, func(st *State) bool {
		st.Conversations = []Conversation{}
		st.CurrentID = ""
		st.Messages = nil
		st.Err = nil
		s.titleIssued = make(map[string]uint64)
		s.titleApplied = make(map[string]uint64)
		s.titleInFlight = make(map[string]int)
		s.titleClaimed = make(map[string]bool)
		return true
	}) {
		return 0, nil
	}
	s.logger.Info("all conversations deleted", "owner", owner, "count", n)
	return n, nil
}
