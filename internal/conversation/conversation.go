// Package conversation caches the signed-in user's conversations and the
// messages of the selected one.
//
// Every operation is scoped to the identity active when it was called. A
// generation token is bumped on each identity change and any response that
// carries an older token is discarded, so data from a previous user is never
// shown to the next one.
package conversation

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is the placeholder replaced by auto-titling
	DefaultTitle = "New Conversation"
	// DefaultTitleMaxLen bounds auto-generated titles, in runes
	DefaultTitleMaxLen = 50
	// MaxMessageLen is the longest message content accepted, in runes
	MaxMessageLen = 10000
)

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation is a titled thread owned by one user
type Conversation struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"owner_id"`
	Title              string    `json:"title"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	MessageCount       int       `json:"message_count,omitempty"`
}

// Message is a single create-only chat entry
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	// Pending marks an optimistic entry whose write has not been confirmed
	Pending bool `json:"-"`
}

// DataService is the remote data API. Calls are implicitly scoped to the
// caller's authenticated user; rows of other users are reported as not found.
type DataService interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, title string) (Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) (Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	DeleteAllConversations(ctx context.Context) (int, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, conversationID string, role Role, content string) (Message, error)
}

// DeriveTitle turns a first message into a title of at most maxLen runes
func DeriveTitle(content string, maxLen int) string {
	if maxLen < 4 {
		maxLen = DefaultTitleMaxLen
	}
	title := truncate(content, maxLen)
	if title == "" {
		return DefaultTitle
	}
	return title
}

// Preview shortens message content for the conversation list
func Preview(content string) string {
	return truncate(content, 80)
}

// truncate collapses whitespace and cuts s to maxLen runes, ellipsis included
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:maxLen-3]), " ") + "..."
}
