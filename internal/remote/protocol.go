// Package remote carries the auth and data service over HTTP: JSON-RPC 2.0
// requests on /rpc, and a websocket on /v1/events that pushes account
// changes to signed-in clients.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"AssistChat/internal/apperr"
	"AssistChat/internal/conversation"
	"AssistChat/internal/session"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Field is set for validation errors
	Field string `json:"field,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes. The -320xx range is ours.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeAuth       = -32001
	CodeValidation = -32002
	CodeNotFound   = -32004
)

// Methods
const (
	MethodGetSession    = "auth/getSession"
	MethodSignIn        = "auth/signIn"
	MethodSignUp        = "auth/signUp"
	MethodSignOut       = "auth/signOut"
	MethodRefresh       = "auth/refresh"
	MethodUpdateUser    = "auth/updateUser"
	MethodPasswordReset = "auth/resetPasswordForEmail"
	MethodDeleteAccount = "auth/deleteAccount"

	MethodListConversations  = "conversations/list"
	MethodCreateConversation = "conversations/create"
	MethodRenameConversation = "conversations/update"
	MethodDeleteConversation = "conversations/delete"
	MethodDeleteAll          = "conversations/deleteAll"
	MethodListMessages       = "messages/list"
	MethodCreateMessage      = "messages/create"
)

// CredentialsParams is the sign-in and sign-up payload
type CredentialsParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshParams carries the refresh token
type RefreshParams struct {
	RefreshToken string `json:"refresh_token"`
}

// UpdateUserParams changes the signed-in user's password
type UpdateUserParams struct {
	Password string `json:"password"`
}

// PasswordResetParams requests a reset link
type PasswordResetParams struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to"`
}

// SessionResult wraps a possibly absent session
type SessionResult struct {
	Session *session.Session `json:"session"`
}

// ConversationParams addresses a conversation
type ConversationParams struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// DeleteAllResult reports how many conversations were removed
type DeleteAllResult struct {
	Deleted int `json:"deleted"`
}

// MessageParams addresses or creates a message
type MessageParams struct {
	ConversationID string            `json:"conversation_id"`
	Role           conversation.Role `json:"role,omitempty"`
	Content        string            `json:"content,omitempty"`
}

// Event is pushed over the websocket when an account changes
type Event struct {
	Kind   session.EventKind `json:"kind"`
	UserID string            `json:"user_id"`
}

// toRPCError maps the error taxonomy onto wire codes
func toRPCError(err error) *RPCError {
	var ve *apperr.ValidationError
	var ae *apperr.AuthError
	switch {
	case errors.Is(err, errInvalidParams):
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	case errors.As(err, &ve):
		return &RPCError{Code: CodeValidation, Message: ve.Reason, Field: ve.Field}
	case errors.As(err, &ae):
		return &RPCError{Code: CodeAuth, Message: ae.Message}
	case apperr.IsNotFound(err):
		return &RPCError{Code: CodeNotFound, Message: err.Error()}
	default:
		return &RPCError{Code: CodeInternal, Message: err.Error()}
	}
}

// fromRPCError turns a wire error back into the taxonomy
func fromRPCError(e *RPCError) error {
	switch e.Code {
	case CodeValidation:
		return apperr.NewValidationError(e.Field, e.Message)
	case CodeAuth:
		return apperr.NewAuthError(e.Message)
	case CodeNotFound:
		return fmt.Errorf("%s: %w", e.Message, apperr.ErrNotFound)
	default:
		return e
	}
}
