// Package session owns the lifecycle of the remote authentication session.
//
// A Store bootstraps the session once, then re-publishes every change the
// remote auth service reports. Listeners receive events serially, in the order
// the store observed them.
package session

import (
	"context"
	"time"
)

// Session is the cached copy of the remote credential bundle
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry at now.
// A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a copy that callers may keep
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// EventKind names an auth change
type EventKind string

const (
	// EventInitialSession is published once when bootstrap finishes.
	EventInitialSession     EventKind = "INITIAL_SESSION"
	EventSessionEstablished EventKind = "SIGNED_IN"
	EventSessionCleared     EventKind = "SIGNED_OUT"
	EventTokenRenewed       EventKind = "TOKEN_REFRESHED"
	EventProfileUpdated     EventKind = "USER_UPDATED"
)

// AffectsIdentity reports whether the event can change which user is signed in.
// Token renewal and profile updates only refresh the cached payload.
func (k EventKind) AffectsIdentity() bool {
	return k == EventSessionEstablished || k == EventSessionCleared
}

// Listener receives auth change events. sess is nil when no session exists.
type Listener func(kind EventKind, sess *Session)

// AuthClient is the subset of the remote auth service the store depends on
type AuthClient interface {
	GetSession(ctx context.Context) (*Session, error)
	// OnChange registers cb for every auth change and returns its unregister func.
	OnChange(cb Listener) (unsubscribe func())
	RefreshSession(ctx context.Context) (*Session, error)
	SignOut(ctx context.Context) error
}

// PresenceRecorder receives the session-presence signal consumed by the
// edge router before the client loads.
type PresenceRecorder interface {
	SetSessionPresent(present bool) error
}
