package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"AssistChat/internal/apperr"
	"AssistChat/internal/auth"
	"AssistChat/internal/session"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	errInvalidLogin   = apperr.NewAuthError("Invalid login credentials")
	errUserExists     = apperr.NewAuthError("User already registered")
	errSessionExpired = apperr.NewAuthError("Session expired, please sign in again")
	errInvalidRefresh = apperr.NewAuthError("Invalid refresh token")
	errResetExpired   = apperr.NewAuthError("Reset link is invalid or has expired")
)

// SignUp registers a user and opens a session for them
func (s *Service) SignUp(ctx context.Context, email, password string) (*session.Session, error) {
	email = auth.NormalizeEmail(email)
	if err := auth.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	userID := uuid.NewString()
	now := s.timestamp()
	var sess *session.Session
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO users (id, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			userID, email, string(hash), now, now,
		)
		if err != nil {
			var sqlErr sqlite3.Error
			if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
				return errUserExists
			}
			return fmt.Errorf("failed to create user: %w", err)
		}
		sess, err = s.openSession(ctx, tx, userID, email)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", "user_id", userID)
	return sess, nil
}

// SignIn checks a password and opens a session
func (s *Service) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	email = auth.NormalizeEmail(email)
	if err := auth.ValidateEmail(email); err != nil {
		return nil, err
	}

	var userID, hash string
	err := s.db.QueryRowContext(ctx, "SELECT id, password_hash FROM users WHERE email = ?", email).
		Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidLogin
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		s.logger.Info("rejected sign-in", "user_id", userID)
		return nil, errInvalidLogin
	}

	var sess *session.Session
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = s.openSession(ctx, tx, userID, email)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user signed in", "user_id", userID)
	return sess, nil
}

func (s *Service) openSession(ctx context.Context, tx *sql.Tx, userID, email string) (*session.Session, error) {
	sess := &session.Session{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		UserID:       userID,
		Email:        email,
		ExpiresAt:    s.timestamp().Add(s.sessionTTL),
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (access_token, refresh_token, user_id, expires_at) VALUES (?, ?, ?, ?)",
		sess.AccessToken, sess.RefreshToken, sess.UserID, sess.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session for accessToken, or nil when it is unknown
// or expired
func (s *Service) GetSession(ctx context.Context, accessToken string) (*session.Session, error) {
	if accessToken == "" {
		return nil, nil
	}
	var sess session.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT s.access_token, s.refresh_token, s.user_id, u.email, s.expires_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.access_token = ?`, accessToken).
		Scan(&sess.AccessToken, &sess.RefreshToken, &sess.UserID, &sess.Email, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Expired(s.timestamp()) {
		return nil, nil
	}
	return &sess, nil
}

// Authenticate resolves accessToken to its user
func (s *Service) Authenticate(ctx context.Context, accessToken string) (string, error) {
	sess, err := s.GetSession(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", errSessionExpired
	}
	return sess.UserID, nil
}

// Refresh exchanges a refresh token for a new session. The old tokens stop
// working. A refresh token whose session has expired is still accepted.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	var sess *session.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var accessToken, userID, email string
		err := tx.QueryRowContext(ctx, `
			SELECT s.access_token, s.user_id, u.email
			FROM sessions s JOIN users u ON u.id = s.user_id
			WHERE s.refresh_token = ?`, refreshToken).
			Scan(&accessToken, &userID, &email)
		if errors.Is(err, sql.ErrNoRows) {
			return errInvalidRefresh
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE access_token = ?", accessToken); err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
		sess, err = s.openSession(ctx, tx, userID, email)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("session refreshed", "user_id", sess.UserID)
	return sess, nil
}

// SignOut revokes the session. Unknown tokens are not an error.
func (s *Service) SignOut(ctx context.Context, accessToken string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE access_token = ?", accessToken); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// UpdatePassword changes the signed-in user's password
func (s *Service) UpdatePassword(ctx context.Context, accessToken, password string) (*session.Session, error) {
	if err := auth.ValidatePassword(password); err != nil {
		return nil, err
	}
	sess, err := s.GetSession(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errSessionExpired
	}
	if err := s.setPassword(ctx, sess.UserID, password); err != nil {
		return nil, err
	}
	s.publish(AccountEvent{UserID: sess.UserID, Kind: session.EventProfileUpdated, Origin: accessToken})
	return sess, nil
}

func (s *Service) setPassword(ctx context.Context, userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		string(hash), s.timestamp(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	s.logger.Info("password updated", "user_id", userID)
	return nil
}

// SendPasswordReset issues a reset link for email. Nothing is sent; the link
// is logged. Unknown addresses succeed silently so accounts cannot be probed.
// The token is returned for callers that deliver it themselves.
func (s *Service) SendPasswordReset(ctx context.Context, email, redirectURL string) (string, error) {
	email = auth.NormalizeEmail(email)
	if err := auth.ValidateEmail(email); err != nil {
		return "", err
	}

	var userID string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM users WHERE email = ?", email).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Info("password reset requested for unknown address")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}

	token := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO reset_tokens (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, s.timestamp().Add(ResetTokenTTL),
	)
	if err != nil {
		return "", fmt.Errorf("failed to store reset token: %w", err)
	}

	s.logger.Info("password reset link", "user_id", userID, "link", resetLink(redirectURL, token))
	return token, nil
}

func resetLink(redirectURL, token string) string {
	sep := "?"
	if strings.Contains(redirectURL, "?") {
		sep = "&"
	}
	return redirectURL + sep + "token=" + url.QueryEscape(token)
}

// ResetPassword sets a new password using a reset token. Tokens are single use.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if err := auth.ValidatePassword(password); err != nil {
		return err
	}

	var userID string
	var expiresAt time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT user_id, expires_at FROM reset_tokens WHERE token = ?", token).
			Scan(&userID, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return errResetExpired
		}
		if err != nil {
			return fmt.Errorf("failed to load reset token: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM reset_tokens WHERE token = ?", token); err != nil {
			return fmt.Errorf("failed to consume reset token: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !s.timestamp().Before(expiresAt) {
		return errResetExpired
	}

	if err := s.setPassword(ctx, userID, password); err != nil {
		return err
	}
	s.publish(AccountEvent{UserID: userID, Kind: session.EventProfileUpdated})
	return nil
}

// DeleteAccount removes the user with all their conversations, messages and
// sessions
func (s *Service) DeleteAccount(ctx context.Context, accessToken string) error {
	userID, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	s.logger.Info("account deleted", "user_id", userID)
	s.publish(AccountEvent{UserID: userID, Kind: session.EventSessionCleared, Origin: accessToken})
	return nil
}
